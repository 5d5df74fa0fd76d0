package model

import (
	"fmt"
	"sync"
	"time"

	"github.com/relayguard/relayguard/common"
	"gorm.io/gorm"
)

const (
	ProviderStatusEnabled      = 1
	ProviderStatusManualOff    = 2
	ProviderStatusAutoDisabled = 3
)

// Provider is one upstream target. Priority is ordinal: lower number means
// higher priority, and the affinity manager compares these when deciding
// whether a retry may migrate a session binding.
type Provider struct {
	Id        int       `json:"id" gorm:"primaryKey"`
	Name      string    `json:"name" gorm:"size:128"`
	Endpoint  string    `json:"endpoint" gorm:"size:256"`
	Priority  int64     `json:"priority" gorm:"default:100"`
	Weight    int       `json:"weight" gorm:"default:0"`
	Status    int       `json:"status" gorm:"type:int;default:1"`
	Models    string    `json:"models"`
	CreatedAt time.Time `json:"created_at"`
}

func (p *Provider) GetPriority() int64 {
	if p == nil {
		return 0
	}
	return p.Priority
}

func GetProviderById(db *gorm.DB, id int) (*Provider, error) {
	var provider Provider
	err := db.First(&provider, "id = ?", id).Error
	if err != nil {
		return nil, err
	}
	return &provider, nil
}

// ProviderCache keeps all providers in memory and refreshes them from the
// database on an interval, so priority lookups on the retry path never hit
// the database.
type ProviderCache struct {
	db   *gorm.DB
	mu   sync.RWMutex
	byId map[int]*Provider
}

func NewProviderCache(db *gorm.DB) *ProviderCache {
	c := &ProviderCache{db: db, byId: make(map[int]*Provider)}
	if err := c.Sync(); err != nil {
		common.SysError("initial provider sync failed: " + err.Error())
	}
	return c
}

func (c *ProviderCache) Sync() error {
	var providers []*Provider
	if err := c.db.Find(&providers).Error; err != nil {
		return err
	}
	byId := make(map[int]*Provider, len(providers))
	for _, p := range providers {
		byId[p.Id] = p
	}
	c.mu.Lock()
	c.byId = byId
	c.mu.Unlock()
	common.SysLog(fmt.Sprintf("providers synced from database (%d)", len(providers)))
	return nil
}

// SyncLoop refreshes the cache until stop closes.
func (c *ProviderCache) SyncLoop(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := c.Sync(); err != nil {
				common.SysError("provider sync failed: " + err.Error())
			}
		case <-stop:
			return
		}
	}
}

// FindById returns the cached provider, or false when it is unknown.
func (c *ProviderCache) FindById(id int) (*Provider, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.byId[id]
	return p, ok
}
