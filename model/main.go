package model

import (
	"os"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/pkg/errors"
	"github.com/relayguard/relayguard/common"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// InitDB opens the durable system of record. The driver is chosen from the
// SQL_DSN shape like the rest of the gateway does it; no DSN falls back to a
// local SQLite file so a development instance always has a ledger.
func InitDB() (*gorm.DB, error) {
	dsn := os.Getenv("SQL_DSN")
	var dialector gorm.Dialector
	switch {
	case dsn == "":
		common.SysLog("SQL_DSN not set, using SQLite as database")
		dialector = sqlite.Open(common.GetEnvOrDefaultString("SQLITE_PATH", "relayguard.db"))
	case strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://"):
		common.SysLog("using PostgreSQL as database")
		dialector = postgres.Open(dsn)
	default:
		common.SysLog("using MySQL as database")
		dialector = mysql.Open(dsn)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.Wrap(err, "failed to get database connection")
	}
	sqlDB.SetMaxIdleConns(common.GetEnvOrDefault("SQL_MAX_IDLE_CONNS", 10))
	sqlDB.SetMaxOpenConns(common.GetEnvOrDefault("SQL_MAX_OPEN_CONNS", 100))
	sqlDB.SetConnMaxLifetime(time.Duration(common.GetEnvOrDefault("SQL_MAX_LIFETIME", 60)) * time.Second)

	if err := migrate(db); err != nil {
		return nil, errors.Wrap(err, "failed to migrate database")
	}
	common.SysLog("database migrated")
	return db, nil
}

func migrate(db *gorm.DB) error {
	return db.AutoMigrate(&User{}, &Provider{}, &RequestLog{})
}
