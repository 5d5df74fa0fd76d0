package controller

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/relayguard/relayguard/dto"
	"github.com/relayguard/relayguard/service"
	"github.com/samber/lo"
)

// Monitor exposes the operational read surface: breaker states, live
// sessions and realtime counters. The relay forwarding surface lives
// elsewhere; these endpoints are for dashboards and operators.
type Monitor struct {
	providerBreaker *service.CircuitBreaker
	endpointBreaker *service.EndpointBreaker
	affinity        *service.SessionAffinity
	counter         *service.RealtimeCounter
}

func NewMonitor(providerBreaker *service.CircuitBreaker, endpointBreaker *service.EndpointBreaker, affinity *service.SessionAffinity, counter *service.RealtimeCounter) *Monitor {
	return &Monitor{
		providerBreaker: providerBreaker,
		endpointBreaker: endpointBreaker,
		affinity:        affinity,
		counter:         counter,
	}
}

func (m *Monitor) SetupRouter(router *gin.Engine) {
	api := router.Group("/api")
	api.GET("/breaker/:granularity/:id", m.GetBreakerStatus)
	api.GET("/breaker/:granularity", m.GetBatchBreakerStatus)
	api.POST("/breaker/:granularity/:id/reset", m.ResetBreaker)
	api.GET("/sessions/active", m.GetActiveSessions)
	api.GET("/sessions/all", m.GetAllSessionsWithExpiry)
	api.GET("/sessions/:id", m.GetSession)
	api.GET("/users/:id/stats", m.GetUserStats)
	api.GET("/users/stats", m.GetBatchUserStats)
}

func toBreakerStatus(state *service.BreakerState) dto.BreakerStatus {
	return dto.BreakerStatus{
		TargetId:             state.TargetId,
		State:                state.State,
		FailureCount:         state.FailureCount,
		HalfOpenSuccessCount: state.HalfOpenSuccessCount,
		LastFailureTime:      state.LastFailureTime,
		OpenUntil:            state.OpenUntil,
	}
}

func (m *Monitor) breakerStates(c *gin.Context, granularity string, ids []string) (map[string]*service.BreakerState, bool) {
	switch granularity {
	case "provider":
		return m.providerBreaker.BatchGetStates(c.Request.Context(), ids), true
	case "endpoint":
		return m.endpointBreaker.BatchGetStates(c.Request.Context(), ids), true
	default:
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"message": "unknown breaker granularity: " + granularity,
		})
		return nil, false
	}
}

func (m *Monitor) GetBreakerStatus(c *gin.Context) {
	granularity := c.Param("granularity")
	id := c.Param("id")
	var state *service.BreakerState
	switch granularity {
	case "provider":
		state = m.providerBreaker.GetState(c.Request.Context(), id)
	case "endpoint":
		state = m.endpointBreaker.GetState(c.Request.Context(), id)
	default:
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"message": "unknown breaker granularity: " + granularity,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    toBreakerStatus(state),
	})
}

func (m *Monitor) GetBatchBreakerStatus(c *gin.Context) {
	ids := strings.Split(c.Query("ids"), ",")
	ids = lo.Filter(ids, func(id string, _ int) bool { return id != "" })
	if len(ids) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"message": "ids query parameter is required",
		})
		return
	}
	states, ok := m.breakerStates(c, c.Param("granularity"), ids)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data": lo.MapValues(states, func(state *service.BreakerState, _ string) dto.BreakerStatus {
			return toBreakerStatus(state)
		}),
	})
}

func (m *Monitor) ResetBreaker(c *gin.Context) {
	granularity := c.Param("granularity")
	id := c.Param("id")
	switch granularity {
	case "provider":
		m.providerBreaker.Reset(c.Request.Context(), id)
	case "endpoint":
		m.endpointBreaker.Reset(c.Request.Context(), id)
	default:
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"message": "unknown breaker granularity: " + granularity,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "breaker reset",
	})
}

func (m *Monitor) GetActiveSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    m.affinity.GetActiveSessions(c.Request.Context()),
	})
}

func (m *Monitor) GetAllSessionsWithExpiry(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    m.affinity.GetAllSessionsWithExpiry(c.Request.Context()),
	})
}

func (m *Monitor) GetSession(c *gin.Context) {
	view, ok := m.affinity.GetSession(c.Request.Context(), c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{
			"success": false,
			"message": "session not found or expired",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    view,
	})
}

func (m *Monitor) GetUserStats(c *gin.Context) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"message": "invalid user id",
		})
		return
	}
	stats, ok := m.counter.GetUserStats(c.Request.Context(), id)
	if !ok {
		c.JSON(http.StatusOK, gin.H{
			"success": true,
			"data":    dto.UserStats{UserId: id},
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    stats,
	})
}

func (m *Monitor) GetBatchUserStats(c *gin.Context) {
	parts := strings.Split(c.Query("ids"), ",")
	ids := make([]int, 0, len(parts))
	for _, part := range parts {
		if part == "" {
			continue
		}
		id, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"success": false,
				"message": "invalid user id: " + part,
			})
			return
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"message": "ids query parameter is required",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    m.counter.GetBatchUserStats(c.Request.Context(), ids),
	})
}
