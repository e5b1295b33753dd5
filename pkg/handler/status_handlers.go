package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/esshgate/esshgate/pkg/event"
	"github.com/esshgate/esshgate/pkg/models"
	"github.com/esshgate/esshgate/pkg/session"
	"github.com/esshgate/esshgate/pkg/vault"
)

// StatusHandler serves the unauthenticated health endpoint.
type StatusHandler struct {
	Registry *session.Registry
	DB       *gorm.DB
	Vault    *vault.Vault
	Version  string
	started  time.Time
}

func NewStatusHandler(registry *session.Registry, database *gorm.DB, v *vault.Vault, version string) *StatusHandler {
	return &StatusHandler{Registry: registry, DB: database, Vault: v, Version: version, started: time.Now()}
}

func (h *StatusHandler) Status(c *gin.Context) {
	components := gin.H{
		"db":    h.dbStatus(),
		"vault": h.vaultStatus(),
		"gateway": gin.H{
			"status":         "ok",
			"activeSessions": h.Registry.Len(),
		},
	}

	c.JSON(http.StatusOK, models.Response{Success: true, Data: gin.H{
		"status":         "ok",
		"version":        h.Version,
		"uptimeSeconds":  int64(time.Since(h.started).Seconds()),
		"activeSessions": h.Registry.Len(),
		"components":     components,
		"traffic":        event.Stats().Totals(),
	}})
}

func (h *StatusHandler) dbStatus() string {
	if h.DB == nil {
		return "unconfigured"
	}
	sqlDB, err := h.DB.DB()
	if err != nil || sqlDB.Ping() != nil {
		return "error"
	}
	return "ok"
}

func (h *StatusHandler) vaultStatus() string {
	if h.Vault == nil {
		return "unconfigured"
	}
	return "ok"
}
