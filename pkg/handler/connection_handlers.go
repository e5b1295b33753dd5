package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/esshgate/esshgate/pkg/models"
	"github.com/esshgate/esshgate/pkg/service"
	"github.com/esshgate/esshgate/pkg/token"
)

// ConnectionHandler serves the stored-connection CRUD plus the pending-key
// staging endpoint that bridges HTTP auth and the websocket handshake.
type ConnectionHandler struct {
	Conns   *service.ConnectionService
	Pending *token.PendingConnections
	Logger  *slog.Logger
}

func NewConnectionHandler(conns *service.ConnectionService, pending *token.PendingConnections, logger *slog.Logger) *ConnectionHandler {
	return &ConnectionHandler{Conns: conns, Pending: pending, Logger: logger}
}

func connStatus(err error) int {
	switch {
	case errors.Is(err, service.ErrConnectionNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrNotOwner):
		return http.StatusForbidden
	default:
		return http.StatusBadRequest
	}
}

func (h *ConnectionHandler) List(c *gin.Context) {
	conns, err := h.Conns.List(principalID(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, models.Response{Success: false, Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, models.Response{Success: true, Data: conns})
}

func (h *ConnectionHandler) Get(c *gin.Context) {
	conn, err := h.Conns.Get(principalID(c), c.Param("id"))
	if err != nil {
		c.JSON(connStatus(err), models.Response{Success: false, Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, models.Response{Success: true, Data: conn})
}

func (h *ConnectionHandler) Create(c *gin.Context) {
	var req models.CreateConnectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.Response{Success: false, Message: "invalid request: " + err.Error()})
		return
	}
	conn, err := h.Conns.Create(principalID(c), &req)
	if err != nil {
		c.JSON(http.StatusBadRequest, models.Response{Success: false, Message: err.Error()})
		return
	}
	h.Logger.Info("connection created via API", "id", conn.ID, "clientIP", c.ClientIP())
	c.JSON(http.StatusCreated, models.Response{Success: true, Data: conn})
}

func (h *ConnectionHandler) Update(c *gin.Context) {
	var req models.UpdateConnectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.Response{Success: false, Message: "invalid request: " + err.Error()})
		return
	}
	conn, err := h.Conns.Update(principalID(c), c.Param("id"), &req)
	if err != nil {
		c.JSON(connStatus(err), models.Response{Success: false, Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, models.Response{Success: true, Data: conn})
}

func (h *ConnectionHandler) Delete(c *gin.Context) {
	if err := h.Conns.Delete(principalID(c), c.Param("id")); err != nil {
		c.JSON(connStatus(err), models.Response{Success: false, Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, models.Response{Success: true, Message: "deleted"})
}

func (h *ConnectionHandler) SortOrder(c *gin.Context) {
	var req models.SortOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.Response{Success: false, Message: "invalid request: " + err.Error()})
		return
	}
	if err := h.Conns.UpdateSortOrder(principalID(c), &req); err != nil {
		c.JSON(http.StatusInternalServerError, models.Response{Success: false, Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, models.Response{Success: true})
}

// CreatePending stages a descriptor, secrets still encrypted, and returns the
// single-use key the client presents in its websocket HANDSHAKE. The gateway
// decrypts at connect time; the connect is also logged to history here.
func (h *ConnectionHandler) CreatePending(c *gin.Context) {
	pid := principalID(c)
	id := c.Param("id")

	conn, err := h.Conns.Staged(pid, id)
	if err != nil {
		c.JSON(connStatus(err), models.Response{Success: false, Message: err.Error()})
		return
	}
	key := h.Pending.Put(conn)
	if err := h.Conns.RecordHistory(pid, conn); err != nil {
		h.Logger.Warn("record history failed", "connectionId", id, "error", err)
	}

	c.JSON(http.StatusOK, models.Response{Success: true, Data: gin.H{"connectionId": key}})
}

func (h *ConnectionHandler) Favorite(c *gin.Context) {
	if err := h.Conns.Favorite(principalID(c), c.Param("id")); err != nil {
		c.JSON(connStatus(err), models.Response{Success: false, Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, models.Response{Success: true})
}

func (h *ConnectionHandler) Unfavorite(c *gin.Context) {
	if err := h.Conns.Unfavorite(principalID(c), c.Param("id")); err != nil {
		c.JSON(http.StatusInternalServerError, models.Response{Success: false, Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, models.Response{Success: true})
}

func (h *ConnectionHandler) Favorites(c *gin.Context) {
	ids, err := h.Conns.Favorites(principalID(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, models.Response{Success: false, Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, models.Response{Success: true, Data: ids})
}

func (h *ConnectionHandler) Pin(c *gin.Context) {
	if err := h.Conns.Pin(principalID(c), c.Param("id")); err != nil {
		c.JSON(connStatus(err), models.Response{Success: false, Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, models.Response{Success: true})
}

func (h *ConnectionHandler) Unpin(c *gin.Context) {
	if err := h.Conns.Unpin(principalID(c), c.Param("id")); err != nil {
		c.JSON(http.StatusInternalServerError, models.Response{Success: false, Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, models.Response{Success: true})
}

func (h *ConnectionHandler) Pinned(c *gin.Context) {
	ids, err := h.Conns.Pinned(principalID(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, models.Response{Success: false, Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, models.Response{Success: true, Data: ids})
}

func (h *ConnectionHandler) History(c *gin.Context) {
	entries, err := h.Conns.History(principalID(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, models.Response{Success: false, Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, models.Response{Success: true, Data: entries})
}

func (h *ConnectionHandler) DeleteHistoryEntry(c *gin.Context) {
	entryID, err := strconv.ParseUint(c.Param("entryId"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, models.Response{Success: false, Message: "invalid history entry id"})
		return
	}
	if err := h.Conns.DeleteHistoryEntry(principalID(c), uint(entryID)); err != nil {
		c.JSON(connStatus(err), models.Response{Success: false, Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, models.Response{Success: true})
}

func (h *ConnectionHandler) ClearHistory(c *gin.Context) {
	if err := h.Conns.ClearHistory(principalID(c)); err != nil {
		c.JSON(http.StatusInternalServerError, models.Response{Success: false, Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, models.Response{Success: true})
}
