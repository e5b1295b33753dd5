package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/esshgate/esshgate/pkg/config"
	"github.com/esshgate/esshgate/pkg/event"
	"github.com/esshgate/esshgate/pkg/gateway"
	"github.com/esshgate/esshgate/pkg/handler"
	"github.com/esshgate/esshgate/pkg/service"
	"github.com/esshgate/esshgate/pkg/token"
	"github.com/esshgate/esshgate/pkg/utils"
	"github.com/esshgate/esshgate/pkg/vault"
)

const version = "0.3.0"

type Server struct {
	ginEngine *gin.Engine
	logger    *slog.Logger
	cfg       *config.AppConfig

	tokens  *token.Manager
	pending *token.PendingConnections
	gw      *gateway.Gateway
	db      *gorm.DB
	vlt     *vault.Vault

	users *handler.UserHandler
	conns *handler.ConnectionHandler
}

func NewServer(cfg *config.AppConfig, database *gorm.DB, v *vault.Vault) (*Server, error) {
	tokens, err := token.NewManager(cfg.SecretKey(), cfg.TokenTTL())
	if err != nil {
		return nil, err
	}
	pending := token.NewPendingConnections()
	logger := utils.GetLogger()

	gin.SetMode(gin.ReleaseMode)
	ginEngine := gin.New()
	ginEngine.Use(gin.Recovery())

	// CORS middleware: allow common localhost dev origins; everything else
	// is rejected outright.
	ginEngine.Use(func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin != "" {
			allowed := strings.HasPrefix(origin, "http://localhost") ||
				strings.HasPrefix(origin, "http://127.0.0.1") ||
				strings.HasPrefix(origin, "https://localhost") ||
				strings.HasPrefix(origin, "https://127.0.0.1")
			if !allowed {
				c.AbortWithStatus(http.StatusForbidden)
				return
			}
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
			c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	})

	userSvc := service.NewUserService(database)
	connSvc := service.NewConnectionService(database, v)

	server := &Server{
		ginEngine: ginEngine,
		logger:    logger,
		cfg:       cfg,
		tokens:    tokens,
		pending:   pending,
		gw:        gateway.New(cfg, tokens, pending, v),
		db:        database,
		vlt:       v,
		users:     handler.NewUserHandler(userSvc, tokens, logger),
		conns:     handler.NewConnectionHandler(connSvc, pending, logger),
	}
	server.SetupRoutes()
	return server, nil
}

func (s *Server) SetupRoutes() {
	r := s.ginEngine

	status := handler.NewStatusHandler(s.gw.Registry(), s.db, s.vlt, version)
	r.GET("/api/status", status.Status)

	users := r.Group("/api/users")
	{
		users.POST("/register", s.users.Register)
		users.POST("/login", s.users.Login)
	}

	auth := r.Group("/api", handler.RequireAuth(s.tokens))
	{
		auth.POST("/users/logout", s.users.Logout)
		auth.POST("/users/logout-all", s.users.LogoutAll)
		auth.GET("/users/me", s.users.Me)
		auth.POST("/users/mfa/setup", s.users.MFASetup)
		auth.POST("/users/mfa/enable", s.users.MFAEnable)
		auth.POST("/users/mfa/disable", s.users.MFADisable)

		auth.GET("/connections", s.conns.List)
		auth.POST("/connections", s.conns.Create)
		auth.POST("/connections/sort-order", s.conns.SortOrder)
		auth.GET("/connections/favorites", s.conns.Favorites)
		auth.GET("/connections/pinned", s.conns.Pinned)
		auth.GET("/connections/history", s.conns.History)
		auth.DELETE("/connections/history", s.conns.ClearHistory)
		auth.DELETE("/connections/history/:entryId", s.conns.DeleteHistoryEntry)
		auth.GET("/connections/:id", s.conns.Get)
		auth.PUT("/connections/:id", s.conns.Update)
		auth.DELETE("/connections/:id", s.conns.Delete)
		auth.POST("/connections/:id/pending", s.conns.CreatePending)
		auth.POST("/connections/:id/favorite", s.conns.Favorite)
		auth.DELETE("/connections/:id/favorite", s.conns.Unfavorite)
		auth.POST("/connections/:id/pin", s.conns.Pin)
		auth.DELETE("/connections/:id/pin", s.conns.Unpin)
	}

	// Websocket endpoints carry their own token check (header or query).
	r.GET("/ws/ssh", s.gw.HandleSSH)
	r.GET("/ws/monitor", event.NewWSHandler(s.tokens.Verify).Handle)
}

// Start listens and serves until ctx is cancelled, then drains sessions.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host(), s.cfg.Port())
	srv := &http.Server{Addr: addr, Handler: s.ginEngine}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.logger.Info("server listening", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down")
	s.gw.Registry().CloseAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
