// Package server hosts the HTTP surface of the sync server: the websocket
// upgrade endpoint clients connect to and a health probe.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"walletsync/config"
	"walletsync/internal/hub"
	"walletsync/logger"
)

// Server owns the HTTP listener. Websocket connections are handed to the
// hub as soon as the upgrade completes.
type Server struct {
	cfg        config.ServerConfig
	hub        *hub.Hub
	log        *logger.Log
	httpServer *http.Server
	upgrader   websocket.Upgrader
}

func NewServer(cfg config.ServerConfig, h *hub.Hub) *Server {
	return &Server{
		cfg: cfg,
		hub: h,
		log: logger.GetLogger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The channel is authenticated by the subscribe message, not
			// the HTTP origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Run starts the HTTP server and blocks until the provided context is
// cancelled or the underlying listener fails.
func (s *Server) Run(ctx context.Context) error {
	router, err := s.buildRouter()
	if err != nil {
		return err
	}

	s.httpServer = &http.Server{
		Addr:    s.cfg.Address,
		Handler: router,
	}

	s.log.WithComponent("server").WithFields(logger.Fields{"address": s.cfg.Address}).Info("listening")

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		if err == nil {
			return nil
		}
		return err
	}
}

func (s *Server) buildRouter() (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if err := router.SetTrustedProxies(nil); err != nil {
		return nil, err
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":      "ok",
			"connections": s.hub.ConnectionCount(),
		})
	})

	router.GET("/ws", s.handleWebsocket)

	return router, nil
}

func (s *Server) handleWebsocket(c *gin.Context) {
	sock, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.WithComponent("server").WithError(err).Warn("websocket upgrade failed")
		return
	}
	s.hub.Register(sock)
}
