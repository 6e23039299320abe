package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/yixinin/pairup/middles"
	"github.com/yixinin/pairup/relay"
)

// Server exposes a relay.Store over http: message CRUD plus a websocket
// watch per session.
type Server struct {
	websocket.Upgrader
	store        relay.Store
	log          *logrus.Entry
	pingInterval time.Duration
}

type Option func(*Server)

func WithPingInterval(d time.Duration) Option {
	return func(s *Server) {
		s.pingInterval = d
	}
}

func NewServer(store relay.Store, opts ...Option) *Server {
	s := &Server{
		Upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		store:        store,
		log:          logrus.WithField("component", "server"),
		pingInterval: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) Engine() *gin.Engine {
	e := gin.New()
	e.Use(gin.Recovery())
	e.Use(middles.Cors)
	e.GET("/healthz", s.Health)

	g := e.Group("/api/sessions/:session", middles.Logging())
	g.POST("/messages", s.PostMessage)
	g.GET("/messages", s.ListMessages)
	g.DELETE("/messages/:id", s.DeleteMessage)
	g.GET("/watch", s.Watch)
	return e
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:    addr,
		Handler: s.Engine(),
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Infof("relay listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Health(c *gin.Context) {
	c.String(http.StatusOK, "ok")
}
