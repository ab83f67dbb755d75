package server

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"

	"github.com/changerelay/changerelay/internal/static"
	"github.com/changerelay/changerelay/pkg/auth"
	"github.com/changerelay/changerelay/pkg/broker"
	"github.com/changerelay/changerelay/pkg/cache"
	"github.com/changerelay/changerelay/pkg/certs"
	"github.com/changerelay/changerelay/pkg/config"
	"github.com/changerelay/changerelay/pkg/crypto"
	"github.com/changerelay/changerelay/pkg/history"
	"github.com/changerelay/changerelay/pkg/router"
	"github.com/changerelay/changerelay/pkg/subscription"
	"github.com/changerelay/changerelay/pkg/upstream"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/robfig/cron/v3"
)

// Server is the HTTP surface of the relay: client negotiation and
// subscription calls on one side, the upstream webhook intake on the other.
type Server struct {
	config      *config.Config
	echo        *echo.Echo
	validator   *auth.Validator
	coordinator *subscription.Coordinator
	store       *subscription.Store
	hub         *broker.Hub
	webpush     *broker.WebPushBroker
	broker      broker.Broker
	router      *router.Router
	history     *history.Store
	upgrader    websocket.Upgrader
	rotation    *cron.Cron

	// negotiated maps connection ids handed out by /api/negotiate to the
	// authenticated user, pending the websocket upgrade
	negotiated  map[string]string
	negotiateMu sync.Mutex
}

// NewServer wires the relay together from configuration
func NewServer(cfg *config.Config, verbose bool) (*Server, error) {
	sharedCache, err := cache.NewCache(&cfg.Cache)
	if err != nil {
		return nil, fmt.Errorf("creating cache: %w", err)
	}

	validator, err := auth.NewValidator(&cfg.Auth, sharedCache)
	if err != nil {
		return nil, fmt.Errorf("creating token validator: %w", err)
	}

	var certProvider certs.Provider
	if cfg.Certs.Type != "" || cfg.Certs.CertFile != "" {
		certProvider, err = certs.NewProvider(&cfg.Certs)
		if err != nil {
			return nil, fmt.Errorf("creating certificate provider: %w", err)
		}
	}

	upstreamClient, err := upstream.NewClient(&cfg.Upstream, certProvider)
	if err != nil {
		return nil, fmt.Errorf("creating upstream client: %w", err)
	}

	store := subscription.NewStore(sharedCache)
	coordinator := subscription.NewCoordinator(store, upstreamClient)

	hub := broker.NewHub()
	backends := []broker.Broker{hub}
	var push *broker.WebPushBroker
	if cfg.WebPush.VAPIDPublicKey != "" {
		push, err = broker.NewWebPushBroker(&cfg.WebPush)
		if err != nil {
			return nil, fmt.Errorf("creating web push broker: %w", err)
		}
		backends = append(backends, push)
	}
	composite := broker.NewComposite(backends...)

	historyStore := history.NewStore(cfg.History.Dir)

	var resolve crypto.KeyResolver
	if certProvider != nil {
		resolve = certs.Resolver(certProvider)
	}
	notificationRouter := router.NewRouter(composite, store, historyStore, resolve)

	s := newServer(cfg, validator, coordinator, store, hub, push, composite, notificationRouter, historyStore, verbose)
	return s, nil
}

// newServer assembles a server from already-built collaborators
func newServer(cfg *config.Config, validator *auth.Validator, coordinator *subscription.Coordinator,
	store *subscription.Store, hub *broker.Hub, push *broker.WebPushBroker, composite broker.Broker,
	notificationRouter *router.Router, historyStore *history.Store, verbose bool) *Server {

	e := echo.New()
	e.Logger.SetOutput(io.Discard)
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
	}))

	s := &Server{
		config:      cfg,
		echo:        e,
		validator:   validator,
		coordinator: coordinator,
		store:       store,
		hub:         hub,
		webpush:     push,
		broker:      composite,
		router:      notificationRouter,
		history:     historyStore,
		negotiated:  make(map[string]string),
		upgrader: websocket.Upgrader{
			// Browsers connect from the embedded test page or any app origin
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	if verbose {
		e.Use(s.loggingMiddleware())
	}
	s.setupRoutes()
	return s
}

// loggingMiddleware returns Echo middleware for request logging
func (s *Server) loggingMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			log.Printf("Request: %s %s from %s", req.Method, req.URL.Path, req.RemoteAddr)
			return next(c)
		}
	}
}

// setupRoutes configures the router with all defined routes
func (s *Server) setupRoutes() {
	s.echo.POST("/api/negotiate", s.negotiate)
	s.echo.GET("/api/connect", s.connect)
	s.echo.POST("/api/subscribe", s.subscribe)
	s.echo.POST("/api/notifications", s.notifications)
	s.echo.POST("/api/decrypt", s.decrypt)
	s.echo.POST("/api/push/register", s.registerPush)
	s.echo.GET("/api/history", s.listHistory)
	s.echo.GET("/health", s.health)
	s.echo.GET("/*", echo.WrapHandler(http.FileServer(http.FS(static.PublicFS()))))
}

// GetEcho returns the underlying echo instance
func (s *Server) GetEcho() *echo.Echo {
	return s.echo
}

// Start runs the HTTP server and the history rotation schedule
func (s *Server) Start() error {
	rotation, err := s.history.StartRotation(s.config.History.RotateSchedule, s.config.History.MaxEntries)
	if err != nil {
		return err
	}
	s.rotation = rotation

	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	log.Printf("Starting changerelay on %s", addr)
	return s.echo.Start(addr)
}

// Shutdown stops the HTTP server and background schedules
func (s *Server) Shutdown(ctx context.Context) error {
	if s.rotation != nil {
		s.rotation.Stop()
	}
	return s.echo.Shutdown(ctx)
}
