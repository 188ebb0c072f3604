// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package integration

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	goredis "github.com/redis/go-redis/v9"

	"github.com/efchatnet/efdm/backend/handlers"
	"github.com/efchatnet/efdm/backend/messaging"
	"github.com/efchatnet/efdm/backend/metrics"
	"github.com/efchatnet/efdm/backend/middleware"
	"github.com/efchatnet/efdm/backend/realtime"
	"github.com/efchatnet/efdm/backend/storage/postgres"
	"github.com/efchatnet/efdm/backend/storage/redis"
)

// DMIntegration provides direct messaging as a plugin for efchat
type DMIntegration struct {
	store     *postgres.Store
	service   *messaging.Service
	hub       *realtime.Hub
	routes    handlers.Routes
	jwtSecret string
	jwtIssuer string
	log       *slog.Logger
}

// Config holds what the integration needs from the host application
type Config struct {
	DB        *sql.DB
	Redis     *goredis.Client
	JWTSecret string
	JWTIssuer string

	AllowedOrigins []string // websocket origins; empty allows all
	Notifier       messaging.Notifier
	Media          handlers.MediaStore
	Metrics        *metrics.Metrics
	Logger         *slog.Logger
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// NewDMIntegration runs migrations and wires the DM service
func NewDMIntegration(ctx context.Context, cfg *Config) (*DMIntegration, error) {
	if cfg.DB == nil || cfg.Redis == nil {
		return nil, &ValidationError{Message: "database and redis are required"}
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	store := postgres.NewStore(cfg.DB)
	if err := store.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	events := redis.NewEventBus(cfg.Redis)
	svc := messaging.NewService(messaging.Options{
		Store:    store,
		Events:   events,
		Unread:   events,
		Presence: redis.NewPresenceStore(cfg.Redis),
		Notifier: cfg.Notifier,
		Metrics:  cfg.Metrics,
		Logger:   log,
	})
	hub := realtime.NewHub(svc, events, cfg.Metrics, log, cfg.AllowedOrigins...)

	routes := handlers.Routes{
		Conversations: handlers.NewConversationHandler(svc, log),
		Messages:      handlers.NewMessageHandler(svc, log),
		Realtime:      hub,
	}
	if cfg.Media != nil {
		routes.Media = handlers.NewMediaHandler(cfg.Media, log)
	}

	return &DMIntegration{
		store:     store,
		service:   svc,
		hub:       hub,
		routes:    routes,
		jwtSecret: cfg.JWTSecret,
		jwtIssuer: cfg.JWTIssuer,
		log:       log,
	}, nil
}

// RegisterRoutes adds the DM routes to an existing router
// If authMiddleware is nil, it will use the built-in JWT validation
func (d *DMIntegration) RegisterRoutes(router *mux.Router, authMiddleware func(http.Handler) http.Handler) *mux.Router {
	api := router.PathPrefix("/api/dm").Subrouter()
	if authMiddleware != nil {
		api.Use(authMiddleware)
	} else {
		api.Use(middleware.NewAuthMiddleware(d.jwtSecret, d.jwtIssuer))
	}
	api.Use(handlers.SyncProfile(d.service, d.log))
	d.routes.Register(api)
	return api
}

func (d *DMIntegration) Service() *messaging.Service {
	return d.service
}

func (d *DMIntegration) Store() *postgres.Store {
	return d.store
}

// ValidateSetup checks that the DM module can reach its backing stores
func (d *DMIntegration) ValidateSetup(ctx context.Context) error {
	if d.jwtSecret == "" {
		return &ValidationError{Message: "JWT secret is not configured"}
	}
	if err := d.store.Ping(ctx); err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	return nil
}

// Close drops every websocket connection
func (d *DMIntegration) Close() error {
	d.hub.Close()
	return nil
}
