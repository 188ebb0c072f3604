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

package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	_ "github.com/lib/pq"
	goredis "github.com/redis/go-redis/v9"

	"github.com/efchatnet/efdm/backend/config"
	"github.com/efchatnet/efdm/backend/handlers"
	"github.com/efchatnet/efdm/backend/integration"
	"github.com/efchatnet/efdm/backend/logger"
	"github.com/efchatnet/efdm/backend/metrics"
	"github.com/efchatnet/efdm/backend/middleware"
	"github.com/efchatnet/efdm/backend/notify"
	"github.com/efchatnet/efdm/backend/storage/s3"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	log := logger.Init(logger.Config{
		Service:   cfg.Logging.Service,
		Version:   cfg.Logging.Version,
		Env:       logger.ParseEnv(cfg.Logging.Env),
		Backend:   logger.Backend(cfg.Logging.Backend),
		Level:     logger.ParseLevel(cfg.Logging.Level),
		AddSource: cfg.Logging.AddSource,
		Debug:     cfg.Logging.Debug,
	})

	if err := run(cfg, log); err != nil {
		log.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := sql.Open("postgres", cfg.Postgres.DSN)
	if err != nil {
		return err
	}
	defer db.Close()

	rdb := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return err
	}

	m := metrics.New()

	producer := notify.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.Topic, log)
	defer producer.Close()

	var media handlers.MediaStore
	if cfg.Media.Bucket != "" {
		store, err := s3.NewMediaStore(ctx, s3.Options{
			Bucket:     cfg.Media.Bucket,
			Region:     cfg.Media.Region,
			PublicBase: cfg.Media.PublicBase,
			PresignTTL: cfg.Media.PresignTTL,
			MaxBytes:   cfg.Media.MaxBytes,
		})
		if err != nil {
			return err
		}
		media = store
	} else {
		log.Warn("media uploads disabled: no bucket configured")
	}

	dm, err := integration.NewDMIntegration(ctx, &integration.Config{
		DB:             db,
		Redis:          rdb,
		JWTSecret:      cfg.Auth.JWTSecret,
		JWTIssuer:      cfg.Auth.JWTIssuer,
		AllowedOrigins: cfg.HTTP.AllowOrigins,
		Notifier:       producer,
		Media:          media,
		Metrics:        m,
		Logger:         log,
	})
	if err != nil {
		return err
	}

	limiter := middleware.NewRateLimiter(cfg.HTTP.RateLimit, cfg.HTTP.RateBurst, log)
	go limiter.Run(ctx.Done())

	r := mux.NewRouter()
	r.Use(middleware.CORS(cfg.HTTP.AllowOrigins...))

	api := dm.RegisterRoutes(r, nil)
	api.Use(limiter.Middleware)

	// no auth
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := dm.ValidateSetup(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("Database unavailable"))
			return
		}
		if err := rdb.Ping(r.Context()).Err(); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("Redis unavailable"))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods("GET")
	r.Handle("/metrics", m.Handler()).Methods("GET")

	srv := &http.Server{
		Addr:         ":" + cfg.HTTP.Port,
		Handler:      r,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("DM server starting", "port", cfg.HTTP.Port, "jwt_issuer", cfg.Auth.JWTIssuer,
			"kafka", producer.Enabled(), "media", media != nil)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down")
	dm.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
