package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"progress-api/api"
	"progress-api/config"
	"progress-api/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	cfg.SetupLogging()
	if err := cfg.RequireStorage(); err != nil {
		log.Fatal(err)
	}
	if err := cfg.RequireRedis(); err != nil {
		log.Fatal(err)
	}

	store, err := storage.New(cfg.StorageConnectionString, cfg.Tables, cfg.CommandQueue, storage.Options{
		ChecklistWorkers: cfg.ChecklistFetchWorkers,
		Location:         cfg.Location,
	})
	if err != nil {
		log.Fatalf("storage: %v", err)
	}

	redisOpts, err := config.RedisOptions(cfg.RedisConnectionString)
	if err != nil {
		log.Fatalf("redis: %v", err)
	}
	rc := redis.NewClient(redisOpts)
	defer rc.Close()

	cache := storage.NewCache(store, rc, cfg.SnapshotCacheTTL)
	deduper := api.NewRedisDeduper(rc, cfg.DeduperTTL)

	var auth *api.Auth
	if cfg.AuthTestMode {
		if cfg.TestJWTSecret == "" {
			log.Fatal("AUTH_TEST_MODE requires TEST_JWT_SECRET")
		}
		log.Warn("auth test mode enabled; accepting HS256 tokens")
		auth = api.NewAuth(nil, api.AuthOptions{TestSecret: []byte(cfg.TestJWTSecret)})
	} else {
		if cfg.LineChannelID == "" {
			log.Fatal("missing LINE_CHANNEL_ID")
		}
		jwks, err := keyfunc.Get(cfg.LineJWKSURL, keyfunc.Options{
			RefreshInterval:   cfg.JWKSCacheTTL,
			RefreshUnknownKID: true,
			RefreshErrorHandler: func(err error) {
				log.WithError(err).Error("jwks refresh failed")
			},
		})
		if err != nil {
			log.Fatalf("jwks: %v", err)
		}
		defer jwks.EndBackground()
		auth = api.NewAuth(jwks, api.AuthOptions{
			Audience:    cfg.LineChannelID,
			Issuer:      cfg.LineIssuer,
			KeyCacheTTL: cfg.JWKSCacheTTL,
		})
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hub := api.NewHub(rc, cfg.UpdatesChannel)
	go hub.Run(ctx)

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, echo.HeaderContentEncoding},
	}))

	api.Register(e, api.Options{
		Store:    cache,
		Auth:     auth,
		Deduper:  deduper,
		Notifier: hub,
		Logger:   log.StandardLogger(),
		Location: cfg.Location,
	})

	go func() {
		if err := e.Start(cfg.ListenAddr()); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("shutdown")
	}
}
