package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"progress-api/config"
	"progress-api/processor"
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
	log.Info("command processor starting")

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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	p := processor.New(store, store, cache, rc, processor.Options{Channel: cfg.UpdatesChannel})
	p.Run(ctx)
	log.Info("command processor stopped")
}
