package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"tufd/internal/config"
	"tufd/internal/domain"
	"tufd/internal/infra/db"
	"tufd/internal/infra/queue"
	"tufd/internal/infra/storage"
	"tufd/internal/keys/soft"
	"tufd/internal/keys/vault"
	"tufd/internal/publisher"
	"tufd/internal/worker"

	log "github.com/sirupsen/logrus"
)

func main() {
	cfg := config.FromEnv()
	setupLogging(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := db.NewStore(cfg)
	if err != nil {
		log.WithError(err).Fatal("failed to init store")
	}
	if err := store.Migrate(); err != nil {
		log.WithError(err).Fatal("failed to migrate")
	}

	keys, err := soft.NewManagerFromConfig(cfg)
	if err != nil {
		log.WithError(err).Fatal("failed to load online keys")
	}
	var seeds worker.SeedStore
	if cfg.VaultAddr != "" && cfg.VaultToken != "" {
		seedStore, err := vault.NewStoreFromConfig(cfg)
		if err != nil {
			log.WithError(err).Fatal("failed to init vault")
		}
		roles := append(append([]string(nil), domain.TopRoles...), "bins")
		if err := seedStore.Bind(ctx, keys, roles); err != nil {
			log.WithError(err).Fatal("failed to bind vault keys")
		}
		seeds = seedStore
		log.Info("online keys bound from vault")
	}

	objects, err := storage.NewFSStore(cfg.StorageBasePath)
	if err != nil {
		log.WithError(err).Fatal("failed to init metadata storage")
	}

	host, err := os.Hostname()
	if err != nil {
		host = "worker"
	}

	bootQueue, err := queue.NewRedisQueue(cfg, host)
	if err != nil {
		log.WithError(err).Fatal("failed to init queue")
	}
	if err := bootQueue.EnsureGroup(ctx); err != nil {
		log.WithError(err).Fatal("failed to ensure consumer group")
	}

	repo := db.NewRepositoryStore(store.DB)
	tasks := db.NewTaskStore(store.DB)
	settings := db.NewSettingsStore(store.DB)
	pub := publisher.New(objects)

	count := cfg.WorkerCount
	if count <= 0 {
		count = 1
	}
	log.WithField("workers", count).Info("starting workers")

	var wg sync.WaitGroup
	for i := 0; i < count; i++ {
		workerID := fmt.Sprintf("%s-%d", host, i)
		consumer, err := queue.NewRedisQueue(cfg, workerID)
		if err != nil {
			log.WithError(err).Fatal("failed to init worker queue")
		}
		w := &worker.Worker{
			ID:                workerID,
			Repo:              repo,
			Tasks:             tasks,
			Settings:          settings,
			Keys:              keys,
			Seeds:             seeds,
			Queue:             consumer,
			Publisher:         pub,
			LeaseTTL:          cfg.LeaseTTL(),
			MaxCommitRetries:  cfg.MaxCommitRetries,
			MaxPublishRetries: cfg.MaxPublishRetries,
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := w.Run(ctx); err != nil && ctx.Err() == nil {
				log.WithError(err).WithField("worker", w.ID).Error("worker exited")
			}
		}()
	}

	<-ctx.Done()
	log.Info("shutting down")
	wg.Wait()
}

func setupLogging(cfg config.Config) {
	log.SetFormatter(&log.JSONFormatter{})
	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = log.InfoLevel
	}
	log.SetLevel(level)
}
