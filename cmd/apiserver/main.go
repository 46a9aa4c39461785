package main

import (
	"context"

	"tufd/internal/config"
	"tufd/internal/infra/db"
	httpinfra "tufd/internal/infra/http"
	"tufd/internal/infra/policy"
	"tufd/internal/infra/queue"

	log "github.com/sirupsen/logrus"
)

func main() {
	cfg := config.FromEnv()
	setupLogging(cfg)

	store, err := db.NewStore(cfg)
	if err != nil {
		log.WithError(err).Fatal("failed to init store")
	}
	if err := store.Migrate(); err != nil {
		log.WithError(err).Fatal("failed to migrate")
	}

	taskQueue, err := queue.NewRedisQueue(cfg, "apiserver")
	if err != nil {
		log.WithError(err).Fatal("failed to init queue")
	}
	if err := taskQueue.EnsureGroup(context.Background()); err != nil {
		log.WithError(err).Fatal("failed to ensure consumer group")
	}

	var gate httpinfra.PolicyGate
	if cfg.PolicyBundlePath != "" {
		engine, err := policy.NewEngineFromBundlePath(context.Background(), cfg.PolicyBundlePath)
		if err != nil {
			log.WithError(err).Fatal("failed to load policy bundle")
		}
		gate = engine
		log.WithField("bundle", cfg.PolicyBundlePath).Info("admission policy loaded")
	}

	srv := httpinfra.NewServer(cfg, httpinfra.ServerDeps{
		Tasks:    db.NewTaskStore(store.DB),
		Settings: db.NewSettingsStore(store.DB),
		Queue:    taskQueue,
		Gate:     gate,
	})
	if err := srv.Run(); err != nil {
		log.WithError(err).Fatal("server exited")
	}
}

func setupLogging(cfg config.Config) {
	log.SetFormatter(&log.JSONFormatter{})
	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = log.InfoLevel
	}
	log.SetLevel(level)
}
