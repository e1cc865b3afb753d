package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"threads-scheduler/internal/config"
	"threads-scheduler/internal/lock"
	"threads-scheduler/internal/logger"
	"threads-scheduler/internal/scheduler"
	"threads-scheduler/internal/store"
	"threads-scheduler/internal/telemetry"
	"threads-scheduler/internal/threads"
)

const schedulerLockKey = "threads:scheduler:pass"

func main() {
	cfg := config.Load()
	logger.Init()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	mutex := lock.NewMutex(redisClient, schedulerLockKey, cfg.LockTTL)

	threadsClient := threads.NewClient(cfg, st)

	scanner := scheduler.NewScanner(cfg, st, st, threadsClient)
	tokens := scheduler.NewTokenMaintenance(cfg, st, threadsClient)
	runner := scheduler.NewRunner(cfg, mutex, scanner, tokens)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	log.Printf("scheduler started with interval=%s staleness=%s", cfg.ScanInterval, cfg.StalenessWindow)
	if err := runner.Run(ctx); err != nil {
		log.Printf("scheduler stopped: %v", err)
	}
}
