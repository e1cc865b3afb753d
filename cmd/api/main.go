package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"time"

	api "threads-scheduler/internal/api"
	"threads-scheduler/internal/config"
	"threads-scheduler/internal/logger"
	"threads-scheduler/internal/media"
	"threads-scheduler/internal/store"
	"threads-scheduler/internal/threads"
)

func main() {
	cfg := config.Load()
	logger.Init()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt)
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

	threadsClient := threads.NewClient(cfg, st)

	uploader, err := media.NewUploader(ctx, cfg)
	if err != nil {
		log.Fatalf("init media uploader: %v", err)
	}

	server := api.New(cfg, st, threadsClient, uploader)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.Printf("api listening on :%s", cfg.HTTPPort)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
