package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/agentduo/broker/internal/broker"
	"github.com/agentduo/broker/internal/config"
	"github.com/agentduo/broker/internal/db"
	"github.com/agentduo/broker/internal/httpapi"
	"github.com/agentduo/broker/internal/store/rabbitmq"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()

	gdb, err := db.Connect(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		log.Fatalf("db: %v", err)
	}

	var events broker.EventSink
	if cfg.RabbitURL != "" {
		pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
		if err != nil {
			log.Fatalf("rabbit: %v", err)
		}
		defer pub.Close()
		events = pub
		log.Printf("[BROKER] event feed enabled, queue=%s", cfg.RabbitQueue)
	}

	svc := broker.NewService(broker.NewRepo(gdb), broker.Options{
		ListenTimeoutDefault: cfg.ListenTimeoutDefault,
		ListenTimeoutMin:     cfg.ListenTimeoutMin,
		ListenTimeoutMax:     cfg.ListenTimeoutMax,
		HeartbeatInterval:    cfg.HeartbeatInterval,
		Events:               events,
	})

	router := httpapi.NewRouter(svc, cfg)

	srv := &http.Server{
		Addr:    cfg.Addr,
		Handler: router,
		// listen requests block up to the timeout ceiling; the server must
		// not reap them first
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.ListenTimeoutMax + time.Minute,
		IdleTimeout:       2 * time.Minute,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("[BROKER] listening on %s", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("serve: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("[BROKER] shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[BROKER] shutdown: %v", err)
	}
}
