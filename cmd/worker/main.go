package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"qrattend/internal/closer"
	"qrattend/internal/config"
	"qrattend/internal/session"
	"qrattend/internal/store"
)

// Worker polls the scheduled-task facility for due closure tasks and drives
// the lifecycle controller's callback. Delivery is at-least-once: the task
// is acked only after the callback returns, and a callback against an
// already-closed or deleted session is a harmless no-op.
func main() {
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutdown signal received")
		cancel()
	}()

	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connect failed: %v", err)
	}
	defer db.Close()

	redisClient := store.NewRedis(cfg.RedisAddr)

	var facility closer.Facility
	if cfg.ClosureBackend == "memory" {
		facility = closer.NewInMemFacility()
	} else {
		facility = closer.NewRedisFacility(redisClient.Client, cfg.ClosureSetKey)
	}

	repo := session.NewRepository(db.Client)
	lifecycle := session.NewService(repo, closer.NewManager(facility))

	log.Printf("closure worker started, polling every %s", cfg.WorkerPoll)
	ticker := time.NewTicker(cfg.WorkerPoll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("closure worker stopped")
			return
		case now := <-ticker.C:
			tasks, err := facility.Due(ctx, now)
			if err != nil {
				log.Printf("polling due closures failed: %v", err)
				continue
			}
			for _, t := range tasks {
				if err := lifecycle.OnScheduledClosureFired(ctx, t.SessionID, t.Handle); err != nil {
					// Left unacked; the next poll retries.
					log.Printf("closure for session %s failed: %v", t.SessionID, err)
					continue
				}
				if err := facility.Ack(ctx, t.Handle); err != nil {
					log.Printf("ack of closure task %s failed: %v", t.Handle, err)
				}
			}
		}
	}
}
