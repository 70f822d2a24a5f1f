package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/duet/roulette/internal/ban"
	"github.com/duet/roulette/internal/config"
	"github.com/duet/roulette/internal/messaging"
	"github.com/duet/roulette/internal/moderation"
	"github.com/duet/roulette/internal/report"
)

func main() {
	log.Println("Starting duet moderation service...")

	config.LoadDotEnv()
	cfg := config.Load()

	if cfg.DatabaseURL == "" {
		log.Fatalf("DATABASE_URL is required")
	}
	if cfg.NATSURL == "" {
		log.Fatalf("NATS_URL is required")
	}

	// PostgreSQL setup.
	if err := report.Migrate(cfg.DatabaseURL); err != nil {
		log.Fatalf("failed to migrate database: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	db, err := report.Open(ctx, cfg.DatabaseURL)
	cancel()
	if err != nil {
		log.Fatalf("failed to connect to PostgreSQL: %v", err)
	}
	reports := report.NewStore(db)

	// Redis setup (optional, enables address bans).
	var bans *ban.Store
	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := rdb.Ping(ctx).Err(); err != nil {
			cancel()
			log.Fatalf("failed to connect to Redis: %v", err)
		}
		cancel()
		bans = ban.NewStore(rdb)
	}

	// NATS setup.
	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = cfg.NATSURL
	natsConfig.Name = "duet-moderator"

	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	filter := moderation.NewFilter()
	if cfg.BlockedTerms != "" {
		filter = moderation.NewFilterWithTerms(moderation.ParseTerms(cfg.BlockedTerms))
	}

	err = natsClient.SubscribeReports(func(data []byte) {
		r, err := report.Decode(data)
		if err != nil {
			log.Printf("[moderator] discarding report: %v", err)
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		// Only the first report per reporter and room counts towards a ban.
		repeat := false
		earlier, err := reports.ListByRoom(ctx, r.RoomID)
		if err != nil {
			log.Printf("[moderator] list reports for %s: %v", r.RoomID, err)
		}
		for _, e := range earlier {
			if e.ID == r.ID {
				return
			}
			if e.Reporter == r.Reporter && e.Reported == r.Reported {
				repeat = true
			}
		}

		if err := reports.Create(ctx, r); err != nil {
			log.Printf("[moderator] store report %s: %v", r.ID, err)
			return
		}

		flagged := 0
		for _, m := range r.Messages {
			if m.From == r.Reported && filter.Check(m.Text).Blocked {
				flagged++
			}
		}
		log.Printf("[moderator] REPORT id=%s room=%s reason=%s messages=%d flagged=%d",
			r.ID, r.RoomID, r.Reason, len(r.Messages), flagged)

		if r.ReportedIP != "" {
			if n, err := reports.CountRecentByIP(ctx, r.ReportedIP, ban.ReportsWindow); err == nil {
				log.Printf("[moderator] ip=%s has %d reports in the last %s", r.ReportedIP, n, ban.ReportsWindow)
			}
		}

		if bans == nil || r.ReportedIP == "" || repeat {
			return
		}
		banned, duration, err := bans.RecordReport(ctx, r.ReportedIP)
		if err != nil {
			log.Printf("[moderator] record report against %s: %v", r.ReportedIP, err)
			return
		}
		if banned {
			log.Printf("[moderator] BANNED ip=%s for %s", r.ReportedIP, duration)
		}
	})
	if err != nil {
		log.Fatalf("failed to subscribe to reports: %v", err)
	}

	var created, closed, skipped int64
	err = natsClient.SubscribeRoomEvents(func(subject string, ev messaging.RoomEvent) {
		switch subject {
		case messaging.SubjectRoomCreated:
			atomic.AddInt64(&created, 1)
		case messaging.SubjectRoomClosed:
			atomic.AddInt64(&closed, 1)
			if ev.Skip {
				atomic.AddInt64(&skipped, 1)
			}
		}
	})
	if err != nil {
		log.Fatalf("failed to subscribe to room events: %v", err)
	}

	log.Printf("duet moderation service running")
	log.Printf("  redis_addr: %s", cfg.RedisAddr)
	log.Printf("  nats_url:   %s", natsConfig.URL)

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case <-ticker.C:
			log.Printf("[moderator] rooms created=%d closed=%d skipped=%d",
				atomic.LoadInt64(&created), atomic.LoadInt64(&closed), atomic.LoadInt64(&skipped))
		case sig := <-sigCh:
			log.Printf("received signal %v, shutting down...", sig)
			natsClient.Close()
			if rdb != nil {
				rdb.Close()
			}
			db.Close()
			return
		}
	}
}
