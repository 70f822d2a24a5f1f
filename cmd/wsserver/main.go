package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/duet/roulette/internal/ban"
	"github.com/duet/roulette/internal/chat"
	"github.com/duet/roulette/internal/config"
	"github.com/duet/roulette/internal/matching"
	"github.com/duet/roulette/internal/messaging"
	"github.com/duet/roulette/internal/moderation"
	"github.com/duet/roulette/internal/ratelimit"
	"github.com/duet/roulette/internal/session"
	"github.com/duet/roulette/internal/ws"
)

func main() {
	config.LoadDotEnv()
	cfg := config.Load()

	trusted, err := ws.ParseTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		log.Fatalf("invalid TRUSTED_PROXIES: %v", err)
	}

	serverConfig := ws.ServerConfig{
		ListenAddr:     cfg.ListenAddr,
		WorkerPoolSize: cfg.WorkerPoolSize,
		MaxConnections: cfg.MaxConnections,
		MaxMessageSize: cfg.MaxMessageSize,
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		Heartbeat: ws.HeartbeatConfig{
			Interval: cfg.HeartbeatInterval,
			Timeout:  cfg.HeartbeatTimeout,
		},
		TrustedProxies: trusted,
	}

	filter := moderation.NewFilter()
	if cfg.BlockedTerms != "" {
		filter = moderation.NewFilterWithTerms(moderation.ParseTerms(cfg.BlockedTerms))
	}

	app := &signaling{
		cfg:    cfg,
		filter: filter,
		buffer: chat.NewMessageBuffer(cfg.ChatBufferSize),
	}

	// --- Redis (optional) ---
	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		sessions, err := session.NewStore(cfg.RedisAddr, cfg.ServerName)
		if err != nil {
			log.Fatalf("failed to connect to Redis: %v", err)
		}
		rdb = sessions.Client()
		app.sessions = sessions
		app.limiter = ratelimit.NewLimiter(rdb)
		app.bans = ban.NewStore(rdb)
	}

	// --- NATS (optional) ---
	if cfg.NATSURL != "" {
		natsConfig := messaging.DefaultNATSConfig()
		natsConfig.URL = cfg.NATSURL
		natsConfig.Name = "duet-ws-" + cfg.ServerName
		natsClient, err := messaging.NewNATSClient(natsConfig)
		if err != nil {
			log.Fatalf("failed to connect to NATS: %v", err)
		}
		app.nats = natsClient
	}

	app.engine = matching.NewEngine(matching.NewSkipHistory(cfg.SkipTimeout, cfg.SkipCap), nil)
	app.dispatcher = ws.NewMessageDispatcher()
	app.register()

	server, err := ws.NewServer(serverConfig, app.dispatcher.Dispatch)
	if err != nil {
		log.Fatalf("failed to create server: %v", err)
	}
	app.server = server
	app.engine.SetNotifier(server)

	server.SetOnConnect(app.engine.Connect)
	server.SetOnDisconnect(app.engine.Disconnect)
	server.SetAdmission(app.admit)
	server.SetStats(app.engine.Stats)

	ctx, cancel := context.WithCancel(context.Background())
	go app.engine.Skips().StartSweeper(ctx, cfg.SkipSweepInterval)
	if app.sessions != nil {
		go app.refreshSessions(ctx)
	}
	eventsDone := make(chan struct{})
	go func() {
		app.forwardEvents(ctx)
		close(eventsDone)
	}()

	log.Printf("duet signaling server starting")
	log.Printf("  listen_addr:     %s", serverConfig.ListenAddr)
	log.Printf("  worker_pool:     %d", serverConfig.WorkerPoolSize)
	log.Printf("  max_connections: %d", serverConfig.MaxConnections)
	log.Printf("  heartbeat:       %s/%s", cfg.HeartbeatInterval, cfg.HeartbeatTimeout)
	log.Printf("  skip_timeout:    %s (cap %d)", cfg.SkipTimeout, cfg.SkipCap)
	log.Printf("  redis_addr:      %s", orDisabled(cfg.RedisAddr))
	log.Printf("  nats_url:        %s", orDisabled(cfg.NATSURL))
	log.Printf("  trusted_proxies: %s", orDisabled(cfg.TrustedProxies))
	log.Printf("  server_name:     %s", cfg.ServerName)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("received signal %v, initiating graceful shutdown...", sig)
	case err := <-errCh:
		if err != nil {
			log.Fatalf("server error: %v", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}

	// The forwarder drains the disconnect events before the backends it
	// writes to are closed.
	cancel()
	select {
	case <-eventsDone:
	case <-shutdownCtx.Done():
	}

	if app.nats != nil {
		app.nats.Close()
	}
	if app.sessions != nil {
		if err := app.sessions.Close(); err != nil {
			log.Printf("session store close error: %v", err)
		}
	}
	log.Printf("duet signaling server stopped")
}

func orDisabled(v string) string {
	if v == "" {
		return "(disabled)"
	}
	return v
}
