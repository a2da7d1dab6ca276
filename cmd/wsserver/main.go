package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/whisper/convo/internal/auth"
	"github.com/whisper/convo/internal/ban"
	"github.com/whisper/convo/internal/broadcast"
	"github.com/whisper/convo/internal/config"
	"github.com/whisper/convo/internal/gateway"
	"github.com/whisper/convo/internal/messaging"
	"github.com/whisper/convo/internal/moderation"
	"github.com/whisper/convo/internal/ratelimit"
	"github.com/whisper/convo/internal/registry"
	"github.com/whisper/convo/internal/session"
	"github.com/whisper/convo/internal/store"
	"github.com/whisper/convo/internal/typing"
	"github.com/whisper/convo/internal/ws"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "wsserver: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := cfg.Logger(os.Stderr)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("convo WebSocket server starting",
		"listen_addr", cfg.ListenAddr,
		"worker_pool", cfg.WorkerPoolSize,
		"max_connections", cfg.MaxConnections,
		"server_name", cfg.ServerName,
		"db_path", cfg.DBPath,
		"nats_url", cfg.NATSURL,
		"redis_addr", cfg.RedisAddr)

	// --- Persistence ---
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return err
	}

	rooms := registry.New(st, registry.WithQueueSize(cfg.QueueSize), registry.WithLogger(log))

	// --- Cross-instance fan-out ---
	routerOpts := []broadcast.Option{broadcast.WithLogger(log)}
	if cfg.NATSURL != "" {
		nc, err := messaging.NewNATSClient(cfg.NATS(), log)
		if err != nil {
			return fmt.Errorf("failed to connect to NATS: %w", err)
		}
		defer nc.Close()
		routerOpts = append(routerOpts, broadcast.WithBus(nc))
	} else {
		log.Warn("NATS_URL not set, events stay on this instance")
	}
	router := broadcast.New(rooms, routerOpts...)

	agg := typing.New(router, typing.WithWindow(cfg.TypingWindow), typing.WithLogger(log))
	go agg.Run(ctx, cfg.TypingSweep)

	authenticator, err := auth.NewAuthenticator(cfg.JWTSecret)
	if err != nil {
		return err
	}

	var filterOpts []moderation.Option
	if cfg.BlockLinks {
		filterOpts = append(filterOpts, moderation.WithLinkBlocking())
	}
	filter := moderation.NewFilter(filterOpts...)
	if terms := cfg.Terms(); len(terms) > 0 {
		filter = moderation.NewFilterWithTerms(terms, filterOpts...)
	}

	gwOpts := []gateway.Option{
		gateway.WithLogger(log),
		gateway.WithReplayLimit(cfg.ReplayLimit),
		gateway.WithModeration(filter),
	}
	serverOpts := []ws.Option{ws.WithLogger(log), ws.WithHeartbeat(cfg.Heartbeat())}

	// --- Redis: presence, bans, rate limits ---
	if cfg.RedisAddr != "" {
		sessions, err := session.NewStore(cfg.RedisAddr, cfg.ServerName)
		if err != nil {
			return fmt.Errorf("failed to connect to Redis: %w", err)
		}
		defer sessions.Close()

		limiter := ratelimit.NewLimiter(sessions.Client(), log)
		gwOpts = append(gwOpts,
			gateway.WithPresence(sessions),
			gateway.WithBans(ban.NewStore(sessions.Client())),
			gateway.WithLimiter(limiter))
		serverOpts = append(serverOpts, ws.WithConnectLimiter(limiter))
	} else {
		log.Warn("REDIS_ADDR not set, presence, bans and rate limits are off")
	}

	gw := gateway.New(st, rooms, router, agg, gwOpts...)
	if err := router.Listen(); err != nil {
		return fmt.Errorf("failed to subscribe to room events: %w", err)
	}

	dispatcher := ws.NewMessageDispatcher(gw.Reply, log)
	gw.Register(dispatcher)

	server := ws.NewServer(cfg.Server(), authenticator, gw, dispatcher.Dispatch, serverOpts...)
	server.Handle("/api/", gw.APIHandler(authenticator))

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case <-ctx.Done():
		log.Info("received signal, initiating graceful shutdown")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
