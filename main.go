package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	kingpin "github.com/alecthomas/kingpin/v2"
)

var (
	port          = kingpin.Flag("port", "HTTP listen port.").Envar("PORT").Default("3000").Int()
	corsOrigin    = kingpin.Flag("cors-origin", "Comma-separated allowed origins, or *.").Envar("CORS_ORIGIN").Default("*").String()
	adminKey      = kingpin.Flag("admin-key", "Secret gating the admin routes; empty disables the gate.").Envar("ADMIN_KEY").Default("").String()
	redisURL      = kingpin.Flag("redis-url", "Redis URL; presence selects the shared backend.").Envar("REDIS_URL").Default("").String()
	sessionTTL    = kingpin.Flag("session-ttl", "Idle time before a session is expired.").Default("30m").Duration()
	sweepInterval = kingpin.Flag("sweep-interval", "Cadence of the session expiry sweep.").Default("30s").Duration()
	pretty        = kingpin.Flag("pretty", "Human-readable log output.").Bool()
)

func main() {
	// A missing .env is fine; real deployments configure the environment.
	_ = godotenv.Load()

	kingpin.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	if *pretty {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
	}

	if closer := InitTracer("whisper", logger); closer != nil {
		defer func() {
			_ = closer.Close()
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conns := NewConnRegistry()

	var sessions SessionRegistry
	var limiter RateLimiter
	var invites InviteStore
	var rooms Matchmaker
	var emitter Emitter

	if *redisURL != "" {
		opt, err := goredis.ParseURL(*redisURL)

		if err != nil {
			logger.Fatal().Err(err).Msg("bad redis url")
		}

		rdb := goredis.NewClient(opt)

		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Fatal().Err(errors.Wrap(err, "redis ping")).Msg("redis unreachable")
		}

		registry := &RedisSessionRegistry{TTL: *sessionTTL, Redis: rdb}

		sessions = registry
		limiter = &RedisRateLimiter{Window: DefaultRateWindow, Limit: DefaultRateLimit, Redis: rdb}
		invites = &RedisInviteStore{TTL: DefaultInviteTTL, Redis: rdb}
		rooms = &RedisMatchmaker{Redis: rdb, Sessions: registry}
		emitter = &RedisEmitter{Conns: conns, Redis: rdb}

		subscriber := &EventSubscriber{Conns: conns, Redis: rdb, Log: logger}

		go subscriber.Run(ctx)

		logger.Info().Msg("using shared state backend")
	} else {
		registry := NewLocalSessionRegistry(*sessionTTL)

		sessions = registry
		limiter = NewLocalRateLimiter(DefaultRateWindow, DefaultRateLimit)
		invites = NewLocalInviteStore(DefaultInviteTTL)
		rooms = NewLocalMatchmaker(registry)
		emitter = &LocalEmitter{Conns: conns}

		logger.Info().Msg("using local state backend")
	}

	dispatcher := &Dispatcher{
		Sessions: sessions,
		Limiter:  limiter,
		Invites:  invites,
		Rooms:    rooms,
		Emitter:  emitter,
		Log:      logger,
	}

	sweeper := &Sweeper{
		Interval: *sweepInterval,
		Sessions: sessions,
		OnExpire: dispatcher.ExpireSessions,
		Log:      logger,
	}

	go sweeper.Run(ctx)

	cors := NewCORSMiddleware(*corsOrigin)

	ws := &WebsocketHandler{
		Conns:      conns,
		Dispatcher: dispatcher,
		Sessions:   sessions,
		Upgrader:   websocket.Upgrader{CheckOrigin: cors.OriginAllowed},
		Opts:       DefaultWebsocketOptions(),
		Log:        logger,
	}

	health := &HealthHandler{Sessions: sessions, Rooms: rooms, Started: time.Now()}

	mux := http.NewServeMux()
	mux.Handle("/ws", ws)
	mux.Handle("/health", TraceHandler("GET /health", cors.Handle(health)))
	mux.Handle("/metrics", AdminGate(*adminKey, promhttp.Handler()))
	mux.Handle("/", TraceHandler("GET /", AdminGate(*adminKey, LandingHandler{})))

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", *port),
		Handler: mux,
	}

	go func() {
		logger.Info().Int("port", *port).Msg("listening")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()

	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = server.Shutdown(shutdownCtx)
}
