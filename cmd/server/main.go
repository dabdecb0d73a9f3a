package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/avoronin/dialdesk/internal/ami"
	"github.com/avoronin/dialdesk/internal/api"
	"github.com/avoronin/dialdesk/internal/appeal"
	"github.com/avoronin/dialdesk/internal/cdr"
	"github.com/avoronin/dialdesk/internal/config"
	"github.com/avoronin/dialdesk/internal/metrics"
	"github.com/avoronin/dialdesk/internal/notify"
	"github.com/avoronin/dialdesk/internal/session"
	"github.com/avoronin/dialdesk/internal/ticker"
	"github.com/avoronin/dialdesk/internal/types"
	"github.com/avoronin/dialdesk/internal/websocket"
	"github.com/avoronin/dialdesk/pkg/middleware"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

func main() {
	// Configure logger
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	// Set log level
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Warn().Str("level", cfg.LogLevel).Msg("invalid log level, using info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Info().
		Str("port", cfg.Port).
		Strs("allowed_origins", cfg.AllowedOrigins).
		Str("log_level", cfg.LogLevel).
		Msg("starting dialdesk backend server")

	// Open the detail record store
	db, err := sql.Open(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open detail record store")
	}
	defer db.Close()

	norm := cdr.NewNormalizer(cfg.QueueContext, cfg.InternalContext, cfg.TechPrefixes)
	callStore := cdr.NewStore(db, norm, cfg.QueueContext, cfg.InternalContext, log.Logger)

	// Create context for services
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Appeal store (DynamoDB or disabled)
	appealStore, err := appeal.NewStore(ctx, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize appeal store")
	}

	// Optional MQTT transition bus for wallboards
	var publisher notify.Publisher
	if cfg.MQTTBroker != "" {
		publisher, err = notify.NewMQTTPublisher(notify.MQTTOptions{
			Broker:   cfg.MQTTBroker,
			ClientID: cfg.MQTTClientID,
			QoS:      1,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect MQTT publisher")
		}
	}
	bus := notify.NewTransitionBus(publisher, cfg.MQTTTopic, log.Logger)
	defer bus.Close()

	// Create WebSocket hub
	hub := websocket.NewHub(log.Logger)
	go hub.Run()

	// Telephony control interface client
	amiClient := ami.NewClient(cfg.AMIAddr, cfg.AMIUsername, cfg.AMISecret, log.Logger)

	// Every session transition goes to the workspace socket and the bus
	onTransition := func(snap types.SessionSnapshot) {
		hub.PublishSession(snap)
		bus.Announce(ctx, snap)
	}

	// Caller history prefetch when a call connects. Warms the store's page
	// for the history panel the workspace opens next.
	callerLookup := func(ctx context.Context, callerNumber string) {
		from, to := cdr.DayRange(time.Now().AddDate(0, -3, 0), time.Now())
		_, err := callStore.List(ctx, cdr.ListFilter{From: from, To: to, Caller: callerNumber, PerPage: 20})
		if err != nil {
			log.Warn().Err(err).Str("caller", callerNumber).Msg("caller history prefetch failed")
		}
	}

	sessionManager := session.NewManager(amiClient, appealStore, callerLookup, onTransition, session.Config{
		PollInterval:   cfg.PollInterval,
		PollTimeout:    cfg.PollTimeout,
		WrapUpDuration: cfg.WrapUpDuration,
	}, log.Logger)
	defer sessionManager.Shutdown()

	// Resync connected clients between transitions
	resync := ticker.NewTicker(sessionManager, hub, 5*time.Second, log.Logger)
	go resync.Start(ctx)

	// HTTP handlers
	callsHandler := api.NewCallsHandler(callStore, log.Logger)
	sessionsHandler := api.NewSessionsHandler(sessionManager, appealStore, log.Logger)
	wsHandler := websocket.NewHandler(hub, log.Logger)

	// Create router
	r := chi.NewRouter()

	// Add middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logger(log.Logger))
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	// Register public routes
	r.Get("/health", healthHandler)
	r.Get("/metrics", metrics.Get().Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/calls", callsHandler.List)
		r.Get("/calls/{callID}", callsHandler.Get)
		r.Get("/calls/{callID}/recording", callsHandler.GetRecording)

		r.Get("/sessions", sessionsHandler.List)
		r.Post("/sessions/{agentID}", sessionsHandler.Open)
		r.Get("/sessions/{agentID}", sessionsHandler.Get)
		r.Delete("/sessions/{agentID}", sessionsHandler.Close)
		r.Put("/sessions/{agentID}/draft", sessionsHandler.UpdateDraft)
		r.Post("/sessions/{agentID}/wrapup", sessionsHandler.SubmitWrapUp)

		r.Get("/operators/{operatorID}/appeals", sessionsHandler.ListAppeals)
	})

	r.Get("/ws", wsHandler.ServeHTTP)
	r.Get("/ws/{agentID}", wsHandler.ServeHTTP)

	// Create HTTP server
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		log.Info().Msgf("server listening on :%s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	// Wait for interrupt signal to gracefully shut down the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server...")

	// Stop pollers and timers before the listener
	sessionManager.Shutdown()
	cancel()

	// Create shutdown context with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Attempt graceful shutdown
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatal().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server stopped")
}

// healthHandler handles health check requests
func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","service":"dialdesk-backend"}`)
}
