package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/example/tokenbroker/internal/config"
)

type App struct {
	cfg    *config.Config
	logger *zap.Logger

	store  CredentialStore
	states *StateSigner
	oauth  *ExchangeClient
	tokens *AccessTokenManager

	limiter       *FixedWindowLimiter
	callerLimiter *callerLimiter
}

func newLogger(c *config.Config) (*zap.Logger, error) {
	var zc zap.Config
	if c.Env == "dev" {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	if lvl, err := zap.ParseAtomicLevel(c.LogLevel); err == nil {
		zc.Level = lvl
	}
	return zc.Build()
}

func main() {
	c, err := config.New()
	if err != nil {
		zap.NewExample().Fatal("config", zap.Error(err))
	}

	logger, err := newLogger(c)
	if err != nil {
		zap.NewExample().Fatal("logger", zap.Error(err))
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)

	// A broken encryption key must never serve traffic.
	cipher, err := NewCipher(c.EncryptionKey)
	if err != nil {
		logger.Fatal("encryption key", zap.Error(err))
	}

	var store CredentialStore
	switch c.DBAdapter {
	case "sqlite":
		s, err := NewSQLiteStore(c.SQLiteFile, cipher)
		if err != nil {
			logger.Fatal("sqlite init", zap.Error(err))
		}
		store = s
	case "postgres":
		logger.Info("applying database migrations")
		if err := ApplyMigrations("./migrations", c.PostgresDSN); err != nil {
			logger.Warn("migrations", zap.Error(err))
		}
		if v, dirty, err := GetMigrationVersion("./migrations", c.PostgresDSN); err == nil {
			logger.Info("schema version", zap.Uint("version", v), zap.Bool("dirty", dirty))
		}
		p, err := NewPostgresStore(c.PostgresDSN, cipher)
		if err != nil {
			logger.Fatal("postgres init", zap.Error(err))
		}
		store = p
		logger.Info("connected to PostgreSQL database")
	case "memory":
		logger.Warn("using in-memory store (not recommended for production)")
		store = NewMemoryStore(cipher)
	default:
		logger.Fatal("unsupported DB_ADAPTER", zap.String("adapter", c.DBAdapter))
	}

	states := NewStateSigner(c.InternalAPIKey)
	oauth := NewExchangeClient(c, states, logger)

	app := &App{
		cfg:           c,
		logger:        logger,
		store:         store,
		states:        states,
		oauth:         oauth,
		tokens:        NewAccessTokenManager(store, oauth, logger),
		limiter:       NewFixedWindowLimiter(),
		callerLimiter: newCallerLimiter(c.RateLimitPerMinute),
	}

	r := mux.NewRouter()
	r.Use(SecurityHeaders)
	r.Use(app.Logging)

	// Probes carry no auth.
	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods("GET")
	r.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if p, ok := app.store.(interface{ ping() bool }); ok && !p.ping() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]bool{"ready": false})
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"ready": true})
	}).Methods("GET")

	// Consent entry points stay open: the callback is hit by the user's
	// browser on redirect from Google, which can never present the internal
	// key. The coarse limiter still applies, keyed by client IP.
	consent := r.NewRoute().Subrouter()
	consent.Use(app.RateLimit)
	consent.HandleFunc("/auth/google/url", app.HandleAuthURL).Methods("GET")
	consent.HandleFunc("/auth/google/callback", app.HandleCallback).Methods("GET")

	// Everything else requires the internal shared secret.
	internal := r.NewRoute().Subrouter()
	internal.Use(app.InternalAuth)
	internal.Use(app.RateLimit)
	internal.HandleFunc("/auth/google/token", app.HandleToken).Methods("GET")
	internal.HandleFunc("/auth/google/revoke", app.HandleRevoke).Methods("POST")
	internal.HandleFunc("/internal/ping", app.HandlePing).Methods("GET")

	internal.HandleFunc("/google/drive/me", app.HandleDriveMe).Methods("GET")
	internal.HandleFunc("/google/drive/files", app.HandleDriveFiles).Methods("GET")
	internal.HandleFunc("/google/docs/{document_id}/text", app.HandleDocText).Methods("GET")
	internal.HandleFunc("/google/docs/{document_id}", app.HandleDoc).Methods("GET")
	internal.HandleFunc("/google/sheets/{spreadsheet_id}/values", app.HandleSheetValues).Methods("GET")
	internal.HandleFunc("/google/slides/{presentation_id}/summary", app.HandleSlidesSummary).Methods("GET")
	internal.HandleFunc("/google/slides/{presentation_id}", app.HandleSlides).Methods("GET")

	srv := &http.Server{
		Handler: r,
		Addr:    ":" + c.Port,
		// Write timeout covers the Workspace passthrough round trip.
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 35 * time.Second,
	}

	go func() {
		logger.Info("starting server", zap.String("port", c.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if closer, ok := app.store.(interface{ close() error }); ok {
		_ = closer.close()
	}
	if err := srv.Shutdown(ctx); err != nil {
		logger.Fatal("shutdown failed", zap.Error(err))
	}
	logger.Info("server exited")
}
