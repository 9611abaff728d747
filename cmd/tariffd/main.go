package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/halverson/tariffproof"
	"github.com/halverson/tariffproof/metrics"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (YAML)")
	addr := flag.String("addr", ":8080", "Listen address")
	flag.Parse()

	// Structured JSON logging.
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	cfg := tariffproof.DefaultConfig()
	if *configPath != "" {
		loaded, err := tariffproof.LoadConfig(*configPath)
		if err != nil {
			slog.Error("loading config", "error", err)
			os.Exit(2)
		}
		cfg = loaded
	}
	applyEnv(&cfg)

	engine, err := tariffproof.New(cfg)
	if err != nil {
		slog.Error("creating engine", "error", err)
		os.Exit(2)
	}
	defer engine.Close()

	h := newHandler(engine)
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(logMiddleware)
	r.Use(authMiddleware(os.Getenv("TARIFFPROOF_API_KEY")))

	r.Post("/resolve", h.handleResolve)
	r.Post("/stack", h.handleStack)
	r.Post("/ingest", h.handleIngest)
	r.Get("/reviews", h.handleListReviews)
	r.Post("/reviews/{id}", h.handleResolveReview)
	r.Get("/stats", h.handleStats)
	r.Get("/health", h.handleHealth)
	r.Method("GET", "/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:         *addr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 10 * time.Minute, // discovery-backed resolves are slow
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("server: listening", "addr", *addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server: listen failed", "error", err)
			os.Exit(2)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	slog.Info("server: shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("server: shutdown error", "error", err)
	}
}

// applyEnv overrides secrets and endpoints from the environment.
func applyEnv(cfg *tariffproof.Config) {
	if v := os.Getenv("TARIFFPROOF_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("TARIFFPROOF_READER_API_KEY"); v != "" {
		cfg.Reader.APIKey = v
	}
	if v := os.Getenv("TARIFFPROOF_VALIDATOR_API_KEY"); v != "" {
		cfg.Validator.APIKey = v
	}
	if v := os.Getenv("TARIFFPROOF_DISCOVERY_API_KEY"); v != "" {
		cfg.Discovery.APIKey = v
	}
	if v := os.Getenv("TARIFFPROOF_EMBEDDING_API_KEY"); v != "" {
		cfg.Embedding.APIKey = v
	}
	// Fallback: one key for every OpenAI-backed endpoint.
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		for _, c := range []*struct{ provider, key *string }{
			{&cfg.Reader.Provider, &cfg.Reader.APIKey},
			{&cfg.Validator.Provider, &cfg.Validator.APIKey},
			{&cfg.Discovery.Provider, &cfg.Discovery.APIKey},
			{&cfg.Embedding.Provider, &cfg.Embedding.APIKey},
		} {
			if *c.provider == "openai" && *c.key == "" {
				*c.key = v
			}
		}
	}
	if v := os.Getenv("OPENROUTER_API_KEY"); v != "" && cfg.Validator.Provider == "openrouter" && cfg.Validator.APIKey == "" {
		cfg.Validator.APIKey = v
	}
}
