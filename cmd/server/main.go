package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	civilrightshelper "github.com/MegaGrindStone/civilrights-helper"
	"github.com/MegaGrindStone/civilrights-helper/internal/handlers"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func main() {
	cfgPathFlag := flag.String("config", "", "path to the config file (default: <user config dir>/civilrightshelper/config.yaml)")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Fatal(fmt.Errorf("error loading .env file: %w", err))
	}

	cfgPath := *cfgPathFlag
	if cfgPath == "" {
		cfgDir, err := os.UserConfigDir()
		if err != nil {
			log.Fatal(fmt.Errorf("error getting user config dir: %w", err))
		}
		cfgPath = filepath.Join(cfgDir, "civilrightshelper", "config.yaml")
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		log.Fatal(err)
	}

	logger := cfg.newLogger()
	slog.SetDefault(logger)

	answerer, err := cfg.Answerer.answerer(logger)
	if err != nil {
		logger.Error("Failed to create answerer", slog.String("err", err.Error()))
		os.Exit(1)
	}

	sessions := handlers.NewSessions(answerer, cfg.DefaultLanguage, cfg.SessionTTL, logger)
	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	go sessions.Run(sweepCtx)

	m, err := handlers.NewMain(sessions, logger)
	if err != nil {
		logger.Error("Failed to create handlers", slog.String("err", err.Error()))
		os.Exit(1)
	}

	// Serve static files
	staticFS, err := fs.Sub(civilrightshelper.StaticFS, "static")
	if err != nil {
		panic(err)
	}
	fileServer := http.FileServer(http.FS(staticFS))

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.Recoverer)
	r.Handle("/static/*", http.StripPrefix("/static/", fileServer))
	r.Get("/", m.HandleHome)
	r.Post("/screen", m.HandleScreen)
	r.Post("/language", m.HandleLanguage)
	r.Post("/messages", m.HandleMessages)
	r.Post("/stop", m.HandleStop)
	r.Get("/events", m.HandleEvents)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	srv.RegisterOnShutdown(func() {
		stopSweep()
		if err := m.Shutdown(context.Background()); err != nil {
			logger.Error("Failed to shutdown sessions", slog.String("err", err.Error()))
		}
	})

	// Channel to listen for errors coming from the listener
	serverErrors := make(chan error, 1)

	go func() {
		logger.Info("Server starting", slog.String("port", cfg.Port))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Error("Server error", slog.String("err", err.Error()))

	case sig := <-shutdown:
		logger.Info("Start shutdown", slog.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("Graceful shutdown failed", slog.String("err", err.Error()))
			if err := srv.Close(); err != nil {
				logger.Error("Forcing server close", slog.String("err", err.Error()))
			}
		}
	}
}

// loadConfig reads the config file at path on top of the defaults. A missing or empty file leaves
// the defaults in place.
func loadConfig(path string) (config, error) {
	cfg := defaultConfig()

	cfgFile, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}
		return config{}, fmt.Errorf("error opening config file: %w", err)
	}
	defer cfgFile.Close()

	if err := yaml.NewDecoder(cfgFile).Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return config{}, fmt.Errorf("error decoding config file: %w", err)
	}
	return cfg, nil
}
