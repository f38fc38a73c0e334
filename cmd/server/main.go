package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	dirmem "github.com/yaront1111/mandarin-sub007/internal/adapter/driven/directory/memory"
	"github.com/yaront1111/mandarin-sub007/internal/adapter/driven/gateway/ws"
	"github.com/yaront1111/mandarin-sub007/internal/adapter/driven/persistence/memory"
	"github.com/yaront1111/mandarin-sub007/internal/adapter/driven/persistence/sqlite"
	handler "github.com/yaront1111/mandarin-sub007/internal/adapter/driving/http"
	"github.com/yaront1111/mandarin-sub007/internal/config"
	"github.com/yaront1111/mandarin-sub007/internal/core/port"
	"github.com/yaront1111/mandarin-sub007/internal/core/service"
)

func main() {
	cfg, err := config.LoadServer(os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}
	log.Logger = config.NewLogger(cfg.Logging, os.Stdout)
	zerolog.SetGlobalLevel(cfg.Level)

	dir, err := openDirectory(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load directory")
	}

	var history port.CallHistoryRepository = memory.NewCallHistoryRepository()
	if cfg.HistoryDB != "" {
		db, err := sqlite.Open(cfg.HistoryDB)
		if err != nil {
			log.Fatal().Err(err).Str("path", cfg.HistoryDB).Msg("Failed to open call history")
		}
		defer db.Close()
		history = db
	}

	hub := ws.NewHub()
	callService := service.NewCallService(cfg.Calls, service.CallDeps{
		Store:        memory.NewSessionStore(),
		Presence:     hub,
		Entitlements: dir,
		Directory:    dir,
		History:      history,
	})
	h := handler.NewHandler(callService, hub)
	h.PingInterval = cfg.PingInterval

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: h.NewRouter(),
	}

	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Bool("open_directory", cfg.OpenDirectory).Msg("Starting server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	<-quit
	log.Info().Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// End calls first so both sides still get their hangup.
	callService.Close(ctx)
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	hub.Stop()
	log.Info().Msg("Server exited")
}

func openDirectory(cfg config.Server) (*dirmem.Directory, error) {
	if cfg.DirectoryFile == "" {
		return dirmem.NewDirectory(cfg.OpenDirectory), nil
	}
	return dirmem.LoadFile(cfg.DirectoryFile, cfg.OpenDirectory)
}
