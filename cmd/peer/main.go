package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/yaront1111/mandarin-sub007/internal/adapter/driven/media/pion"
	relay "github.com/yaront1111/mandarin-sub007/internal/adapter/driven/relay/ws"
	"github.com/yaront1111/mandarin-sub007/internal/config"
	"github.com/yaront1111/mandarin-sub007/internal/peer"
)

func main() {
	cfg, err := config.LoadPeer(os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}
	log.Logger = config.NewLogger(cfg.Logging, os.Stdout)
	zerolog.SetGlobalLevel(cfg.Level)

	factory, err := pion.NewFactory(cfg.Media)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to set up media")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	agent := peer.NewAgent(peer.Config{
		User:       cfg.User,
		AutoAnswer: cfg.AutoAnswer,
		Engine:     cfg.Engine,
	}, factory)

	client, err := relay.Dial(ctx, cfg.RelayURL, cfg.User, agent)
	if err != nil {
		log.Fatal().Err(err).Str("relay", cfg.RelayURL).Msg("Failed to connect to relay")
	}
	agent.Bind(client)
	log.Info().Str("relay", cfg.RelayURL).Str("user_id", cfg.User.String()).Bool("auto_answer", cfg.AutoAnswer).Msg("Peer connected")

	// The relay connection outlives ctx so hangups still go out on shutdown.
	runErr := make(chan error, 1)
	go func() { runErr <- client.Run(context.Background()) }()

	if cfg.Call != "" {
		id, err := agent.Place(ctx, cfg.Call, cfg.CallType)
		if err != nil {
			log.Error().Err(err).Msg("Failed to place call")
		} else {
			go func() {
				for ended := range agent.Ended() {
					if ended == id {
						log.Info().Str("call_id", id.String()).Msg("Call finished")
						stop()
						return
					}
				}
			}()
		}
	}

	select {
	case <-ctx.Done():
	case err := <-runErr:
		if err != nil {
			log.Error().Err(err).Msg("Relay connection lost")
		}
	}

	log.Info().Msg("Shutting down peer...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	agent.Close(shutdownCtx)
	if err := client.Close(); err != nil {
		log.Debug().Err(err).Msg("Relay close")
	}
	log.Info().Msg("Peer exited")
}
