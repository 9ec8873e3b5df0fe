package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	mediamemory "github.com/Wyydra/yacall/internal/adapter/driven/media/memory"
	"github.com/Wyydra/yacall/internal/adapter/driven/media/pion"
	signalws "github.com/Wyydra/yacall/internal/adapter/driven/signal/ws"
	handler "github.com/Wyydra/yacall/internal/adapter/driving/http"
	"github.com/Wyydra/yacall/internal/config"
	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/Wyydra/yacall/internal/core/service"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

func main() {
	w := zerolog.ConsoleWriter{Out: os.Stdout}
	log.Logger = zerolog.New(w).With().Timestamp().Caller().Logger()

	v, err := config.InitConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to read config")
	}
	cfg, err := config.GetPeerConfig(v)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid config")
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}
	self := domain.PeerID(cfg.PeerID)
	log.Logger = log.With().Str("self", self.String()).Logger()

	engines, err := newEngineFactory(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build negotiation engine")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	channel, err := signalws.Dial(dialCtx, cfg.SignalURL, self)
	cancel()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to relay")
	}

	svcCfg := service.DefaultConfig()
	svcCfg.RingTimeout = cfg.RingTimeout
	svcCfg.AutoBusy = cfg.AutoBusy
	svcCfg.Filter = service.CandidatePolicy{
		DeniedMarkers:   cfg.Candidate.DeniedMarkers,
		DenyRelay:       cfg.Candidate.DenyRelay,
		AllowedNetworks: cfg.Candidate.Networks,
	}

	events := handler.NewEventHub()
	calls := service.NewCallService(engines, channel, events, svcCfg)
	h := handler.NewCallHandler(calls, events)

	srv := &http.Server{
		Addr:    cfg.APIAddr,
		Handler: h.NewRouter(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return calls.Run(gctx)
	})
	g.Go(func() error {
		select {
		case <-channel.Done():
			return errors.New("relay connection lost")
		case <-gctx.Done():
			return nil
		}
	})
	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Msg("Starting call API")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down peer...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		calls.Close()
		if cerr := channel.Close(); cerr != nil {
			log.Debug().Err(cerr).Msg("Relay connection close")
		}
		return err
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("Peer stopped with error")
	}
	log.Info().Msg("Peer exited")
}

func newEngineFactory(cfg *config.PeerConfig) (port.EngineFactory, error) {
	if cfg.Engine == "memory" {
		return mediamemory.NewFactory(), nil
	}

	pc := pion.DefaultConfig()
	if len(cfg.ICEServers) > 0 {
		pc.ICEServers = []webrtc.ICEServer{{URLs: cfg.ICEServers}}
	}
	if len(cfg.Candidate.Networks) > 0 {
		pc.NetworkTypes = pc.NetworkTypes[:0]
		for _, n := range cfg.Candidate.Networks {
			nt, err := webrtc.NewNetworkType(n)
			if err != nil {
				return nil, err
			}
			pc.NetworkTypes = append(pc.NetworkTypes, nt)
		}
	}
	f, err := pion.NewFactory(pc)
	if err != nil {
		return nil, err
	}
	return f, nil
}
