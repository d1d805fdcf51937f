package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "telemetry-hub/docs"
	gormdb "telemetry-hub/internal/adapters/gorm"
	mqttdial "telemetry-hub/internal/adapters/mqtt"
	natsbus "telemetry-hub/internal/adapters/nats"
	"telemetry-hub/internal/config"
	"telemetry-hub/internal/core/broker"
	"telemetry-hub/internal/core/route"
	api "telemetry-hub/internal/delivery/http"

	"github.com/rs/zerolog"
)

// @title        telemetry-hub API
// @version      1.0
// @description  Broker connection manager and device router for the IoT telemetry dashboard.
func main() {
	log := zerolog.New(os.Stdout).With().Timestamp().
		Str("svc", "telemetry-hub").Logger()

	cfg := config.MustLoad()
	log.Info().Str("listen", cfg.ListenAddr).Strs("topics", cfg.SubscribeTopics).Msg("boot")

	db, err := gormdb.New(cfg.PostgresDSN, log)
	if err != nil {
		log.Fatal().Err(err).Msg("postgres connect")
	}
	gw := gormdb.NewStore(db)

	// Event fan-out is optional; without a bus the phase/reading events
	// only reach the log and the status poll.
	var (
		phaseSink   broker.EventSink
		readingSink route.ReadingSink
	)
	if cfg.NATSURL != "" {
		bus, err := natsbus.New(cfg.NATSURL, log)
		if err != nil {
			log.Fatal().Err(err).Msg("nats connect")
		}
		defer bus.Close()
		phaseSink, readingSink = bus, bus
	} else {
		log.Warn().Msg("NATS_URL empty, event fan-out disabled")
	}

	topics := route.PatternTopicMap{}
	reg := broker.NewRegistry(gw, mqttdial.NewDialer(log), phaseSink, broker.Options{
		BackoffBase: cfg.BackoffBase,
		BackoffCap:  cfg.BackoffCap,
	}, cfg.SubscribeTopics, log)

	decoders := route.NewDecoders(route.JSONDecoder{})
	rtr := route.New(gw, func(id string) (route.Publisher, error) {
		return reg.Publisher(id)
	}, topics, decoders, readingSink, log)
	reg.SetInbound(rtr.RouteInbound)

	// graceful-shutdown
	ctx, stop := signal.NotifyContext(
		context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := reg.LoadAndStart(ctx); err != nil {
		log.Fatal().Err(err).Msg("registry start")
	}

	// Message-log retention runs off the hot path.
	go func() {
		t := time.NewTicker(cfg.PruneEvery)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				if err := gw.PruneMessages(context.Background(), cfg.MessageRetain); err != nil {
					log.Warn().Err(err).Msg("prune messages")
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	handler := api.New(reg, rtr, gw, log)
	srv := &http.Server{Addr: cfg.ListenAddr, Handler: handler}

	go func() {
		log.Info().Str("listen", cfg.ListenAddr).Msg("HTTP up")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http")
		}
	}()

	<-ctx.Done()
	_ = srv.Shutdown(context.Background())
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	reg.Shutdown(shutdownCtx)
	log.Info().Msg("bye")
}
