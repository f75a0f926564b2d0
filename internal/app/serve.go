package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"soilwatch/internal/fetcher"
	"soilwatch/internal/httpapi"
	"soilwatch/internal/mqttingest"
	"soilwatch/internal/scheduler"
	"soilwatch/internal/service"
	"soilwatch/internal/version"
)

// sweepGrace lets samples stamped at a window boundary land before the sweep.
const sweepGrace = 5 * time.Second

// Serve runs the HTTP API, the optional MQTT subscriber and device poller, and
// the idle-flush sweep until the process is signalled.
func (a *App) Serve(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return a.withComponents(ctx, true, func(c *components) error {
		if err := c.store.Ping(ctx); err != nil {
			return err
		}

		listener, err := net.Listen("tcp", a.Config.HTTP.Listen)
		if err != nil {
			return err
		}
		return a.serve(ctx, c, listener)
	})
}

func (a *App) serve(ctx context.Context, c *components, listener net.Listener) error {
	api := httpapi.New(httpapi.Options{IngestToken: a.Config.HTTP.IngestToken}, c.ingest, c.query, c.store, a.Logger)
	server := &http.Server{
		Handler:      api.Handler(),
		ReadTimeout:  a.Config.HTTP.ReadTimeout,
		WriteTimeout: a.Config.HTTP.WriteTimeout,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.Logger.Info().Str("listen", listener.Addr().String()).Msg("http api listening")
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.Config.HTTP.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if a.Config.MQTT.Enabled {
		sub := mqttingest.NewSubscriber(mqttingest.Config{
			Broker:   a.Config.MQTT.Broker,
			ClientID: a.Config.MQTT.ClientID,
			Username: a.Config.MQTT.Username,
			Password: a.Config.MQTT.Password,
			Topic:    a.Config.MQTT.Topic,
			QoS:      a.Config.MQTT.QoS,
		}, c.ingest, a.Logger)
		g.Go(func() error { return ignoreCanceled(sub.Run(ctx)) })
	}

	if a.Config.Fetch.Enabled {
		poller := fetcher.NewPoller(fetcher.Options{
			Targets:   a.Config.Fetch.Targets,
			Timeout:   a.Config.Fetch.Timeout,
			UserAgent: a.Config.Fetch.UserAgent,
		}, c.ingest, a.Logger)
		sched := scheduler.New(scheduler.Options{Interval: a.Config.Fetch.Interval}, a.Logger)
		g.Go(func() error { return ignoreCanceled(sched.Run(ctx, poller.Poll)) })
	}

	if a.Config.Aggregation.Sweep {
		sched := scheduler.New(scheduler.Options{
			Interval:     c.aggregator.Window(),
			AlignToStart: true,
			StartupDelay: a.Config.Aggregation.StartupDelay,
			Grace:        sweepGrace,
		}, a.Logger)
		sweeper := service.New(sched, c.store, c.aggregator, a.Logger)
		g.Go(func() error { return ignoreCanceled(sweeper.Run(ctx)) })
	}

	a.Logger.Info().Str("backend", a.Config.Storage.Backend).Str("version", version.Version).Msg("soilwatch started")
	err := g.Wait()
	a.Logger.Info().Msg("soilwatch stopped")
	return err
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
