package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"evalbus/internal/evaluation/metrics"
	"evalbus/internal/evaluation/models"
	"evalbus/internal/evaluation/subscriber"
	"evalbus/internal/platform/httpserver"
)

const shutdownTimeout = 10 * time.Second

func newSubscribeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "subscribe",
		Short: "Serve evaluations that need any of the given formats",
		Long: `Runs a subscriber until interrupted. Every evaluation it wins is written to
<output-dir>/<evaluation id>.jsonl. /healthz and /metrics are served on --addr.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runSubscribe(ctx)
		},
	}

	cmd.Flags().StringSlice("formats", nil, "formats this subscriber delivers, e.g. PNG,CSV")
	cmd.Flags().String("output-dir", "", "directory receiving one JSON lines file per evaluation")
	cmd.Flags().String("id", "", "subscriber id (random when empty)")
	cmd.Flags().String("addr", "", "listen address for /healthz and /metrics")
	_ = viper.BindPFlag("subscriber.formats", cmd.Flags().Lookup("formats"))
	_ = viper.BindPFlag("subscriber.output_dir", cmd.Flags().Lookup("output-dir"))
	_ = viper.BindPFlag("subscriber.id", cmd.Flags().Lookup("id"))
	_ = viper.BindPFlag("http.addr", cmd.Flags().Lookup("addr"))
	return cmd
}

func runSubscribe(ctx context.Context) error {
	rt, err := loadRuntime()
	if err != nil {
		return err
	}
	cfg := rt.cfg.Subscriber

	formats, err := models.ParseFormats(cfg.Formats)
	if err != nil {
		return err
	}

	b, err := rt.newBroker()
	if err != nil {
		return err
	}
	defer b.Close()

	sub, err := subscriber.New(b, subscriber.JSONLinesFactory(cfg.OutputDir), formats,
		subscriber.WithID(cfg.ID),
		subscriber.WithLogger(rt.logger),
		subscriber.WithMetrics(metrics.New(rt.registry)),
		subscriber.WithHeartbeat(cfg.HeartbeatInterval),
		subscriber.WithDescriptionTimeout(cfg.DescriptionTimeout),
	)
	if err != nil {
		return err
	}
	if err := sub.Start(ctx); err != nil {
		return err
	}

	router := httpserver.NewRouter(rt.logger, rt.registry, map[string]httpserver.CheckFunc{
		"broker": b.Health,
	})
	srv := httpserver.New(rt.cfg.HTTP.Addr, router)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		rt.logger.InfoContext(gctx, "serving operational endpoints", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		rt.logger.InfoContext(gctx, "shutting down subscriber", "subscriber_id", sub.ID())

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		return errors.Join(srv.Shutdown(shutdownCtx), sub.Close())
	})
	return g.Wait()
}
