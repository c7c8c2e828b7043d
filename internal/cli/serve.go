package cli

import (
	"context"
	"errors"
	"fmt"

	"astromeas/internal/grpcserver"
	"astromeas/internal/server"
	"astromeas/internal/web"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

type serveOptions struct {
	HTTPAddr  string
	GRPCAddr  string
	WebAddr   string
	WatchDirs []string
}

// defaultServe runs every configured listener until ctx ends or one fails.
func defaultServe(ctx context.Context, r *Root, opts serveOptions) error {
	if opts.HTTPAddr == "" && opts.GRPCAddr == "" && opts.WebAddr == "" {
		return errors.New("no listener configured")
	}
	g, ctx := errgroup.WithContext(ctx)

	if opts.HTTPAddr != "" {
		srv, err := server.NewServer(opts.HTTPAddr, r.store, r.pipeline, r.catalog, prometheus.DefaultGatherer, opts.WatchDirs, r.log)
		if err != nil {
			return fmt.Errorf("failed to create server: %w", err)
		}
		r.log.Info("server ready",
			"addr", opts.HTTPAddr,
			"endpoints", []string{"/healthz", "/jobs", "/jobs/{id}/sources", "/algorithms", "/measure", "/psf", "/stream", "/metrics"},
		)
		g.Go(func() error { return srv.Start(ctx) })
	}
	if opts.GRPCAddr != "" {
		svc := grpcserver.NewMeasurementService(r.pipeline, r.store, r.catalog, r.log)
		g.Go(func() error { return svc.Start(ctx, opts.GRPCAddr) })
	}
	if opts.WebAddr != "" {
		dash := web.NewWebServer(opts.WebAddr, r.pipeline, r.store, r.log)
		g.Go(func() error { return dash.Start(ctx) })
	}
	return g.Wait()
}
