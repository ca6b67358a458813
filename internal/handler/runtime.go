package handler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/fabian4/lfs-gateway/internal/config"
	fwd "github.com/fabian4/lfs-gateway/internal/forward"
	"github.com/fabian4/lfs-gateway/internal/metrics"
	"github.com/fabian4/lfs-gateway/internal/ratelimit"
	"github.com/fabian4/lfs-gateway/internal/resolver"
	"github.com/fabian4/lfs-gateway/internal/router"
	"github.com/fabian4/lfs-gateway/internal/upstream"
)

// Runtime is everything a request needs that is derived from one config:
// the route table, the upstream selector, per-cluster transports and rate
// limiter buckets. A config reload builds a new Runtime and swaps it in whole.
type Runtime struct {
	Table      *router.Table
	Selector   *upstream.Selector
	Transports *fwd.Registry
	Limiter    *ratelimit.Limiter

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type RuntimeOptions struct {
	// Resolver overrides the one built from the dns config block.
	Resolver  resolver.Resolver
	Transport fwd.Options
	// Limiter is reused across reloads so buckets keep their state.
	Limiter *ratelimit.Limiter
	Metrics *metrics.Registry
	Logger  *slog.Logger
}

func NewRuntime(cfg *config.Config, opts RuntimeOptions) (*Runtime, error) {
	if opts.Resolver == nil {
		opts.Resolver = resolver.New(cfg.DNS.Nameservers, cfg.DNS.Timeout)
	}
	sel, err := upstream.New(cfg.Clusters, upstream.Options{
		Resolver: opts.Resolver,
		Refresh:  cfg.DNS.Refresh,
		Metrics:  opts.Metrics,
		Logger:   opts.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("upstream: %w", err)
	}
	reg := fwd.NewDefaultRegistry()
	if opts.Transport != (fwd.Options{}) {
		reg = fwd.NewRegistry(opts.Transport)
	}
	if err := reg.Build(sel.Clusters()); err != nil {
		return nil, fmt.Errorf("transport: %w", err)
	}
	lim := opts.Limiter
	if lim == nil {
		lim = ratelimit.FromRules(cfg.Routes)
	} else {
		lim.Sync(cfg.Routes)
	}

	return &Runtime{
		Table:      router.New(cfg.Routes),
		Selector:   sel,
		Transports: reg,
		Limiter:    lim,
	}, nil
}

// Start launches background DNS refresh until Stop or ctx is done.
func (rt *Runtime) Start(ctx context.Context) {
	ctx, rt.cancel = context.WithCancel(ctx)
	rt.wg.Add(1)
	go func() {
		defer rt.wg.Done()
		rt.Selector.Run(ctx)
	}()
}

// Stop ends background refresh and releases idle upstream connections.
// Requests already using this runtime finish on their own connections.
func (rt *Runtime) Stop() {
	if rt.cancel != nil {
		rt.cancel()
	}
	rt.wg.Wait()
	rt.Transports.CloseIdle()
}
