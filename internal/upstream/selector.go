// Package upstream selects the network endpoint a matched request is sent to.
//
// Clusters come in two variants. Static clusters point at a fixed address
// (the co-located LFS backend). DNS clusters resolve a hostname, cache the
// answer as an immutable snapshot and re-resolve it in the background; a
// refresh swaps in a complete new snapshot so concurrent readers never see a
// partial set.
package upstream

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/fabian4/lfs-gateway/internal/lb"
	"github.com/fabian4/lfs-gateway/internal/metrics"
	"github.com/fabian4/lfs-gateway/internal/model"
	"github.com/fabian4/lfs-gateway/internal/resolver"
)

type Options struct {
	Resolver resolver.Resolver
	Refresh  time.Duration
	Metrics  *metrics.Registry
	Logger   *slog.Logger
}

type Selector struct {
	clusters map[string]*clusterState
	resolver resolver.Resolver
	refresh  time.Duration
	metrics  *metrics.Registry
	log      *slog.Logger
	group    singleflight.Group
}

type clusterState struct {
	cluster model.Cluster
	rr      *lb.RoundRobin
}

func New(clusters map[string]model.Cluster, opts Options) (*Selector, error) {
	if opts.Resolver == nil {
		opts.Resolver = &resolver.System{}
	}
	if opts.Refresh <= 0 {
		opts.Refresh = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Selector{
		clusters: make(map[string]*clusterState, len(clusters)),
		resolver: opts.Resolver,
		refresh:  opts.Refresh,
		metrics:  opts.Metrics,
		log:      opts.Logger,
	}
	for name, c := range clusters {
		st := &clusterState{cluster: c, rr: lb.NewRoundRobin(nil)}
		switch c.Resolution {
		case model.ResolveStatic:
			st.rr.Update([]model.Endpoint{staticEndpoint(c)})
			s.metrics.SetClusterEndpoints(name, 1)
		case model.ResolveDNS:
			if c.Address == "" {
				return nil, fmt.Errorf("cluster %q: hostname is required", name)
			}
		default:
			return nil, fmt.Errorf("cluster %q: unknown resolution %v", name, c.Resolution)
		}
		s.clusters[name] = st
	}
	return s, nil
}

func staticEndpoint(c model.Cluster) model.Endpoint {
	if addr, err := netip.ParseAddr(c.Address); err == nil {
		return model.Endpoint{Cluster: c.Name, Addr: netip.AddrPortFrom(addr, c.Port)}
	}
	return model.Endpoint{Cluster: c.Name, Host: c.Address, Port: c.Port}
}

// Cluster returns the definition of a named cluster.
func (s *Selector) Cluster(name string) (model.Cluster, bool) {
	st, ok := s.clusters[name]
	if !ok {
		return model.Cluster{}, false
	}
	return st.cluster, true
}

// Clusters returns all cluster definitions sorted by name.
func (s *Selector) Clusters() []model.Cluster {
	out := make([]model.Cluster, 0, len(s.clusters))
	for _, st := range s.clusters {
		out = append(out, st.cluster)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Endpoints returns the current endpoint snapshot of a cluster.
func (s *Selector) Endpoints(name string) []model.Endpoint {
	st, ok := s.clusters[name]
	if !ok {
		return nil
	}
	return st.rr.Endpoints()
}

// Pick returns the next endpoint of the cluster, round-robin. A DNS cluster
// with an empty snapshot is resolved synchronously first; concurrent callers
// share one lookup.
func (s *Selector) Pick(ctx context.Context, name string) (model.Endpoint, error) {
	st, ok := s.clusters[name]
	if !ok {
		return model.Endpoint{}, fmt.Errorf("%w: unknown cluster %q", model.ErrUpstreamUnreachable, name)
	}
	if ep, ok := st.rr.Next(); ok {
		return ep, nil
	}
	if st.cluster.Resolution != model.ResolveDNS {
		return model.Endpoint{}, fmt.Errorf("%w: cluster %q has no endpoints", model.ErrUpstreamUnreachable, name)
	}

	ch := s.group.DoChan(name, func() (any, error) {
		// detached from the caller so one cancelled client does not fail the others
		return nil, s.refreshCluster(context.WithoutCancel(ctx), st)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return model.Endpoint{}, fmt.Errorf("%w: cluster %q: %w", model.ErrUpstreamUnreachable, name, res.Err)
		}
	case <-ctx.Done():
		return model.Endpoint{}, fmt.Errorf("%w: cluster %q: %w", model.ErrUpstreamUnreachable, name, ctx.Err())
	}

	ep, ok := st.rr.Next()
	if !ok {
		return model.Endpoint{}, fmt.Errorf("%w: cluster %q has no endpoints", model.ErrUpstreamUnreachable, name)
	}
	return ep, nil
}

// Refresh re-resolves one DNS cluster. On failure the previous snapshot is kept.
func (s *Selector) Refresh(ctx context.Context, name string) error {
	st, ok := s.clusters[name]
	if !ok {
		return fmt.Errorf("unknown cluster %q", name)
	}
	if st.cluster.Resolution != model.ResolveDNS {
		return nil
	}
	_, err, _ := s.group.Do(name, func() (any, error) {
		return nil, s.refreshCluster(ctx, st)
	})
	return err
}

func (s *Selector) refreshCluster(ctx context.Context, st *clusterState) error {
	c := st.cluster
	addrs, err := s.resolver.Resolve(ctx, c.Address, c.IPFamily)
	s.metrics.ObserveResolution(c.Name, err)
	if err != nil {
		return err
	}
	eps := make([]model.Endpoint, len(addrs))
	for i, a := range addrs {
		eps[i] = model.Endpoint{Cluster: c.Name, Addr: netip.AddrPortFrom(a, c.Port)}
	}
	st.rr.Update(eps)
	s.metrics.SetClusterEndpoints(c.Name, len(eps))
	s.log.Debug("cluster resolved", "cluster", c.Name, "host", c.Address, "endpoints", len(eps))
	return nil
}

// Ready reports whether every cluster has at least one endpoint.
func (s *Selector) Ready() bool {
	for _, st := range s.clusters {
		if st.rr.Len() == 0 {
			return false
		}
	}
	return true
}

// Run resolves every DNS cluster and keeps refreshing them until ctx is done.
func (s *Selector) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for name, st := range s.clusters {
		if st.cluster.Resolution != model.ResolveDNS {
			continue
		}
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			s.refreshLoop(ctx, name)
		}(name)
	}
	wg.Wait()
}

func (s *Selector) refreshLoop(ctx context.Context, name string) {
	t := time.NewTicker(s.refresh)
	defer t.Stop()
	for {
		if err := s.Refresh(ctx, name); err != nil && ctx.Err() == nil {
			s.log.Warn("cluster refresh failed, keeping previous endpoints",
				"cluster", name, "endpoints", len(s.Endpoints(name)), "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}
