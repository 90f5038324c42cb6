// Package engine is the top-level wiring of spec component's programmatic
// API (§6): it assembles topology, node-state tracking, persistence,
// metrics, the cluster network, the Rabia engine, the replication driver,
// and leader derivation into one running node, and exposes the thin surface
// a caller drives (Submit/Shutdown/ObserveLeader/ReadLocal).
package engine

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/quorumkv/rabia/clusterlog"
	"github.com/quorumkv/rabia/clusternet"
	"github.com/quorumkv/rabia/config"
	"github.com/quorumkv/rabia/leader"
	"github.com/quorumkv/rabia/metrics"
	"github.com/quorumkv/rabia/metrics/promsink"
	"github.com/quorumkv/rabia/nodestate"
	"github.com/quorumkv/rabia/persist"
	"github.com/quorumkv/rabia/persist/memorystore"
	"github.com/quorumkv/rabia/persist/pebblestore"
	"github.com/quorumkv/rabia/rabia"
	"github.com/quorumkv/rabia/replication"
	"github.com/quorumkv/rabia/router"
	"github.com/quorumkv/rabia/statemachine"
	"github.com/quorumkv/rabia/topology"
)

// DecisionFuture resolves once the batch Submit enqueued has been decided
// (spec.md §9: "futures/promises -> cancellable one-shot channels").
type DecisionFuture struct {
	ch        chan rabia.Phase
	closeOnce sync.Once
}

func newDecisionFuture() *DecisionFuture {
	return &DecisionFuture{ch: make(chan rabia.Phase, 1)}
}

func (f *DecisionFuture) resolve(phase rabia.Phase) {
	f.closeOnce.Do(func() {
		f.ch <- phase
		close(f.ch)
	})
}

// Wait blocks until the batch is decided, ctx is cancelled, or the engine
// shuts down, whichever comes first.
func (f *DecisionFuture) Wait(ctx context.Context) (rabia.Phase, error) {
	select {
	case phase, ok := <-f.ch:
		if !ok {
			return 0, fmt.Errorf("engine: submission future closed without a decision")
		}
		return phase, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Handle is a running node: the live wiring returned by Start.
type Handle struct {
	cfg config.Config
	log *slog.Logger

	top  *topology.Topology
	tr   *nodestate.Tracker
	pst  persist.Store
	met  metrics.Sink
	rt   *router.Mutable
	net  *clusternet.Net
	eng  *rabia.Engine
	drv  *replication.Driver
	ldr  *leader.Derivation
	sm   statemachine.StateMachine

	metricsSrv *http.Server

	cancel context.CancelCauseFunc
	g      *errgroup.Group
}

// Start assembles and launches one cluster node from cfg, driving sm as its
// replicated state machine. The returned Handle owns every background
// goroutine Start spawns; callers must eventually call Shutdown.
func Start(ctx context.Context, cfg config.Config, sm statemachine.StateMachine) (*Handle, error) {
	log, err := clusterlog.New(cfg.LogLevel, cfg.LogFormat, nil)
	if err != nil {
		return nil, fmt.Errorf("engine: building logger: %w", err)
	}
	log = clusterlog.Node(log, cfg.SelfID)

	peerIDs := make([]uuid.UUID, 0, len(cfg.Peers))
	peerAddrs := make(map[uuid.UUID]clusternet.Address, len(cfg.Peers))
	for _, p := range cfg.Peers {
		peerIDs = append(peerIDs, p.ID)
		peerAddrs[p.ID] = clusternet.Address(p.Address)
	}

	var topOpts []topology.Option
	if cfg.QuorumSize != 0 {
		topOpts = append(topOpts, topology.WithQuorumOverride(cfg.QuorumSize))
	}
	top, err := topology.New(cfg.SelfID, peerIDs, topOpts...)
	if err != nil {
		return nil, fmt.Errorf("engine: building topology: %w", err)
	}

	tr := nodestate.New(nodestate.Config{
		InitialBackoff:    cfg.InitialBackoff,
		MaxBackoff:        cfg.MaxBackoff,
		MaxFailedAttempts: cfg.MaxFailedAttempts,
	}, peerIDs)

	pst, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	met, mux, err := openMetrics(cfg)
	if err != nil {
		return nil, err
	}

	rt := router.NewMutable(log)

	net := clusternet.New(clusternet.Config{
		Self:       cfg.SelfID,
		ListenAddr: clusternet.Address(cfg.ListenAddr),
		Peers:      peerAddrs,
		Registry:   BuildRegistry(),
	}, rt, tr, log)

	drv := replication.New(sm, pst, replication.Config{
		SnapshotInterval: rabia.Phase(cfg.SnapshotInterval),
		QueueSize:        1024,
	}, log, met)

	eng := rabia.New(cfg.SelfID, top, tr, net, pst, rabia.Config{
		RetentionWindow: cfg.RetentionWindow,
		FutureWindow:    rabia.Phase(cfg.FutureWindow),
		PhaseTimeout:    cfg.PhaseTimeout,
		SyncTimeout:     cfg.SyncTimeout,
	}, log, drv.Enqueue)

	eng.SetSnapshotSource(drv)
	eng.SetSnapshotSink(drv)

	registerProtocolRoutes(rt, eng)

	ldr := leader.New(cfg.SelfID, tr, rt)

	var metricsSrv *http.Server
	if mux != nil {
		mux.HandleFunc("/status", newStatusHandler(cfg.SelfID, ldr, drv))
		metricsSrv = &http.Server{
			Addr:      cfg.MetricsAddr,
			Handler:   mux,
			TLSConfig: &tls.Config{MinVersion: tls.VersionTLS12},
		}
		go func() {
			_ = metricsSrv.ListenAndServe()
		}()
	}

	if err := drv.Recover(); err != nil {
		return nil, fmt.Errorf("engine: recovering replication driver: %w", err)
	}
	if err := eng.Recover(); err != nil {
		return nil, fmt.Errorf("engine: recovering rabia engine: %w", err)
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	g, gCtx := errgroup.WithContext(runCtx)

	h := &Handle{
		cfg:        cfg,
		log:        log,
		top:        top,
		tr:         tr,
		pst:        pst,
		met:        met,
		rt:         rt,
		net:        net,
		eng:        eng,
		drv:        drv,
		ldr:        ldr,
		sm:         sm,
		metricsSrv: metricsSrv,
		cancel:     cancel,
		g:          g,
	}

	if err := net.Start(runCtx); err != nil {
		cancel(err)
		return nil, fmt.Errorf("engine: starting cluster network: %w", err)
	}

	g.Go(func() error { return drv.Run(gCtx) })
	g.Go(func() error { return eng.Run(gCtx) })

	return h, nil
}

func registerProtocolRoutes(rt *router.Mutable, eng *rabia.Engine) {
	forward := func(ctx context.Context, msg any) { eng.HandleMessage(ctx, msg) }
	rt.AddRoute(rabia.ProposeMsg{}, forward)
	rt.AddRoute(rabia.R1Msg{}, forward)
	rt.AddRoute(rabia.R2Msg{}, forward)
	rt.AddRoute(rabia.SyncRequestMsg{}, forward)
	rt.AddRoute(rabia.StateTransferMsg{}, forward)
	rt.AddRoute(rabia.SnapshotOfferMsg{}, forward)
}

func openStore(cfg config.Config) (persist.Store, error) {
	switch cfg.PersistBackend {
	case "", "memory":
		return memorystore.New(), nil
	case "pebble":
		st, err := pebblestore.Open(cfg.PersistDir)
		if err != nil {
			return nil, fmt.Errorf("engine: opening pebble store at %s: %w", cfg.PersistDir, err)
		}
		return st, nil
	default:
		return nil, fmt.Errorf("engine: unrecognized persist_backend %q", cfg.PersistBackend)
	}
}

// openMetrics builds the metrics sink and, when cfg.MetricsAddr is set, the
// mux it and the admin /status handler (wired in by Start once the leader
// derivation exists) are mounted on. The caller is responsible for turning
// the returned mux into a listening server.
func openMetrics(cfg config.Config) (metrics.Sink, *http.ServeMux, error) {
	if cfg.MetricsAddr == "" {
		return metrics.Noop{}, nil, nil
	}

	reg := prometheus.NewRegistry()
	sink, err := promsink.New(reg)
	if err != nil {
		return nil, nil, fmt.Errorf("engine: registering metrics: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return sink, mux, nil
}

// statusPayload is the JSON body rabiad status reads from the admin
// endpoint.
type statusPayload struct {
	NodeID       uuid.UUID `json:"node_id"`
	Leader       uuid.UUID `json:"leader"`
	IsLeader     bool      `json:"is_leader"`
	AppliedPhase uint64    `json:"applied_phase"`
}

func newStatusHandler(self uuid.UUID, ldr *leader.Derivation, drv *replication.Driver) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		payload := statusPayload{
			NodeID:       self,
			Leader:       ldr.Current(),
			IsLeader:     ldr.IsLeader(),
			AppliedPhase: uint64(drv.AppliedPhase()),
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(payload)
	}
}

// Submit proposes batch for the next phase the local node opens, returning a
// future that resolves once batch's phase is decided. An empty batch is
// rejected with rabia.ErrEmptyBatch.
func (h *Handle) Submit(ctx context.Context, batch rabia.Batch) (*DecisionFuture, error) {
	if len(batch.Commands) == 0 {
		return nil, rabia.ErrEmptyBatch
	}
	future := newDecisionFuture()
	go func() {
		phase, err := h.eng.Submit(ctx, batch)
		if err != nil {
			future.closeOnce.Do(func() { close(future.ch) })
			return
		}
		future.resolve(phase)
	}()
	return future, nil
}

// ObserveLeader registers cb to be called, synchronously from the leader
// derivation's own recompute, whenever the derived leader changes. previous
// is nil on the first call if there was no prior leader.
func (h *Handle) ObserveLeader(cb func(previous, current *uuid.UUID)) {
	h.rt.AddRoute(leader.LeaderChanged{}, func(_ context.Context, msg any) {
		lc := msg.(leader.LeaderChanged)
		var prev *uuid.UUID
		if lc.HadPrevious {
			p := lc.Previous
			prev = &p
		}
		cur := lc.Current
		cb(prev, &cur)
	})
}

// ReadLocal returns the state machine Start was given, for callers that want
// the permitted local-read optimization (spec §4.G: "Find does not traverse
// consensus") instead of routing a read through Submit.
func (h *Handle) ReadLocal() statemachine.StateMachine {
	return h.sm
}

// CurrentLeader reports the currently derived leader and whether the local
// node holds it.
func (h *Handle) CurrentLeader() (uuid.UUID, bool) {
	return h.ldr.Current(), h.ldr.IsLeader()
}

// AppliedPhase returns the highest phase the replication driver has applied
// to the state machine.
func (h *Handle) AppliedPhase() rabia.Phase {
	return h.drv.AppliedPhase()
}

// Shutdown stops every background goroutine Start spawned and closes the
// persistence backend, returning the first unexpected error any of them
// encountered, if any.
func (h *Handle) Shutdown(ctx context.Context) error {
	h.cancel(fmt.Errorf("engine: shutdown requested"))
	h.eng.Shutdown()
	h.drv.Shutdown()
	h.net.Shutdown()

	if h.metricsSrv != nil {
		_ = h.metricsSrv.Close()
	}

	done := make(chan error, 1)
	go func() { done <- h.g.Wait() }()

	var runErr error
	select {
	case runErr = <-done:
		if runErr == context.Canceled {
			runErr = nil
		}
	case <-ctx.Done():
		return ctx.Err()
	}

	if closer, ok := h.pst.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			return fmt.Errorf("engine: closing persistence backend: %w", err)
		}
	}

	return runErr
}
