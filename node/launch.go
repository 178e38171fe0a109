package node

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/quarrylabs/quarry/config"
	"github.com/quarrylabs/quarry/core/log"
	"github.com/quarrylabs/quarry/core/types"
	"github.com/quarrylabs/quarry/node/archive"
	"github.com/quarrylabs/quarry/node/consensus"
	"github.com/quarrylabs/quarry/node/devmine"
	"github.com/quarrylabs/quarry/node/events"
	"github.com/quarrylabs/quarry/node/exex"
	"github.com/quarrylabs/quarry/node/metrics"
	"github.com/quarrylabs/quarry/node/peers"
	"github.com/quarrylabs/quarry/node/pipeline"
	"github.com/quarrylabs/quarry/node/pruner"
	"github.com/quarrylabs/quarry/node/store"
)

// LaunchContext is the staged builder threaded through launch. It
// exists only during launch and is consumed into the final node.
type LaunchContext struct {
	ctx    context.Context
	cancel context.CancelFunc

	cfg      *config.Config
	log      log.Logger
	tasks    *TaskExecutor
	registry *prometheus.Registry

	chainStore *store.ChainStore
	factory    *store.ProviderFactory
	provider   *store.Provider
	bootPeers  []peer.AddrInfo

	components Components

	// options
	extensions       []exex.Extension
	exexPolicy       exex.Policy
	onComponentsInit []OnComponentsInitialized
	blockSource      pipeline.BlockSource
	resolver         consensus.HeaderResolver
}

// Context returns the launch root context. Background tasks spawned by
// any stage must run under it; a later stage failure cancels it.
func (lc *LaunchContext) Context() context.Context { return lc.ctx }

// Config returns the resolved configuration.
func (lc *LaunchContext) Config() *config.Config { return lc.cfg }

// Logger returns the node logger.
func (lc *LaunchContext) Logger() log.Logger { return lc.log }

// Provider returns the live chain view. Nil before the chain-view
// stage.
func (lc *LaunchContext) Provider() *store.Provider { return lc.provider }

// BootstrapPeers returns the resolved bootstrap peers.
func (lc *LaunchContext) BootstrapPeers() []peer.AddrInfo { return lc.bootPeers }

// Registry returns the metrics registry.
func (lc *LaunchContext) Registry() *prometheus.Registry { return lc.registry }

// Tasks returns the shared task executor.
func (lc *LaunchContext) Tasks() *TaskExecutor { return lc.tasks }

// LaunchOption customizes Launch.
type LaunchOption func(*LaunchContext)

// WithLogger sets the node logger.
func WithLogger(logger log.Logger) LaunchOption {
	return func(lc *LaunchContext) { lc.log = logger }
}

// WithExtension registers an execution extension.
func WithExtension(ext exex.Extension) LaunchOption {
	return func(lc *LaunchContext) { lc.extensions = append(lc.extensions, ext) }
}

// WithExExPolicy sets the extension failure policy.
func WithExExPolicy(p exex.Policy) LaunchOption {
	return func(lc *LaunchContext) { lc.exexPolicy = p }
}

// WithComponentsInitialized registers a hook fired after the
// component-build stage.
func WithComponentsInitialized(hook OnComponentsInitialized) LaunchOption {
	return func(lc *LaunchContext) { lc.onComponentsInit = append(lc.onComponentsInit, hook) }
}

// WithBlockSource supplies the networked block source and header
// resolver used outside dev mode.
func WithBlockSource(src pipeline.BlockSource, res consensus.HeaderResolver) LaunchOption {
	return func(lc *LaunchContext) {
		lc.blockSource = src
		lc.resolver = res
	}
}

var globalsOnce sync.Once

// launchStage is one ordered launch stage. Later stages assume the
// invariants of all earlier stages.
type launchStage struct {
	name string
	run  func(lc *LaunchContext) error
}

// Launch runs the ordered launch stages and assembles the runtime. It
// is all-or-nothing: any stage failure cancels the launch root context
// (stopping background tasks started by earlier stages) and returns an
// error; no partially-initialized node is ever handed to the caller.
func Launch(ctx context.Context, cfg *config.Config, builder ComponentsBuilder, opts ...LaunchOption) (*Node, error) {
	root, cancel := context.WithCancel(ctx)
	launched := false
	defer func() {
		if !launched {
			cancel()
		}
	}()

	lc := &LaunchContext{
		ctx:    root,
		cancel: cancel,
		cfg:    cfg,
		log:    log.DiscardLogger,
	}
	for _, opt := range opts {
		opt(lc)
	}
	lc.tasks = NewTaskExecutor(lc.log)

	stages := []launchStage{
		{"configure_globals", stageConfigureGlobals},
		{"load_config", stageLoadConfig},
		{"resolve_peers", stageResolvePeers},
		{"attach_store", stageAttachStore},
		{"adjust_configs", stageAdjustConfigs},
		{"provider_factory", stageProviderFactory},
		{"install_metrics", stageInstallMetrics},
		{"ensure_genesis", stageEnsureGenesis},
		{"metric_tags", stageMetricTags},
		{"chain_view", stageChainView},
		{"build_components", func(lc *LaunchContext) error { return stageBuildComponents(lc, builder) }},
	}
	for _, st := range stages {
		if err := st.run(lc); err != nil {
			lc.log.Error("Launch stage failed", "stage", st.name, "err", err)
			return nil, fmt.Errorf("%w: stage %s: %v", ErrLaunchAborted, st.name, err)
		}
		lc.log.Debug("Launch stage complete", "stage", st.name)
	}

	n, err := assemble(lc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLaunchAborted, err)
	}
	launched = true
	return n, nil
}

// Stage 1: process-wide configuration. Idempotent.
func stageConfigureGlobals(lc *LaunchContext) error {
	globalsOnce.Do(func() {
		zerolog.TimeFieldFormat = time.RFC3339Nano
	})
	return nil
}

// Stage 2: persisted configuration merged with overrides.
func stageLoadConfig(lc *LaunchContext) error {
	if lc.cfg == nil || lc.cfg.DataDir == "" {
		return fmt.Errorf("data directory not set")
	}
	merged, err := config.LoadPersisted(lc.cfg.DataDir, lc.cfg)
	if err != nil {
		return err
	}
	lc.cfg = merged
	return nil
}

// Stage 3: bootstrap peer resolution. Fatal outside dev mode.
func stageResolvePeers(lc *LaunchContext) error {
	infos, err := peers.ResolveBootstrapPeers(lc.cfg.P2P.BootstrapPeers)
	if err != nil {
		return err
	}
	if len(infos) == 0 && !lc.cfg.DevMode {
		return fmt.Errorf("no bootstrap peers resolved")
	}
	lc.bootPeers = infos
	return nil
}

// Stage 4: attach the storage backend.
func stageAttachStore(lc *LaunchContext) error {
	cs, err := store.Open(lc.cfg.DataDir)
	if err != nil {
		return err
	}
	lc.chainStore = cs
	return nil
}

// Stage 5: normalize the configuration against the chain spec.
func stageAdjustConfigs(lc *LaunchContext) error {
	return lc.cfg.Validate()
}

// Stage 6: the provider factory over storage.
func stageProviderFactory(lc *LaunchContext) error {
	lc.factory = store.NewProviderFactory(lc.chainStore)
	return nil
}

// Stage 7: metrics collection, optionally served over HTTP. The HTTP
// server is a background task under the launch root context, so a
// later stage failure shuts it down.
func stageInstallMetrics(lc *LaunchContext) error {
	lc.registry = prometheus.NewRegistry()
	if err := metrics.Install(lc.registry, lc.cfg.Chain.Name, lc.cfg.NodeName); err != nil {
		return err
	}
	if addr := lc.cfg.MetricsAddr; addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(lc.registry, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: addr, Handler: mux}
		lc.tasks.Spawn(lc.ctx, "metrics-server", func(ctx context.Context) error {
			go func() {
				<-ctx.Done()
				srv.Close()
			}()
			if err := srv.ListenAndServe(); err != http.ErrServerClosed {
				return err
			}
			return nil
		})
	}
	return nil
}

// Stage 8: ensure genesis is committed. Idempotent on every start.
func stageEnsureGenesis(lc *LaunchContext) error {
	return lc.chainStore.EnsureGenesis(lc.cfg.Chain.Genesis())
}

// Stage 9: default metric baselines for this run.
func stageMetricTags(lc *LaunchContext) error {
	head, _ := lc.chainStore.Head()
	metrics.Node.SyncHeight(lc.ctx, int64(head))
	metrics.Node.PeerCount(lc.ctx, 0)
	return nil
}

// Stage 10: the live chain view used by all subsystems.
func stageChainView(lc *LaunchContext) error {
	lc.provider = lc.factory.Provider()
	return nil
}

// Stage 11: build the required components and notify observers.
func stageBuildComponents(lc *LaunchContext, builder ComponentsBuilder) error {
	comps, err := builder.BuildComponents(lc.ctx, lc)
	if err != nil {
		return err
	}
	if err := comps.validate(); err != nil {
		return err
	}
	if !lc.cfg.DevMode {
		if err := comps.Network.Connect(lc.ctx, lc.bootPeers); err != nil {
			return err
		}
	}
	lc.components = comps
	for _, hook := range lc.onComponentsInit {
		if err := hook(comps); err != nil {
			return fmt.Errorf("components-initialized hook: %w", err)
		}
	}
	return nil
}

// lazyResolver defers resolver wiring until the dev miner exists; the
// miner needs the engine handle, which needs the pipeline, which needs
// a source.
type lazyResolver struct {
	mu sync.RWMutex
	r  consensus.HeaderResolver
}

func (l *lazyResolver) set(r consensus.HeaderResolver) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.r = r
}

func (l *lazyResolver) HeaderByHash(ctx context.Context, hash types.Hash) (*types.Header, error) {
	l.mu.RLock()
	r := l.r
	l.mu.RUnlock()
	if r == nil {
		return nil, fmt.Errorf("no header resolver available")
	}
	return r.HeaderByHash(ctx, hash)
}

// assemble wires the post-stage runtime: extensions, pipeline, engine
// with its side hooks, event hub, and the exit future.
func assemble(lc *LaunchContext) (*Node, error) {
	cfg := lc.cfg

	var mgr *exex.Manager
	if len(lc.extensions) > 0 {
		mgr = exex.NewManager(lc.log.New("exex"), lc.exexPolicy, config.DefaultExExBuffer)
		for _, ext := range lc.extensions {
			if err := mgr.Register(ext); err != nil {
				return nil, err
			}
		}
		mgr.Start(lc.ctx)
	}

	resolver := &lazyResolver{r: lc.resolver}
	pl := pipeline.New(pipeline.Config{
		Provider: lc.provider,
		Executor: lc.components.Executor,
		Source:   lc.blockSource, // swapped for the dev miner below
		Logger:   lc.log.New("pipeline"),
	})

	engine, handle, err := consensus.New(consensus.Config{
		Logger:    lc.log.New("engine"),
		Provider:  lc.provider,
		Executor:  lc.components.Executor,
		Pipeline:  pl,
		ExEx:      mgr,
		Resolver:  resolver,
		QueueSize: cfg.EngineQueueSize,
		Debug:     cfg.Debug,
	})
	if err != nil {
		return nil, err
	}

	pr := pruner.New(lc.log.New("pruner"), lc.provider, cfg.Prune, cfg.Chain.MaxReorgDepth, watermarkOrNil(mgr))
	engine.AddHook(consensus.NewHook("prune", cfg.Prune.EveryBlocks, cfg.Prune.Interval, func(ctx context.Context, tip uint64) error {
		_, err := pr.Run(ctx, tip)
		return err
	}))

	archiver := archive.New(lc.log.New("archive"), lc.provider, filepath.Join(cfg.DataDir, "archive"))
	engine.AddHook(consensus.NewHook("archive", cfg.Prune.EveryBlocks, 0, archiver.Archive))

	hub := events.NewHub(lc.log.New("events"), 128)
	events.Attach(hub, lc.components.Network.Events())
	events.Attach(hub, handle.Events())
	events.Attach(hub, pl.Events())
	events.Attach(hub, pr.Events())
	events.Attach(hub, archiver.Events())
	events.Attach(hub, events.HealthSource(lc.ctx, 30*time.Second,
		headProbe(lc.provider, lc.components.Network)))

	var miner *devmine.Miner
	if cfg.DevMode {
		miner = devmine.New(lc.log.New("dev-miner"), lc.components.Pool, lc.provider,
			lc.components.PayloadBuilder, handle, cfg.DevBlockInterval)
		pl.SetSource(miner)
		resolver.set(miner)
		events.Attach(hub, miner.Events())
	}

	exit := NewExitFuture()
	lc.tasks.SpawnCritical(lc.ctx, "consensus-engine", engine.Run)
	lc.tasks.Spawn(lc.ctx, "event-hub", func(ctx context.Context) error {
		hub.Run(ctx)
		return nil
	})
	if miner != nil {
		lc.tasks.Spawn(lc.ctx, "dev-miner", miner.Run)
	}
	watchExit(lc.ctx, exit, engine, lc.tasks, mgr)

	lc.log.Info("Node launched", "chain", cfg.Chain.Name, "dev", cfg.DevMode,
		"peer_id", lc.components.Network.ID())

	return &Node{
		log:        lc.log,
		cfg:        cfg,
		components: lc.components,
		provider:   lc.provider,
		hub:        hub,
		tree:       Some[ChainTree](lc.provider),
		pipeline:   Some(pl),
		engine:     Some(handle),
		rpc:        None[RPCHandles](),
		exit:       exit,
		cancel:     lc.cancel,
	}, nil
}

func watermarkOrNil(mgr *exex.Manager) pruner.WatermarkSource {
	if mgr == nil {
		return nil
	}
	return mgr
}
