package relayer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/chronosvault/trinity-relayer/internal/adapters"
	"github.com/chronosvault/trinity-relayer/internal/api"
	"github.com/chronosvault/trinity-relayer/internal/config"
	"github.com/chronosvault/trinity-relayer/internal/consensus"
	"github.com/chronosvault/trinity-relayer/internal/database"
	badgerdb "github.com/chronosvault/trinity-relayer/internal/database/badger"
	redisstore "github.com/chronosvault/trinity-relayer/internal/database/redis"
	"github.com/chronosvault/trinity-relayer/internal/fees"
	"github.com/chronosvault/trinity-relayer/internal/health"
	"github.com/chronosvault/trinity-relayer/internal/registry"
	"github.com/chronosvault/trinity-relayer/internal/scheduler"
	"github.com/chronosvault/trinity-relayer/internal/service"
	"github.com/chronosvault/trinity-relayer/internal/swap"
	"github.com/chronosvault/trinity-relayer/internal/types"
	"github.com/ethereum/go-ethereum/common"
	log "github.com/sirupsen/logrus"
)

// Relayer orchestrates all components of the Trinity relayer
type Relayer struct {
	config *config.Config

	// Storage
	db      *sql.DB
	closers []io.Closer
	redis   *redisstore.Store

	// Validators
	validators []*adapters.Adapter
	verifier   *consensus.Verifier
	liveness   *consensus.Liveness

	// Core services
	registry    *registry.Registry
	engine      *swap.Engine
	fees        *fees.Engine
	statusCache *health.StatusCache
	monitor     *health.Monitor
	scheduler   *scheduler.Scheduler
	swapService *service.SwapService
	apiServer   *api.Server

	attestations chan *types.Attestation

	// Lifecycle management
	stopFunc context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates a relayer talking to the chains named in the configuration
func New(cfg *config.Config) (*Relayer, error) {
	clients := []adapters.ChainClient{
		adapters.NewEVMClient(cfg.Primary),
		adapters.NewRPCClient(types.MonitorChain, cfg.Monitor, cfg.Relayer.AttemptTimeout),
		adapters.NewRPCClient(types.BackupChain, cfg.Backup, cfg.Relayer.AttemptTimeout),
	}
	return NewWithClients(cfg, clients)
}

// NewWithClients creates a relayer on the given chain clients, one per chain
func NewWithClients(cfg *config.Config, clients []adapters.ChainClient) (*Relayer, error) {
	r := &Relayer{config: cfg}

	swapRepo, statusRepo, err := r.openStores()
	if err != nil {
		r.closeStores()
		return nil, err
	}

	r.registry = registry.New(swapRepo)
	r.liveness = consensus.NewLiveness()

	signers, addresses, err := validatorKeys(cfg)
	if err != nil {
		r.closeStores()
		return nil, err
	}
	r.verifier = consensus.NewVerifier(addresses, cfg.Relayer.EventWatcherBufferSize)

	probers := make([]health.Prober, 0, len(clients))
	validators := make([]adapters.Validator, 0, len(clients))
	for _, client := range clients {
		signer, ok := signers[client.Chain()]
		if !ok {
			r.closeStores()
			return nil, fmt.Errorf("no validator key for %s", client.Chain())
		}
		adapter := adapters.NewAdapter(client, signer, r.registry, r.liveness, watchConfig(cfg, client.Chain()))
		r.validators = append(r.validators, adapter)
		probers = append(probers, adapter)
		validators = append(validators, adapter)
	}

	r.engine = swap.NewEngine(r.registry, r.verifier, r.liveness, swap.Config{
		ExpiryGrace:     cfg.Consensus.ExpiryGrace,
		DeadlockTimeout: cfg.Consensus.DeadlockTimeout,
		EventBufferSize: cfg.Relayer.EventWatcherBufferSize,
	})
	r.fees = fees.NewEngine(cfg.Fees, fees.NewStaticRates(cfg.Fees.Prices))
	r.statusCache = health.NewStatusCache(statusRepo)
	r.monitor = health.NewMonitor(probers, r.statusCache, cfg.Health)
	r.scheduler = scheduler.NewScheduler(cfg.Relayer, r.engine, r.fees)
	r.swapService = service.NewSwapService(cfg.Relayer, r.registry, r.fees, r.monitor, validators, r.verifier)
	r.apiServer = api.NewServer(cfg.API, r.swapService)
	r.attestations = make(chan *types.Attestation, cfg.Relayer.EventWatcherBufferSize)

	return r, nil
}

// openStores selects the swap and chain status stores from configuration
func (r *Relayer) openStores() (registry.SwapRepository, health.StatusRepository, error) {
	cfg := r.config

	openDB := func() (*sql.DB, error) {
		if r.db != nil {
			return r.db, nil
		}
		db, err := database.New(cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize database: %w", err)
		}
		r.db = db
		return db, nil
	}

	var swapRepo registry.SwapRepository
	switch cfg.Store.Type {
	case "postgres":
		db, err := openDB()
		if err != nil {
			return nil, nil, err
		}
		swapRepo = database.NewSwapRepository(db)
	default:
		repo, err := badgerdb.NewSwapRepository(cfg.Store.Dir)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open swap store: %w", err)
		}
		r.closers = append(r.closers, repo)
		swapRepo = repo
	}

	if cfg.Redis.Enabled {
		r.redis = redisstore.New(cfg.Redis)
		r.closers = append(r.closers, r.redis)
	}

	var statusRepo health.StatusRepository
	switch cfg.Store.StatusType {
	case "postgres":
		db, err := openDB()
		if err != nil {
			return nil, nil, err
		}
		statusRepo = database.NewChainStatusRepository(db)
	case "redis":
		if r.redis == nil {
			return nil, nil, errors.New("redis status store requires redis to be enabled")
		}
		statusRepo = r.redis
	default:
		repo, err := badgerdb.NewChainStatusRepository(cfg.Store.Dir)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open chain status store: %w", err)
		}
		r.closers = append(r.closers, repo)
		statusRepo = repo
	}

	return swapRepo, statusRepo, nil
}

func (r *Relayer) closeStores() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i].Close(); err != nil {
			log.WithError(err).Warn("failed to close store")
		}
	}
	r.closers = nil
	if r.db != nil {
		r.db.Close()
		r.db = nil
	}
}

// validatorKeys loads the signing key of every validator and the addresses
// their attestations are verified against.
func validatorKeys(cfg *config.Config) (map[types.Chain]*adapters.Signer, map[types.Chain]common.Address, error) {
	keys := map[types.Chain][2]string{
		types.PrimaryChain: {cfg.Primary.ValidatorKey, cfg.Primary.ValidatorAddress},
		types.MonitorChain: {cfg.Monitor.ValidatorKey, cfg.Monitor.ValidatorAddress},
		types.BackupChain:  {cfg.Backup.ValidatorKey, cfg.Backup.ValidatorAddress},
	}

	signers := make(map[types.Chain]*adapters.Signer, len(keys))
	addresses := make(map[types.Chain]common.Address, len(keys))
	for chain, pair := range keys {
		signer, err := adapters.NewSigner(pair[0])
		if err != nil {
			return nil, nil, fmt.Errorf("invalid %s validator key: %w", chain, err)
		}
		signers[chain] = signer
		addresses[chain] = signer.Address()

		if pair[1] == "" {
			continue
		}
		if !common.IsHexAddress(pair[1]) {
			return nil, nil, fmt.Errorf("invalid %s validator address %q", chain, pair[1])
		}
		if expected := common.HexToAddress(pair[1]); expected != signer.Address() {
			return nil, nil, fmt.Errorf("%s validator key signs as %s, expected %s", chain, signer.Address().Hex(), expected.Hex())
		}
	}
	return signers, addresses, nil
}

func watchConfig(cfg *config.Config, chain types.Chain) adapters.WatchConfig {
	wc := adapters.WatchConfig{
		PollInterval:   cfg.Relayer.PollInterval,
		AttemptTimeout: cfg.Relayer.AttemptTimeout,
		RetryInterval:  cfg.Relayer.RetryInterval,
		MaxBackoff:     cfg.Relayer.MaxBackoff,
	}
	if chain == types.PrimaryChain {
		wc.Confirmations = cfg.Primary.Confirmations
		wc.StartBlock = cfg.Primary.StartBlock
		wc.BlockBatch = cfg.Primary.BlockBatch
	}
	return wc
}

// Service returns the swap service
func (r *Relayer) Service() *service.SwapService {
	return r.swapService
}

// Start boots all components and blocks until ctx is cancelled
func (r *Relayer) Start(ctx context.Context) error {
	log.Info("starting Trinity relayer")

	ctx, cancel := context.WithCancel(ctx)
	r.stopFunc = cancel

	if err := r.performBootSequence(ctx); err != nil {
		cancel()
		return fmt.Errorf("boot sequence failed: %w", err)
	}

	for _, v := range r.validators {
		v := v
		r.goRun(ctx, fmt.Sprintf("%s watcher", v.Chain()), func(ctx context.Context) error {
			return v.Watch(ctx, r.attestations)
		})
	}
	r.goRun(ctx, "consensus verifier", func(ctx context.Context) error {
		return r.verifier.Run(ctx, r.attestations)
	})
	r.goRun(ctx, "state machine", func(ctx context.Context) error {
		return r.engine.Run(ctx, r.verifier.Decisions(), r.verifier.Reviews())
	})
	r.goRun(ctx, "health monitor", r.monitor.Run)
	r.goRun(ctx, "snapshot consumer", r.consumeSnapshots)
	r.goRun(ctx, "state event consumer", r.consumeStateEvents)

	if err := r.scheduler.Start(ctx); err != nil {
		cancel()
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	r.rescheduleExpiries(ctx)

	r.goRun(ctx, "API server", r.apiServer.Start)

	r.logStartupInfo()

	<-ctx.Done()
	log.Info("relayer shutdown initiated")
	return nil
}

func (r *Relayer) goRun(ctx context.Context, name string, fn func(ctx context.Context) error) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.WithError(err).Errorf("%s stopped", name)
		}
	}()
}

// performBootSequence connects the validators and loads the status cache. At
// least two validators must be reachable to reach consensus.
func (r *Relayer) performBootSequence(ctx context.Context) error {
	if r.redis != nil {
		if err := r.redis.Ping(ctx); err != nil {
			return fmt.Errorf("failed to reach redis: %w", err)
		}
	}

	connected := 0
	for _, v := range r.validators {
		if err := v.Connect(ctx); err != nil {
			r.liveness.MarkUnreachable(v.Chain(), err)
			log.WithError(err).WithField("chain", v.Chain().String()).Warn("validator unreachable at boot")
			continue
		}
		connected++
	}
	if connected < types.ConsensusRequired {
		return fmt.Errorf("%w: %d of %d validators reachable", types.ErrConsensusDeadlock, connected, len(r.validators))
	}

	if err := r.statusCache.Load(ctx); err != nil {
		return err
	}
	return nil
}

// rescheduleExpiries arms the expiry timers of swaps persisted before a restart
func (r *Relayer) rescheduleExpiries(ctx context.Context) {
	active, err := r.registry.Active(ctx)
	if err != nil {
		log.WithError(err).Warn("failed to load active swaps")
		return
	}
	for _, s := range active {
		r.scheduleExpiry(s)
	}
	log.WithField("count", len(active)).Info("active swaps restored")
}

func (r *Relayer) scheduleExpiry(s *types.Swap) {
	at := s.UnlockTime.Add(r.config.Consensus.ExpiryGrace)
	if err := r.scheduler.ScheduleExpiry(s.ID, at); err != nil {
		log.WithError(err).WithField("swap_id", s.ID).Warn("failed to schedule expiry")
	}
}

func (r *Relayer) consumeSnapshots(ctx context.Context) error {
	lastScore := -1
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case snapshot := <-r.monitor.Snapshots():
			if snapshot.Score != lastScore {
				log.WithField("score", snapshot.Score).Info("system health changed")
				lastScore = snapshot.Score
			}
			if r.redis != nil {
				if err := r.redis.PublishHealth(ctx, snapshot); err != nil {
					log.WithError(err).Warn("failed to publish health snapshot")
				}
			}
		}
	}
}

func (r *Relayer) consumeStateEvents(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-r.engine.Events():
			r.handleStateEvent(ctx, ev)
		}
	}
}

func (r *Relayer) handleStateEvent(ctx context.Context, ev swap.StateEvent) {
	if r.redis != nil {
		if err := r.redis.Publish(ctx, ev); err != nil {
			log.WithError(err).Warn("failed to publish state event")
		}
	}
	if ev.Type != swap.StateEventTransition {
		return
	}

	switch {
	case ev.NewStatus == types.StatusLocked:
		s, err := r.registry.Record(ctx, ev.SwapID)
		if err != nil {
			log.WithError(err).WithField("swap_id", ev.SwapID).Warn("failed to load locked swap")
			return
		}
		r.scheduleExpiry(s)
	case ev.NewStatus.IsTerminal():
		r.scheduler.CancelExpiry(ev.SwapID)
	}
}

// Stop gracefully stops all relayer components in reverse start order
func (r *Relayer) Stop() {
	r.stopOnce.Do(func() {
		log.Info("stopping relayer components")

		if r.stopFunc != nil {
			r.stopFunc()
		}
		r.scheduler.Stop()
		r.wg.Wait()

		for _, v := range r.validators {
			if err := v.Close(); err != nil {
				log.WithError(err).WithField("chain", v.Chain().String()).Warn("failed to close validator")
			}
		}
		r.closeStores()

		log.Info("relayer stopped")
	})
}

func (r *Relayer) logStartupInfo() {
	log.Info("=== Trinity Relayer Configuration ===")
	for _, v := range r.validators {
		info := v.Chain().Info()
		log.WithFields(log.Fields{
			"role":      info.Role,
			"network":   info.Network,
			"validator": v.Address().Hex(),
			"finality":  info.FinalityDepth,
		}).Info("validator")
	}
	log.WithFields(log.Fields{
		"store":        r.config.Store.Type,
		"status_store": r.config.Store.StatusType,
		"redis":        r.config.Redis.Enabled,
	}).Info("storage")
	log.Infof("API server: %s:%d", r.config.API.Host, r.config.API.Port)
}
