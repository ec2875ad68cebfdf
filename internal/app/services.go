package app

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tadoctl/tadod/internal/actions"
	"github.com/tadoctl/tadod/internal/api"
	"github.com/tadoctl/tadod/internal/automation"
	"github.com/tadoctl/tadod/internal/batch"
	"github.com/tadoctl/tadod/internal/config"
	"github.com/tadoctl/tadod/internal/db"
	"github.com/tadoctl/tadod/internal/dispatch"
	"github.com/tadoctl/tadod/internal/eventbus"
	"github.com/tadoctl/tadod/internal/history"
	"github.com/tadoctl/tadod/internal/kv"
	"github.com/tadoctl/tadod/internal/mqttpub"
	"github.com/tadoctl/tadod/internal/poll"
	"github.com/tadoctl/tadod/internal/quota"
	"github.com/tadoctl/tadod/internal/tado"
	"github.com/tadoctl/tadod/internal/telemetry"
)

// slowTrackCalls is what one metadata refresh spends: home, rooms,
// devices.
const slowTrackCalls = 3.0

// kvCleanupInterval is how often expired KV entries are swept.
const kvCleanupInterval = time.Hour

// Services is a container for all application services.
// It manages service initialization order and dependencies.
type Services struct {
	cfg *config.Config

	// Core infrastructure
	DB      *db.DB
	Bus     *eventbus.Bus
	History *history.Store
	KV      *kv.Manager

	// API client, cache and quota controller
	Client    *tado.Client
	Cache     *tado.Cache
	Ledger    *quota.Ledger
	Estimator *quota.Estimator
	Scheduler *quota.Scheduler

	// Command engine and poll loop
	Dispatcher *dispatch.Dispatcher
	Collector  *batch.Collector
	Loop       *poll.Loop

	// Action system
	Registry *actions.Registry
	Invoker  *actions.Invoker

	// Optional surfaces
	Automation *automation.Runtime
	API        *api.Server
	MQTT       *mqttpub.Publisher
	Telemetry  *telemetry.Writer
}

// NewServices creates all services with proper dependency injection.
func NewServices(cfg *config.Config) (*Services, error) {
	s := &Services{cfg: cfg}

	// Initialize database
	database, err := db.Open(cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	s.DB = database

	// Initialize history ledger and KV store
	s.History = history.New(database.DB)
	s.KV = kv.NewManager(database.DB)

	// Initialize event bus
	s.Bus = eventbus.NewWithConfig(cfg.EventBus.GetWorkers(), cfg.EventBus.GetQueueSize())

	// Initialize API client and snapshot cache
	s.Client = tado.NewClient(
		cfg.Tado.BaseURL,
		cfg.Tado.HomeID,
		tado.StaticToken(cfg.Tado.Token),
		cfg.Tado.Timeout.Duration(),
	)
	s.Cache = tado.NewCache()

	// Initialize quota controller: ledger, cost estimator and scheduler.
	// The slow track is amortized into the estimator's fixed daily cost.
	s.Ledger = quota.NewLedger()
	dailyFixed := quota.FixedCostFromIntervals(map[time.Duration]float64{
		cfg.Poll.SlowInterval.Duration(): slowTrackCalls,
	})
	s.Estimator = quota.NewEstimator(0, dailyFixed)
	s.restoreQuotaState()

	qcfg := quota.Config{
		BaselineInterval:  cfg.Poll.Baseline.Duration(),
		MinInterval:       cfg.Poll.MinInterval.Duration(),
		MaxInterval:       cfg.Poll.MaxInterval.Duration(),
		AutoQuotaFraction: cfg.Poll.AutoQuotaFraction,
		ThrottleReserve:   cfg.Poll.ThrottleReserve,
		RecoveryMargin:    cfg.Poll.RecoveryMargin,
		DisableOnThrottle: cfg.Poll.DisableOnThrottle,
		ResetProbeDelay:   cfg.Poll.ResetProbeDelay.Duration(),
		StaleGrace:        cfg.Poll.StaleGrace.Duration(),
	}
	if cfg.Window.Enabled() {
		w, err := quota.ParseWindow(cfg.Window.Start, cfg.Window.End, cfg.Window.Interval.Duration())
		if err != nil {
			s.Close()
			return nil, err
		}
		qcfg.Window = w
	}
	s.Scheduler = quota.NewScheduler(qcfg, s.Ledger, s.Estimator)

	// Initialize the command engine: dispatcher behind the collector
	s.Dispatcher = dispatch.NewDispatcher(s.Client, s.Ledger, s.Cache, s.Bus, cfg.Poll.RateLimitRPS)
	s.Collector = batch.NewCollector(cfg.Batch.Window.Duration(), s.Dispatcher, dispatch.NewValidator(s.Cache))

	// Initialize the poll loop. Jitter only matters when several daemons
	// share a proxy quota.
	pollCfg := poll.Config{SlowInterval: cfg.Poll.SlowInterval.Duration()}
	if cfg.Tado.Proxied() {
		pollCfg.JitterFraction = cfg.Poll.JitterFraction
	}
	s.Loop = poll.New(pollCfg, s.Scheduler, s.Estimator, s.Dispatcher, s.Cache, s.Bus)

	// Initialize action registry with the builtin actions
	s.Registry = actions.NewRegistry()
	if err := actions.RegisterBuiltins(s.Registry); err != nil {
		s.Close()
		return nil, err
	}

	// Create invoker context factory
	ctxFactory := func(ctx context.Context) *actions.Context {
		return actions.NewContext(ctx, s.Cache, s.Collector, s.Loop, nil)
	}

	// Initialize action invoker
	s.Invoker = actions.NewInvoker(s.Registry, s.History, ctxFactory)

	// Initialize Lua automation runtime when a script directory is set
	if cfg.Automation.Dir != "" {
		s.Automation = automation.NewRuntime(automation.Deps{
			Commands:  s.Collector,
			Invoker:   s.Invoker,
			Cache:     s.Cache,
			Ledger:    s.Ledger,
			Scheduler: s.Scheduler,
			KV:        s.KV,
		})
	}

	// Initialize control API server
	if cfg.API.Enabled {
		s.API = api.NewServer(cfg.API.Host, cfg.API.Port, api.Deps{
			Cache:     s.Cache,
			Ledger:    s.Ledger,
			Scheduler: s.Scheduler,
			Estimator: s.Estimator,
			Commands:  s.Collector,
			Invoker:   s.Invoker,
			Poller:    s.Loop,
			History:   s.History,
		})
	}

	// Initialize telemetry writer (lazy client, no I/O here)
	if cfg.Influx.Enabled {
		s.Telemetry = telemetry.NewWriter(telemetry.Config{
			URL:    cfg.Influx.URL,
			Token:  cfg.Influx.Token,
			Org:    cfg.Influx.Org,
			Bucket: cfg.Influx.Bucket,
		})
	}

	return s, nil
}

// Start starts all services in the correct order.
// The onFatalError callback is called when a fatal error occurs (e.g., startup auth rejection).
func (s *Services) Start(ctx context.Context, onFatalError func(error)) error {
	// Load Lua scripts before anything can publish events
	if s.Automation != nil {
		if err := s.Automation.LoadScripts(s.cfg.Automation.Dir); err != nil {
			return err
		}
	}

	// Connect the MQTT status publisher
	if s.cfg.MQTT.Enabled {
		pub, err := mqttpub.NewPublisher(mqttpub.Config{
			Broker:      s.cfg.MQTT.Broker,
			ClientID:    s.cfg.MQTT.ClientID,
			TopicPrefix: s.cfg.MQTT.TopicPrefix,
			Username:    s.cfg.MQTT.Username,
			Password:    s.cfg.MQTT.Password,
		}, s.cfg.Tado.HomeID)
		if err != nil {
			return err
		}
		s.MQTT = pub
	}

	// Subscribe sinks before the first cycle so nothing is missed
	s.registerSinks(ctx)

	// Bind the collector's timer-flush context
	s.Collector.Start(ctx)

	// Start background goroutines
	if s.Automation != nil {
		go s.Automation.Run(ctx)
	}
	go s.Loop.Run(ctx)
	if s.API != nil {
		go func() {
			if err := s.API.Run(ctx, s.cfg.ShutdownTimeout.Duration()); err != nil {
				log.Error().Err(err).Msg("API server error")
			}
		}()
	}
	s.KV.StartCleanup(ctx, kvCleanupInterval)
	go s.runRetention(ctx)

	// Kick off the initial full poll. It primes the cache, observes the
	// first quota headers and doubles as the connectivity check; the
	// loop would otherwise sleep a full baseline interval first.
	go s.initialPoll(ctx, onFatalError)

	return nil
}

// initialPoll runs the boot cycle. A rejected token is fatal: the
// static token has no refresh flow, so every later call would fail the
// same way.
func (s *Services) initialPoll(ctx context.Context, onFatalError func(error)) {
	res, err := s.Loop.PollNow(ctx, true)
	if err != nil {
		return // shutdown during boot
	}
	if res.Err == nil {
		return
	}
	if errors.Is(res.Err, tado.ErrAuthExpired) {
		log.Error().Err(res.Err).Msg("Authentication rejected at startup")
		if onFatalError != nil {
			onFatalError(res.Err)
		}
		return
	}
	log.Warn().Err(res.Err).Msg("Initial poll failed, retrying on the normal cadence")
}

// runRetention trims history tables on the configured cadence.
func (s *Services) runRetention(ctx context.Context) {
	retention := time.Duration(s.cfg.History.RetentionDays) * 24 * time.Hour

	ticker := time.NewTicker(s.cfg.History.CleanupInterval.Duration())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.History.DeleteOlderThan(retention)
			if err != nil {
				log.Warn().Err(err).Msg("History cleanup failed")
			} else if n > 0 {
				log.Debug().Int64("rows", n).Msg("History cleanup removed old records")
			}
		}
	}
}

// Stop gracefully stops all services.
func (s *Services) Stop() error {
	// Persist the freshest quota view before anything closes
	s.persistQuotaState()
	s.Close()
	return nil
}

// Close releases all resources. Pending intents in the collector are
// discarded, not dispatched: shutdown must not spend quota.
func (s *Services) Close() {
	if s.Collector != nil {
		s.Collector.Stop()
	}
	if s.Automation != nil {
		s.Automation.Close()
	}
	if s.Bus != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout.Duration())
		defer cancel()
		s.Bus.Close(ctx)
	}
	if s.MQTT != nil {
		s.MQTT.Close()
	}
	if s.Telemetry != nil {
		s.Telemetry.Close()
	}
	if s.KV != nil {
		s.KV.StopCleanup()
	}
	if s.Client != nil {
		s.Client.Close()
	}
	if s.DB != nil {
		s.DB.Close()
	}
}
