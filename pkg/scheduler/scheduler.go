// Package scheduler implements the top-level balancing cycle and the
// one-shot/daemon run loop around it (C6, §4.6): wiring inventory,
// constraints, placement, and the migration executor together for one
// cycle, then looping on a configurable interval with startup delay,
// SIGHUP config reload between cycles, and graceful shutdown on interrupt.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/proxlb/pkg/cluster"
	"github.com/cuemby/proxlb/pkg/config"
	"github.com/cuemby/proxlb/pkg/constraints"
	"github.com/cuemby/proxlb/pkg/executor"
	"github.com/cuemby/proxlb/pkg/inventory"
	"github.com/cuemby/proxlb/pkg/log"
	"github.com/cuemby/proxlb/pkg/placement"
	"github.com/cuemby/proxlb/pkg/telemetry"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// APIClient is the full hypervisor API surface a cycle needs: the read
// operations inventory.Build consumes plus the dispatch/poll operations
// executor.Execute consumes. *proxmoxapi.Client satisfies it; tests
// substitute a fake (mirrors the narrow-interface pattern used throughout
// C2-C5).
type APIClient interface {
	inventory.APIClient
	executor.APIClient
}

// CycleResult is everything one RunCycle call produced, for the caller to
// log, render, or exit on.
type CycleResult struct {
	CycleID     string
	Plan        *cluster.Plan
	ExecResults []executor.Result
	Warnings    []error
}

// Failed reports whether any move in the cycle ended up in a non-ok
// outcome; C6 uses this to pick the one-shot exit code (§6).
func (r *CycleResult) Failed() bool {
	for _, res := range r.ExecResults {
		if res.Outcome != executor.OutcomeOK {
			return true
		}
	}
	return false
}

// RunCycle executes C2 through C5 once: build the cluster snapshot,
// compile constraints, compute a plan, and (unless dryRun) dispatch it.
// Inventory failures abort the cycle with an error; constraint and
// placement warnings are logged and returned in CycleResult.Warnings; per-move execution failures are captured in the returned CycleResult
// instead, since the contract is "report per-move, don't abort the rest of
// the plan" (§4.1 Failure semantics, §4.5 Contract).
func RunCycle(ctx context.Context, client APIClient, cfg *config.Config, dryRun bool) (*CycleResult, error) {
	logger := log.WithComponent("scheduler")
	cycleID := uuid.New().String()
	cLogger := log.WithCycle(logger, cycleID)
	timer := telemetry.NewTimer()

	cl, err := inventory.Build(ctx, client, cfg)
	if err != nil {
		telemetry.CyclesTotal.WithLabelValues("failed").Inc()
		log.Critical(cLogger, "inventory build failed, cycle aborted", err)
		return nil, err
	}

	cs, compileWarnings := constraints.Compile(cl, cfg)
	for _, w := range compileWarnings {
		cLogger.Warn().Err(w).Msg("constraint compile warning")
	}
	telemetry.PlacementWarningsTotal.Add(float64(len(compileWarnings)))

	plan, planWarnings := placement.Plan(cl, cs)
	for _, w := range planWarnings {
		cLogger.Warn().Err(w).Msg("placement warning")
	}
	telemetry.PlacementWarningsTotal.Add(float64(len(planWarnings)))
	telemetry.SpreadBefore.WithLabelValues(string(plan.Method)).Set(plan.SpreadBefore)
	telemetry.SpreadAfter.WithLabelValues(string(plan.Method)).Set(plan.SpreadAfter)
	telemetry.MovesPlanned.Add(float64(len(plan.Moves)))

	result := &CycleResult{CycleID: cycleID, Plan: plan, Warnings: append(compileWarnings, planWarnings...)}

	cLogger.Info().Int("moves", len(plan.Moves)).Float64("spread_before", plan.SpreadBefore).
		Float64("spread_after", plan.SpreadAfter).Msg("plan computed")

	if dryRun || len(plan.Moves) == 0 {
		telemetry.CyclesTotal.WithLabelValues("ok").Inc()
		telemetry.CycleDuration.Observe(timer.Duration().Seconds())
		return result, nil
	}

	opts := executorOptions(ctx, client, cfg, cLogger)
	result.ExecResults = executor.Execute(ctx, client, plan, opts)

	if result.Failed() {
		telemetry.CyclesTotal.WithLabelValues("failed").Inc()
	} else {
		telemetry.CyclesTotal.WithLabelValues("ok").Inc()
	}
	telemetry.CycleDuration.Observe(timer.Duration().Seconds())
	return result, nil
}

// executorOptions derives C5's Options from the balancing config, fetching
// the hypervisor major version once per cycle so conntrack stripping (§4.5
// step 2) can be decided without re-deriving it inside the executor.
func executorOptions(ctx context.Context, client APIClient, cfg *config.Config, logger zerolog.Logger) executor.Options {
	opts := executor.Options{
		Parallel:           cfg.Balancing.Parallel,
		ParallelJobs:       intValue(cfg.Balancing.ParallelJobs, 5),
		Live:               boolValue(cfg.Balancing.Live, true),
		WithLocalDisks:     boolValue(cfg.Balancing.WithLocalDisks, true),
		WithConntrackState: boolValue(cfg.Balancing.WithConntrackState, true),
		MaxJobValidation:   time.Duration(intValue(cfg.Balancing.MaxJobValidation, 1800)) * time.Second,
	}
	if opts.WithConntrackState {
		version, err := client.Version(ctx)
		if err != nil {
			logger.Warn().Err(err).Msg("could not fetch hypervisor version; assuming conntrack-state unsupported")
			opts.WithConntrackState = false
		} else {
			opts.HypervisorMajor = inventory.MajorVersion(version.Version)
		}
	}
	return opts
}

func intValue(p *int, fallback int) int {
	if p == nil {
		return fallback
	}
	return *p
}

func boolValue(p *bool, fallback bool) bool {
	if p == nil {
		return fallback
	}
	return *p
}

// ClientFactory builds an APIClient from a config, called once at startup
// and again on every SIGHUP reload (a changed proxmox_api section may need
// a freshly dialed client).
type ClientFactory func(ctx context.Context, cfg *config.Config) (APIClient, error)

// Scheduler owns the daemon run loop: interval ticking, config reload, and
// graceful shutdown, around repeated RunCycle calls. It holds no cluster
// state of its own between cycles beyond the current config and client,
// following the same reload-by-atomic-swap pattern the container
// orchestrator scheduler used for its own config.
type Scheduler struct {
	mu         sync.RWMutex
	cfg        *config.Config
	cfgPath    string
	client     APIClient
	newClient  ClientFactory
	logger     zerolog.Logger
	reloadCh   chan struct{}
	shutdownCh chan struct{}
}

// New builds a Scheduler with the given starting config and client.
// cfgPath is the file Reload re-reads from disk.
func New(cfgPath string, cfg *config.Config, client APIClient, newClient ClientFactory) *Scheduler {
	return &Scheduler{
		cfg:        cfg,
		cfgPath:    cfgPath,
		client:     client,
		newClient:  newClient,
		logger:     log.WithComponent("scheduler"),
		reloadCh:   make(chan struct{}, 1),
		shutdownCh: make(chan struct{}),
	}
}

// snapshot returns the current config/client pair under read lock.
func (s *Scheduler) snapshot() (*config.Config, APIClient) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg, s.client
}

// Reload re-reads cfgPath and atomically swaps the active config and
// client, applied before the next cycle rather than mid-cycle (§4.6).
// Callers wire this to SIGHUP.
func (s *Scheduler) Reload(ctx context.Context) error {
	cfg, err := config.Load(s.cfgPath)
	if err != nil {
		return err
	}
	client, err := s.newClient(ctx, cfg)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.cfg = cfg
	s.client = client
	s.mu.Unlock()
	s.logger.Info().Str("path", s.cfgPath).Msg("configuration reloaded")
	return nil
}

// RequestReload signals a pending reload without blocking; safe to call
// from a signal handler. Run applies the reload between cycles (at the top
// of its loop, or as soon as it is signalled while Run sleeps between
// cycles), never mid-cycle.
func (s *Scheduler) RequestReload() {
	select {
	case s.reloadCh <- struct{}{}:
	default:
	}
}

// Stop initiates graceful shutdown: Run finishes its current cycle (C5
// polls each in-flight job for up to max_job_validation) and then returns.
func (s *Scheduler) Stop() {
	select {
	case <-s.shutdownCh:
	default:
		close(s.shutdownCh)
	}
}

// intervalDuration converts schedule.interval/format to a time.Duration.
func intervalDuration(sched config.Schedule) time.Duration {
	n := time.Duration(sched.Interval)
	if sched.Format == "minutes" {
		return n * time.Minute
	}
	return n * time.Hour
}

// delayDuration converts service.delay.time/format to a time.Duration.
func delayDuration(d config.Delay) time.Duration {
	n := time.Duration(d.Time)
	if d.Format == "minutes" {
		return n * time.Minute
	}
	return n * time.Hour
}

// Run executes the daemon loop (§4.6): an optional startup delay, then a
// tick-execute-sleep cycle until Stop is called or ctx is cancelled. It
// never returns an error for a single cycle's failure (that is logged and
// counted); it returns only when shutting down.
func (s *Scheduler) Run(ctx context.Context) error {
	cfg, _ := s.snapshot()
	if cfg.Service.Delay.Enable {
		delay := delayDuration(cfg.Service.Delay)
		s.logger.Info().Dur("delay", delay).Msg("startup delay before first cycle")
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		case <-s.shutdownCh:
			return nil
		}
	}

	for {
		select {
		case <-s.reloadCh:
			if err := s.Reload(ctx); err != nil {
				s.logger.Error().Err(err).Msg("configuration reload failed; continuing with previous configuration")
			}
			continue
		case <-s.shutdownCh:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		cfg, client := s.snapshot()
		if _, err := RunCycle(ctx, client, cfg, false); err != nil {
			s.logger.Error().Err(err).Msg("cycle failed")
		}

		interval := intervalDuration(cfg.Service.Schedule)
		s.logger.Info().Dur("interval", interval).Msg("cycle complete, sleeping until next tick")

		select {
		case <-time.After(interval):
		case <-s.reloadCh:
			if err := s.Reload(ctx); err != nil {
				s.logger.Error().Err(err).Msg("configuration reload failed; continuing with previous configuration")
			}
		case <-s.shutdownCh:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// RunOnce executes a single cycle outside the daemon loop, for one-shot
// mode (§4.6, §6 exit codes 0/1).
func (s *Scheduler) RunOnce(ctx context.Context, dryRun bool) (*CycleResult, error) {
	cfg, client := s.snapshot()
	return RunCycle(ctx, client, cfg, dryRun)
}
