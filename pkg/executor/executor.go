// Package executor dispatches a Plan's moves against the hypervisor API
// (C5, §4.5): per-move live/offline/shutdown-move-start protocol selection,
// task-status polling with a hard per-job ceiling, HA-wrapped child task
// resolution, and sequential or bounded-parallel concurrency that preserves
// plan order.
package executor

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/proxlb/pkg/cluster"
	"github.com/cuemby/proxlb/pkg/log"
	"github.com/cuemby/proxlb/pkg/proxmoxapi"
	"github.com/cuemby/proxlb/pkg/telemetry"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

// minConntrackMajor is the lowest hypervisor major version that supports
// with-conntrack-state migrations (§4.5 step 2).
const minConntrackMajor = 9

// pollInterval is the fixed cadence task_status is polled at (§4.5 step 3).
const pollInterval = 1 * time.Second

// APIClient is the narrow surface the executor needs from the hypervisor
// API, satisfied by *proxmoxapi.Client and substitutable with a fake in
// tests (mirrors the same pattern inventory.APIClient uses).
type APIClient interface {
	Migrate(ctx context.Context, node string, kind cluster.Kind, vmid int, target string, opts proxmoxapi.MigrateOptions) (string, error)
	TaskStatus(ctx context.Context, node, upid string) (proxmoxapi.TaskStatusInfo, error)
	TaskChildren(ctx context.Context, node, upid string) ([]string, error)
}

// Options configures one Execute call (§4.5 Contract).
type Options struct {
	Parallel           bool
	ParallelJobs       int
	Live               bool
	WithLocalDisks     bool
	WithConntrackState bool
	MaxJobValidation   time.Duration
	HypervisorMajor    int // 0 means unknown; conntrack is stripped only when known and below minConntrackMajor
}

// Outcome classifies a move's terminal result (§4.5 Contract output).
type Outcome string

const (
	OutcomeOK      Outcome = "ok"
	OutcomeFailed  Outcome = "failed"
	OutcomeSkipped Outcome = "skipped"
)

// Result is one move's dispatch outcome.
type Result struct {
	Move    cluster.Move
	Outcome Outcome
	Reason  string
	Err     error
}

// Execute dispatches every move in plan per opts. In sequential mode it
// waits for each job's terminal status before dispatching the next; in
// parallel mode it keeps at most opts.ParallelJobs jobs in flight while
// preserving plan order for dispatch (§4.5 Concurrency model). It never
// aborts the remainder of the plan on a single move's failure.
func Execute(ctx context.Context, client APIClient, plan *cluster.Plan, opts Options) []Result {
	logger := log.WithComponent("executor")
	results := make([]Result, len(plan.Moves))

	conntrackAllowed := opts.WithConntrackState
	var warnOnce sync.Once
	if opts.WithConntrackState && opts.HypervisorMajor > 0 && opts.HypervisorMajor < minConntrackMajor {
		conntrackAllowed = false
		warnOnce.Do(func() {
			logger.Warn().Int("hypervisor_major", opts.HypervisorMajor).
				Msg("with_conntrack_state requires hypervisor major >= 9; stripping flag for this cycle")
		})
	}

	if !opts.Parallel || opts.ParallelJobs <= 1 {
		for i, mv := range plan.Moves {
			if ctx.Err() != nil {
				results[i] = Result{Move: mv, Outcome: OutcomeSkipped, Reason: "execution cancelled before dispatch"}
				continue
			}
			results[i] = dispatchOne(ctx, client, logger, mv, opts, conntrackAllowed, nil)
		}
		return results
	}

	sem := semaphore.NewWeighted(int64(opts.ParallelJobs))
	var wg sync.WaitGroup
	for i, mv := range plan.Moves {
		i, mv := i, mv
		if err := sem.Acquire(ctx, 1); err != nil {
			// Context cancelled while waiting for a slot: drain the rest of
			// the plan as skipped without dispatching anything new.
			results[i] = Result{Move: mv, Outcome: OutcomeSkipped, Reason: "execution cancelled before dispatch"}
			continue
		}
		wg.Add(1)
		dispatched := make(chan struct{})
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			results[i] = dispatchOne(ctx, client, logger, mv, opts, conntrackAllowed, dispatched)
		}()
		// Wait until this move's migrate call has returned before
		// dispatching the next one, so dispatch follows plan order.
		<-dispatched
	}
	wg.Wait()
	return results
}

func dispatchOne(ctx context.Context, client APIClient, logger zerolog.Logger, mv cluster.Move, opts Options, conntrackAllowed bool, dispatched chan<- struct{}) Result {
	timer := telemetry.NewTimer()
	moveLogger := logger.With().Int("guest", mv.GuestID).Str("from", mv.From).Str("to", mv.To).Logger()
	moveLogger.Info().Msg("dispatching migration")

	migrateOpts := proxmoxapi.MigrateOptions{
		Live:               opts.Live,
		WithLocalDisks:     opts.WithLocalDisks,
		WithConntrackState: conntrackAllowed,
		Running:            mv.Running,
	}

	upid, err := client.Migrate(ctx, mv.From, mv.Kind, mv.GuestID, mv.To, migrateOpts)
	if dispatched != nil {
		close(dispatched)
	}
	if err != nil {
		moveLogger.Error().Err(err).Msg("migrate dispatch failed")
		telemetry.MovesDispatched.WithLabelValues("failed").Inc()
		return Result{Move: mv, Outcome: OutcomeFailed, Reason: "dispatch error", Err: &cluster.MigrationError{GuestID: mv.GuestID, Reason: "dispatch", Err: err}}
	}

	// Every dispatched UPID is treated as a potential HA wrapper: if HA owns
	// the guest, the returned task is the resource-manager's own job and
	// the real migration worker only shows up as its child a moment later
	// (§4.5 step 3, §4.1 task_children). Guests not under HA simply never
	// report a child, so this resolution attempt is a correct no-op there.
	handle := cluster.JobHandle{UPID: upid, Parent: true}
	result := poll(ctx, client, moveLogger, mv, handle, opts.MaxJobValidation)
	telemetry.MigrationDuration.WithLabelValues(string(mv.Kind)).Observe(timer.Duration().Seconds())
	telemetry.MovesDispatched.WithLabelValues(string(result.Outcome)).Inc()
	return result
}

// poll resolves the handle (following an HA-wrapped child task if any) and
// polls task_status every pollInterval until terminal or until deadline
// elapses (§4.5 step 3).
func poll(ctx context.Context, client APIClient, logger zerolog.Logger, mv cluster.Move, handle cluster.JobHandle, deadline time.Duration) Result {
	if deadline <= 0 {
		deadline = 30 * time.Minute
	}
	pollCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	handle = resolveChild(pollCtx, client, mv.From, handle)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		upid := handle.Resolved()
		status, err := client.TaskStatus(pollCtx, mv.From, upid)
		if err != nil {
			// Transient read failures during polling are not fatal to the
			// move; keep polling until the deadline.
			logger.Debug().Err(err).Msg("task_status poll error, retrying")
		} else if status.Status == "stopped" {
			if status.ExitStatus == "OK" || status.ExitStatus == "" {
				logger.Info().Msg("migration succeeded")
				return Result{Move: mv, Outcome: OutcomeOK}
			}
			logger.Warn().Str("exit_status", status.ExitStatus).Msg("migration task reported failure")
			return Result{Move: mv, Outcome: OutcomeFailed, Reason: status.ExitStatus, Err: &cluster.MigrationError{GuestID: mv.GuestID, Reason: status.ExitStatus}}
		}

		// Re-resolve the child periodically: HA may only spawn the real
		// worker a moment after accepting the wrapper task.
		if handle.Child == "" {
			handle = resolveChild(pollCtx, client, mv.From, handle)
		}

		select {
		case <-pollCtx.Done():
			logger.Warn().Msg("migration poll deadline exceeded; job left running on hypervisor")
			return Result{Move: mv, Outcome: OutcomeFailed, Reason: "timeout", Err: &cluster.MigrationError{GuestID: mv.GuestID, Reason: "poll timeout", Err: pollCtx.Err()}}
		case <-ticker.C:
		}
	}
}

// resolveChild follows task_children once to find the real worker UPID
// behind an HA wrapper task, leaving handle unchanged if there is none yet.
func resolveChild(ctx context.Context, client APIClient, node string, handle cluster.JobHandle) cluster.JobHandle {
	if handle.Child != "" {
		return handle
	}
	children, err := client.TaskChildren(ctx, node, handle.UPID)
	if err != nil || len(children) == 0 {
		return handle
	}
	handle.Child = children[0]
	return handle
}
