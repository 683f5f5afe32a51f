/*
Package scheduler wires C2 (inventory) through C5 (executor) into one
balancing cycle and drives the top-level run loop around it.

# Cycle

	C6 --RunCycle--> C2 (inventory.Build) --> Cluster
	                  C3 (constraints.Compile) --> Constraints
	                  C4 (placement.Plan) --> Plan
	                  C5 (executor.Execute) --> []Result

Dry-run and an empty plan both short-circuit after C4: the plan is still
computed (and its spread_before/spread_after logged and exported to
Prometheus) but nothing is dispatched.

# Modes

One-shot (Scheduler.RunOnce) runs exactly one cycle and lets the caller pick
an exit code from the result. Daemon mode (Scheduler.Run) adds:

  - an optional startup delay (service.delay), honored once before the
    first cycle;
  - a tick-execute-sleep loop at service.schedule.interval;
  - config/client reload requested via RequestReload (wired to SIGHUP by
    the caller) and applied between cycles, never mid-cycle;
  - graceful shutdown requested via Stop (wired to SIGINT/SIGTERM), which
    lets the in-flight cycle's executor finish up to max_job_validation
    before Run returns.

Every cycle gets its own correlation id (log.WithCycle), so every log line
C2 through C5 emit for one run can be grepped together.
*/
package scheduler
