// Command plb is the Proxmox Load Balancer entrypoint: a single-purpose
// daemon/CLI (§6), not a multi-noun tool like the container-orchestrator
// teacher's `warren` binary. One root command runs a balancing cycle or the
// daemon loop around it, selected by flags rather than subcommands.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/proxlb/pkg/cluster"
	"github.com/cuemby/proxlb/pkg/config"
	"github.com/cuemby/proxlb/pkg/executor"
	"github.com/cuemby/proxlb/pkg/inventory"
	"github.com/cuemby/proxlb/pkg/log"
	"github.com/cuemby/proxlb/pkg/placement"
	"github.com/cuemby/proxlb/pkg/proxmoxapi"
	"github.com/cuemby/proxlb/pkg/scheduler"
	"github.com/cuemby/proxlb/pkg/telemetry"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build).
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// metricsAddr is where the daemon exposes /metrics, matching the teacher's
// hardcoded localhost-only metrics endpoint rather than adding a config key
// for something operators expose via their own reverse proxy if at all.
const metricsAddr = "127.0.0.1:9100"

// exitCode is set by the command body and read by main after Execute
// returns, since the CLI surface needs exit codes 0/1/2/3 (§6) rather than
// cobra's default "usage error -> 1".
var exitCode int

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		if exitCode == 0 {
			exitCode = 1
		}
	}
	os.Exit(exitCode)
}

var rootCmd = &cobra.Command{
	Use:   "plb",
	Short: "Proxmox Load Balancer - rebalances VMs and containers across a PVE cluster",
	Long: `plb inventories a Proxmox VE cluster, compiles its affinity/pin
constraints, computes a load-balancing migration plan, and executes it -
once (one-shot) or on a schedule (daemon mode).`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

func init() {
	rootCmd.Flags().StringP("config", "c", "/etc/proxlb/proxlb.yaml", "configuration file path")
	rootCmd.Flags().BoolP("dry-run", "d", false, "run inventory/constraints/placement; print the plan; do not execute")
	rootCmd.Flags().BoolP("json", "j", false, "emit the plan as JSON instead of text")
	rootCmd.Flags().BoolP("best-node", "b", false, "print the best destination node for a new guest and exit")
	rootCmd.Flags().BoolP("version", "v", false, "print version and exit")
	rootCmd.Flags().String("log-level", "", "log level override (DEBUG, INFO, WARNING, CRITICAL)")
	rootCmd.Flags().Bool("log-json", false, "emit logs as JSON lines")
}

func run(cmd *cobra.Command, args []string) error {
	versionFlag, _ := cmd.Flags().GetBool("version")
	if versionFlag {
		fmt.Printf("plb version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime)
		return nil
	}

	configPath, _ := cmd.Flags().GetString("config")
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	jsonOut, _ := cmd.Flags().GetBool("json")
	bestNode, _ := cmd.Flags().GetBool("best-node")
	logLevelFlag, _ := cmd.Flags().GetString("log-level")
	logJSON, _ := cmd.Flags().GetBool("log-json")

	cfg, err := config.Load(configPath)
	if err != nil {
		exitCode = exitCodeFor(err)
		fmt.Fprintln(os.Stderr, "Error:", err)
		return nil
	}

	level := cfg.Service.LogLevel
	if logLevelFlag != "" {
		level = logLevelFlag
	}
	log.Init(log.Config{Level: log.ParseLevel(level), JSONOutput: logJSON})
	logger := log.WithComponent("cmd")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client, err := newClient(ctx, cfg)
	if err != nil {
		exitCode = exitCodeFor(err)
		log.Critical(logger, "failed to reach proxmox api", err)
		return nil
	}

	if bestNode {
		cl, err := inventory.Build(ctx, client, cfg)
		if err != nil {
			exitCode = exitCodeFor(err)
			log.Critical(logger, "inventory build failed", err)
			return nil
		}
		node, err := placement.BestNode(cl)
		if err != nil {
			exitCode = 1
			log.Critical(logger, "no candidate node", err)
			return nil
		}
		fmt.Println(node)
		return nil
	}

	daemon := true
	if cfg.Service.Daemon != nil {
		daemon = *cfg.Service.Daemon
	}
	oneShot := dryRun || jsonOut || !daemon

	if oneShot {
		result, err := scheduler.RunCycle(ctx, client, cfg, dryRun)
		if err != nil {
			exitCode = exitCodeFor(err)
			log.Critical(logger, "cycle aborted", err)
			return nil
		}
		printResult(result, jsonOut)
		if result.Failed() {
			exitCode = 1
		}
		return nil
	}

	runDaemon(ctx, cancel, configPath, cfg, client, logger)
	return nil
}

func newClient(ctx context.Context, cfg *config.Config) (*proxmoxapi.Client, error) {
	api := cfg.ProxmoxAPI
	return proxmoxapi.New(ctx, proxmoxapi.Config{
		Hosts:           api.Hosts,
		User:            api.User,
		Pass:            api.Pass,
		TokenID:         api.TokenID,
		TokenSecret:     api.TokenSecret,
		SSLVerification: derefBool(api.SSLVerification, true),
		Timeout:         time.Duration(derefInt(api.Timeout, 10)) * time.Second,
		Retries:         derefInt(api.Retries, 1),
		WaitTime:        time.Duration(derefInt(api.WaitTime, 1)) * time.Second,
	})
}

func derefBool(p *bool, fallback bool) bool {
	if p == nil {
		return fallback
	}
	return *p
}

func derefInt(p *int, fallback int) int {
	if p == nil {
		return fallback
	}
	return *p
}

// runDaemon wires SIGHUP to Scheduler.RequestReload and SIGINT/SIGTERM to
// Scheduler.Stop, starts the metrics endpoint, and blocks until the
// scheduler loop returns (§4.6, §5 cancellation).
func runDaemon(ctx context.Context, cancel context.CancelFunc, configPath string, cfg *config.Config, client scheduler.APIClient, logger zerolog.Logger) {
	sched := scheduler.New(configPath, cfg, client, newSchedulerClient)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		for sig := range sigCh {
			switch sig {
			case syscall.SIGHUP:
				logger.Info().Msg("SIGHUP received, requesting config reload")
				sched.RequestReload()
			default:
				logger.Info().Str("signal", sig.String()).Msg("shutdown signal received")
				sched.Stop()
				return
			}
		}
	}()

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", telemetry.Handler())
		logger.Info().Str("addr", metricsAddr).Msg("metrics endpoint listening")
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			logger.Warn().Err(err).Msg("metrics server stopped")
		}
	}()

	if err := sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		exitCode = 1
		log.Critical(logger, "scheduler loop exited with error", err)
	}
	signal.Stop(sigCh)
	cancel()
}

// newSchedulerClient is the scheduler.ClientFactory used for SIGHUP reload:
// a changed proxmox_api section needs a freshly dialed client.
func newSchedulerClient(ctx context.Context, cfg *config.Config) (scheduler.APIClient, error) {
	return newClient(ctx, cfg)
}

type planJSON struct {
	Plan         []moveJSON `json:"plan"`
	SpreadBefore float64    `json:"spread_before"`
	SpreadAfter  float64    `json:"spread_after"`
	Method       string     `json:"method"`
	Mode         string     `json:"mode"`
}

type moveJSON struct {
	ID        int    `json:"id"`
	Kind      string `json:"kind"`
	From      string `json:"from"`
	To        string `json:"to"`
	Weight    int    `json:"weight"`
	Dimension string `json:"dimension"`
	Reason    string `json:"reason"`
}

func printResult(result *scheduler.CycleResult, jsonOut bool) {
	plan := result.Plan
	if jsonOut {
		out := planJSON{
			SpreadBefore: plan.SpreadBefore,
			SpreadAfter:  plan.SpreadAfter,
			Method:       string(plan.Method),
			Mode:         string(plan.Mode),
		}
		for _, mv := range plan.Moves {
			out.Plan = append(out.Plan, moveJSON{
				ID:        mv.GuestID,
				Kind:      string(mv.Kind),
				From:      mv.From,
				To:        mv.To,
				Weight:    int(mv.Weight),
				Dimension: string(mv.Dimension),
				Reason:    mv.Rationale,
			})
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(out)
		return
	}

	fmt.Printf("cycle %s: %d move(s), spread %.2f%% -> %.2f%% (%s/%s)\n",
		result.CycleID, len(plan.Moves), plan.SpreadBefore, plan.SpreadAfter, plan.Method, plan.Mode)
	for _, mv := range plan.Moves {
		fmt.Printf("  %s %d: %s -> %s (weight %.0f, %s) - %s\n", mv.Kind, mv.GuestID, mv.From, mv.To, mv.Weight, mv.Dimension, mv.Rationale)
	}
	for _, w := range result.Warnings {
		fmt.Printf("  warning: %v\n", w)
	}
	for _, r := range result.ExecResults {
		if r.Outcome != executor.OutcomeOK {
			fmt.Printf("  failed: guest %d %s -> %s: %s\n", r.Move.GuestID, r.Move.From, r.Move.To, r.Reason)
		}
	}
}

func exitCodeFor(err error) int {
	var configErr *cluster.ConfigError
	var authErr *cluster.AuthError
	switch {
	case errors.As(err, &configErr):
		return 2
	case errors.As(err, &authErr):
		return 3
	default:
		return 1
	}
}
