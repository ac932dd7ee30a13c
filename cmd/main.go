// Package main provides the rollouts CLI.
//
// generate populates the trajectory queue for one iteration and plays every
// job against the configured serving endpoint, writing the finished
// trajectories as JSONL. validate loads and materializes a run's
// configuration without dispatching anything.
//
// Usage:
//
//	rollouts generate --config run.yaml --iteration 3
//	rollouts generate --config run.yaml --iteration 3 --eval --out results/
//	rollouts validate --config run.yaml
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/jeeves-cluster-organization/rolloutengine/coreengine/agents"
	"github.com/jeeves-cluster-organization/rolloutengine/coreengine/backend"
	"github.com/jeeves-cluster-organization/rolloutengine/coreengine/config"
	"github.com/jeeves-cluster-organization/rolloutengine/coreengine/observability"
	"github.com/jeeves-cluster-organization/rolloutengine/coreengine/queue"
	"github.com/jeeves-cluster-organization/rolloutengine/coreengine/runtime"
	"github.com/jeeves-cluster-organization/rolloutengine/coreengine/trajectory"
	"github.com/jeeves-cluster-organization/rolloutengine/events"
)

// stdLogger adapts the standard log package to the engine's logging
// interfaces. Bound fields are prepended to every line.
type stdLogger struct {
	verbose bool
	fields  []any
}

func (l *stdLogger) log(level, msg string, keysAndValues ...any) {
	if len(l.fields) > 0 {
		keysAndValues = append(append([]any{}, l.fields...), keysAndValues...)
	}
	log.Printf("[%s] %s %v", level, msg, keysAndValues)
}

func (l *stdLogger) Debug(msg string, keysAndValues ...any) {
	if l.verbose {
		l.log("DEBUG", msg, keysAndValues...)
	}
}

func (l *stdLogger) Info(msg string, keysAndValues ...any)  { l.log("INFO", msg, keysAndValues...) }
func (l *stdLogger) Warn(msg string, keysAndValues ...any)  { l.log("WARN", msg, keysAndValues...) }
func (l *stdLogger) Error(msg string, keysAndValues ...any) { l.log("ERROR", msg, keysAndValues...) }

func (l *stdLogger) Bind(fields ...any) agents.Logger {
	bound := append(append([]any{}, l.fields...), fields...)
	return &stdLogger{verbose: l.verbose, fields: bound}
}

type generateOptions struct {
	configPath   string
	iteration    int
	eval         bool
	outDir       string
	otlpEndpoint string
	metricsAddr  string
	verbose      bool
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var verbose bool

	root := &cobra.Command{
		Use:           "rollouts",
		Short:         "Parallel conversational rollout generation",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(newGenerateCommand(&verbose))
	root.AddCommand(newValidateCommand())
	return root
}

func newGenerateCommand(verbose *bool) *cobra.Command {
	opts := &generateOptions{}

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Populate the queue for one iteration and play every rollout",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.verbose = *verbose
			return runGenerate(cmd, opts)
		},
	}
	cmd.Flags().StringVar(&opts.configPath, "config", "", "run config file (required)")
	cmd.Flags().IntVar(&opts.iteration, "iteration", 0, "training iteration of this pass")
	cmd.Flags().BoolVar(&opts.eval, "eval", false, "run a wide, shallow evaluation pass")
	cmd.Flags().StringVar(&opts.outDir, "out", "trajectories", "output directory for JSONL files")
	cmd.Flags().StringVar(&opts.otlpEndpoint, "otlp-endpoint", "", "OTLP/gRPC collector endpoint for traces")
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "address to serve Prometheus metrics on")
	cmd.MarkFlagRequired("config")
	return cmd
}

func runGenerate(cmd *cobra.Command, opts *generateOptions) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := &stdLogger{verbose: opts.verbose}

	cfg, err := config.LoadRunConfig(opts.configPath)
	if err != nil {
		return err
	}

	if opts.otlpEndpoint != "" {
		shutdown, err := observability.InitTracer("rollout-engine", opts.otlpEndpoint)
		if err != nil {
			return fmt.Errorf("initializing tracing: %w", err)
		}
		defer shutdown(context.Background())
	}
	if opts.metricsAddr != "" {
		serveMetrics(opts.metricsAddr, logger)
	}

	bus := events.NewInMemoryEventBus(logger)
	unbind := observability.BindEventMetrics(bus)
	defer unbind()
	bindProgressLogging(bus, logger)

	client, err := backend.NewClient(backend.ClientConfigFromMap(cfg.Backend), nil,
		backend.WithLogger(logger), backend.WithEventBus(bus))
	if err != nil {
		return fmt.Errorf("building llm client: %w", err)
	}

	builder, err := runtime.NewJobBuilder(cfg, client, logger)
	if err != nil {
		return err
	}
	q, err := queue.NewTrajectoryQueue(cfg, builder,
		queue.WithLogger(logger), queue.WithEventBus(bus))
	if err != nil {
		return err
	}
	if _, err := q.Populate(ctx, opts.iteration, opts.eval); err != nil {
		return err
	}

	runner, err := runtime.NewRunner(cfg, q,
		runtime.WithLogger(logger), runtime.WithEventBus(bus))
	if err != nil {
		return err
	}

	report, runErr := runner.Run(ctx)
	if runErr != nil {
		logger.Warn("run_interrupted", "error", runErr.Error())
	}

	outPath, err := writeTrajectories(opts.outDir, opts.iteration, opts.eval, report.Trajectories)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "pass finished: %d completed, %d failed\n", report.Completed, report.Failed)
	fmt.Fprintf(out, "llm calls: %d (%d prompt tokens, %d completion tokens, %d retries)\n",
		report.Usage.LLMCalls, report.Usage.PromptTokens, report.Usage.CompletionTokens, report.Usage.Retries)
	fmt.Fprintf(out, "wall time: %dms\n", report.DurationMS)
	fmt.Fprintf(out, "trajectories written to %s\n", outPath)

	// An interrupted pass still writes its partial results, but the exit
	// code reports the interruption.
	return runErr
}

func newValidateCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Load and materialize a run's configuration without dispatching",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(cmd, configPath)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "run config file (required)")
	cmd.MarkFlagRequired("config")
	return cmd
}

func runValidate(cmd *cobra.Command, configPath string) error {
	cfg, err := config.LoadRunConfig(configPath)
	if err != nil {
		return err
	}
	master, envs, err := config.LoadEnvironmentClass(cfg.ClassDir(), cfg.Envs)
	if err != nil {
		return err
	}

	names := make([]string, 0, len(envs))
	for name := range envs {
		names = append(names, name)
	}
	if _, err := queue.ComputeAllocation(cfg.EnvFractions, names, cfg.NSubenvsPerEnv); err != nil {
		return err
	}

	// Materialize every sub-environment once so template and collaborator
	// defects surface here instead of mid-run.
	rng := rand.New(rand.NewSource(1))
	subenvs := 0
	for name, env := range envs {
		for _, id := range env.SubenvOrder {
			if _, err := config.MaterializeSubenv(master, env, id, rng); err != nil {
				return fmt.Errorf("environment '%s': %w", name, err)
			}
			subenvs++
		}
	}

	fmt.Fprintf(cmd.OutOrStdout(), "run config ok: class %s, %d environments, %d sub-environments, %d states\n",
		cfg.EnvClass, len(envs), subenvs, len(master.StateConfig))
	return nil
}

// bindProgressLogging logs run progress off the event lane.
func bindProgressLogging(bus events.Bus, logger *stdLogger) {
	bus.Subscribe(events.TypeQueuePopulated, func(_ context.Context, event events.Event) error {
		if populated, ok := event.(*events.QueuePopulated); ok {
			logger.Info("pass_populated",
				"iteration", populated.Iteration,
				"eval", populated.Eval,
				"jobs", populated.JobCount,
			)
		}
		return nil
	})
	bus.Subscribe(events.TypeTrajectoryCompleted, func(_ context.Context, event events.Event) error {
		if completed, ok := event.(*events.TrajectoryCompleted); ok {
			logger.Info("trajectory_completed",
				"env", completed.EnvName,
				"subenv", completed.SubenvID,
				"turns", completed.Turns,
				"duration_ms", completed.DurationMS,
			)
		}
		return nil
	})
	bus.Subscribe(events.TypeTrajectoryFailed, func(_ context.Context, event events.Event) error {
		if failed, ok := event.(*events.TrajectoryFailed); ok {
			logger.Warn("trajectory_failed",
				"env", failed.EnvName,
				"subenv", failed.SubenvID,
				"error", failed.Error,
			)
		}
		return nil
	})
}

// serveMetrics exposes the Prometheus registry on addr in the background.
func serveMetrics(addr string, logger *stdLogger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		logger.Info("metrics_listening", "addr", addr)
		if err := http.ListenAndServe(addr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics_server_failed", "error", err.Error())
		}
	}()
}

func writeTrajectories(dir string, iteration int, eval bool, trajectories []*trajectory.Trajectory) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating output directory: %w", err)
	}
	name := fmt.Sprintf("rollouts_iter%03d.jsonl", iteration)
	if eval {
		name = fmt.Sprintf("rollouts_iter%03d_eval.jsonl", iteration)
	}
	path := filepath.Join(dir, name)

	writer, err := trajectory.NewWriter(path)
	if err != nil {
		return "", err
	}
	for _, traj := range trajectories {
		if err := writer.Write(traj); err != nil {
			writer.Close()
			return "", err
		}
	}
	if err := writer.Close(); err != nil {
		return "", err
	}
	return path, nil
}
