// ============================================================================
// Trolley CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra front end for running a batch of jobs and inspecting the
//          checkpoint it leaves behind
//
// Command Structure:
//   trolley                        # Root command
//   ├── run                        # Run job 0..N-1 on S slots
//   ├── status                     # Summarise a checkpoint file
//   ├── jobs                       # List registered job names
//   ├── --config, -c               # Config file (default: configs/default.yaml)
//   ├── --log-level                # debug, info, warn, error
//   └── --version
//
// Configuration Management:
//   YAML config file with sections:
//   - run:      job, counts, timeout, checkpoint, retries, poll interval
//   - sample:   shared context handed to every job
//   - progress: live progress bars on stderr
//   - metrics:  Prometheus /metrics endpoint
//   - status:   gRPC health endpoint reporting per-slot progress
//   - log:      log level
//   Flags explicitly set on the command line override the file. A missing
//   default config file is not an error; built-in defaults apply.
//
// run Command:
//   1. Load config, apply flag overrides
//   2. Start metrics and status servers (if enabled)
//   3. Run the scheduler until every job has terminated
//   4. SIGINT / SIGTERM cancel the run and kill in-flight job processes
//   5. Print outcome counts
//
//   Examples:
//     trolley run --job sha256 --jobs 100 --slots 8 --timeout 30s
//     trolley run -c configs/default.yaml --checkpoint run.json
//
// status Command:
//   Reads a checkpoint and prints one row per slot.
//
//   Examples:
//     trolley status --checkpoint run.json
//
// ============================================================================

package cli

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/x/term"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/trolley/internal/metrics"
	"github.com/ChuLiYu/trolley/internal/progress"
	_ "github.com/ChuLiYu/trolley/internal/sample" // registers the sample jobs
	"github.com/ChuLiYu/trolley/internal/scheduler"
	"github.com/ChuLiYu/trolley/internal/snapshot"
	"github.com/ChuLiYu/trolley/internal/statusserver"
	"github.com/ChuLiYu/trolley/internal/worker"
	"github.com/ChuLiYu/trolley/pkg/types"
)

// Config represents the complete configuration file
// Maps config file fields through YAML tags
type Config struct {
	Run struct {
		Job           string        `yaml:"job"`
		Jobs          int           `yaml:"jobs"`
		Slots         int           `yaml:"slots"`
		Timeout       time.Duration `yaml:"timeout"`
		Checkpoint    string        `yaml:"checkpoint"`
		ValidateFirst bool          `yaml:"validate_first"`
		Retries       int           `yaml:"retries"`
		PollInterval  time.Duration `yaml:"poll_interval"`
	} `yaml:"run"`

	// Sample is passed to every job as its shared context.
	Sample map[string]any `yaml:"sample"`

	Progress struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"progress"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	Status struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"status"`

	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
}

// defaultConfig is used when the default config file does not exist.
func defaultConfig() *Config {
	cfg := &Config{}
	cfg.Run.Job = "sha256"
	cfg.Run.Jobs = 100
	cfg.Run.Slots = 4
	cfg.Run.PollInterval = scheduler.DefaultPollInterval
	cfg.Progress.Enabled = true
	cfg.Metrics.Port = 9090
	cfg.Status.Port = 50051
	cfg.Log.Level = "info"
	return cfg
}

var (
	configFile string
	logLevel   string
)

// runFlags holds the run command's overrides.
type runFlags struct {
	job           string
	jobs          int
	slots         int
	timeout       time.Duration
	checkpoint    string
	validateFirst bool
	retries       int
	pollInterval  time.Duration
	verbose       bool
	noProgress    bool
}

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "trolley",
		Short: "Trolley: run indexed jobs on a pool of isolated worker processes",
		Long: `Trolley distributes jobs 0..N-1 over a fixed number of slots with:
- one isolated subprocess per job
- per-job wall-clock timeouts
- live progress and a JSON checkpoint of every job's state`,
		Version:      "1.0.0",
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error (overrides config)")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildJobsCommand())

	return rootCmd
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand() *cobra.Command {
	var f runFlags

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a run of jobs across worker slots",
		Long:  "Run job indices 0..N-1 of a registered job across worker slots, one subprocess per job",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadRunConfig(cmd)
			if err != nil {
				return err
			}
			applyRunFlags(cmd, cfg, &f)
			return runJobs(cmd, cfg, f.verbose)
		},
	}

	cmd.Flags().StringVar(&f.job, "job", "", "registered job name (see 'trolley jobs')")
	cmd.Flags().IntVar(&f.jobs, "jobs", 0, "number of jobs (indices 0..N-1)")
	cmd.Flags().IntVar(&f.slots, "slots", 0, "number of parallel worker slots")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 0, "per-job timeout, 0 for none")
	cmd.Flags().StringVar(&f.checkpoint, "checkpoint", "", "checkpoint file path")
	cmd.Flags().BoolVar(&f.validateFirst, "validate-first", false, "run job 0 in-process before starting the slots")
	cmd.Flags().IntVar(&f.retries, "retries", 0, "extra attempts for a job that times out or fails")
	cmd.Flags().DurationVar(&f.pollInterval, "poll-interval", 0, "progress and checkpoint cadence")
	cmd.Flags().BoolVarP(&f.verbose, "verbose", "v", false, "log every job start and finish")
	cmd.Flags().BoolVar(&f.noProgress, "no-progress", false, "disable progress bars")

	return cmd
}

// loadRunConfig loads the config file, falling back to defaults when the
// default path does not exist.
func loadRunConfig(cmd *cobra.Command) (*Config, error) {
	cfg, err := loadConfig(configFile)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) && !cmd.Flags().Changed("config") {
			return defaultConfig(), nil
		}
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func applyRunFlags(cmd *cobra.Command, cfg *Config, f *runFlags) {
	flags := cmd.Flags()
	if flags.Changed("job") {
		cfg.Run.Job = f.job
	}
	if flags.Changed("jobs") {
		cfg.Run.Jobs = f.jobs
	}
	if flags.Changed("slots") {
		cfg.Run.Slots = f.slots
	}
	if flags.Changed("timeout") {
		cfg.Run.Timeout = f.timeout
	}
	if flags.Changed("checkpoint") {
		cfg.Run.Checkpoint = f.checkpoint
	}
	if flags.Changed("validate-first") {
		cfg.Run.ValidateFirst = f.validateFirst
	}
	if flags.Changed("retries") {
		cfg.Run.Retries = f.retries
	}
	if flags.Changed("poll-interval") {
		cfg.Run.PollInterval = f.pollInterval
	}
	if f.noProgress {
		cfg.Progress.Enabled = false
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
}

func runJobs(cmd *cobra.Command, cfg *Config, verbose bool) error {
	logger, err := newLogger(cmd.ErrOrStderr(), cfg.Log.Level, verbose)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	startedAt := time.Now()

	var observers []scheduler.Observer
	opts := []scheduler.Option{
		scheduler.WithLogger(logger),
		scheduler.WithStartedAt(startedAt),
	}

	if cfg.Progress.Enabled {
		w := cmd.ErrOrStderr()
		observers = append(observers, progress.New(w, startedAt, progress.WithInPlace(isTerminal(w))))
	}

	if cfg.Metrics.Enabled {
		// One registry per run, so repeated runs in a process do not collide
		// on the default registerer.
		reg := prometheus.NewRegistry()
		collector := metrics.NewCollector(reg)
		observers = append(observers, collector)
		opts = append(opts, scheduler.WithRecorder(collector))

		go func() {
			logger.Info("Starting metrics server", "port", cfg.Metrics.Port)
			if err := metrics.StartServer(cfg.Metrics.Port, reg); err != nil {
				logger.Error("Metrics server error", "error", err)
			}
		}()
	}

	if cfg.Status.Enabled {
		srv := statusserver.New()
		observers = append(observers, srv)
		defer srv.Stop()

		go func() {
			addr := fmt.Sprintf(":%d", cfg.Status.Port)
			logger.Info("Starting status server", "addr", addr)
			if err := srv.ListenAndServe(addr); err != nil {
				logger.Error("Status server error", "error", err)
			}
		}()
	}

	opts = append(opts, scheduler.WithObservers(observers...))

	runCfg := scheduler.Config{
		JobCount:       cfg.Run.Jobs,
		SlotCount:      cfg.Run.Slots,
		Timeout:        cfg.Run.Timeout,
		CheckpointPath: cfg.Run.Checkpoint,
		PollInterval:   cfg.Run.PollInterval,
		ValidateFirst:  cfg.Run.ValidateFirst,
		MaxRetries:     cfg.Run.Retries,
	}

	s, err := scheduler.New(runCfg, worker.JobRef{Name: cfg.Run.Job}, worker.Context(cfg.Sample), opts...)
	if err != nil {
		return err
	}

	if err := s.Run(ctx); err != nil {
		return err
	}

	counts := s.Counts()
	fmt.Fprintf(cmd.OutOrStdout(), "run %s: %d completed, %d timed out, %d failed in %s\n",
		s.RunID(),
		counts[types.OutcomeCompleted],
		counts[types.OutcomeTimedOut],
		counts[types.OutcomeFailed],
		time.Since(startedAt).Truncate(time.Millisecond))

	return nil
}

// newLogger builds the stderr text logger. verbose forces debug.
func newLogger(w io.Writer, level string, verbose bool) (*slog.Logger, error) {
	var lvl slog.Level
	if level != "" {
		if err := lvl.UnmarshalText([]byte(level)); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", level, err)
		}
	}
	if verbose {
		lvl = slog.LevelDebug
	}

	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})), nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(f.Fd())
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand() *cobra.Command {
	var checkpoint string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the status recorded in a checkpoint",
		Long:  "Read a checkpoint file and print per-slot job counts and outcomes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := checkpoint
			if path == "" {
				cfg, err := loadRunConfig(cmd)
				if err != nil {
					return err
				}
				path = cfg.Run.Checkpoint
			}
			if path == "" {
				return fmt.Errorf("no checkpoint path (use --checkpoint or set run.checkpoint)")
			}
			return showStatus(cmd.OutOrStdout(), path)
		},
	}

	cmd.Flags().StringVar(&checkpoint, "checkpoint", "", "checkpoint file path (default: run.checkpoint from config)")

	return cmd
}

func showStatus(w io.Writer, path string) error {
	cp, err := snapshot.NewManager(path).Load()
	if err != nil {
		return err
	}

	slots := make([]string, 0, len(cp))
	for slot := range cp {
		slots = append(slots, slot)
	}
	sort.Slice(slots, func(i, j int) bool {
		a, errA := strconv.Atoi(slots[i])
		b, errB := strconv.Atoi(slots[j])
		if errA != nil || errB != nil {
			return slots[i] < slots[j]
		}
		return a < b
	})

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join([]string{"SLOT", "PENDING", "RUNNING", "TERMINATED", "COMPLETED", "TIMED_OUT", "FAILED"}, "\t"))

	var total types.BriefStatus
	totalOutcomes := map[types.Outcome]int{}
	for _, slot := range slots {
		entries := cp[slot]
		b := types.Brief(entries)
		outcomes := types.OutcomeCounts(entries)

		total.Pending += b.Pending
		total.Running += b.Running
		total.Terminated += b.Terminated
		for k, v := range outcomes {
			totalOutcomes[k] += v
		}

		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\t%d\n", slot,
			b.Pending, b.Running, b.Terminated,
			outcomes[types.OutcomeCompleted], outcomes[types.OutcomeTimedOut], outcomes[types.OutcomeFailed])
	}

	fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\t%d\n", "total",
		total.Pending, total.Running, total.Terminated,
		totalOutcomes[types.OutcomeCompleted], totalOutcomes[types.OutcomeTimedOut], totalOutcomes[types.OutcomeFailed])

	return tw.Flush()
}

// ============================================================================
// jobs
// ============================================================================

func buildJobsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "jobs",
		Short: "List registered jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, name := range worker.Names() {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		},
	}
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	return cfg, nil
}
