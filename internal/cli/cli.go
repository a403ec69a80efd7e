package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strconv"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/specialistvlad/rendergrid/internal/app"
	"github.com/specialistvlad/rendergrid/internal/config"
	"github.com/specialistvlad/rendergrid/internal/ctxlog"
)

// ExitError is a custom error type that includes a specific exit code.
type ExitError struct {
	Code    int
	Message string
}

// Error implements the error interface for ExitError.
func (e *ExitError) Error() string {
	return e.Message
}

// exitCodeConfig is used for invalid flags and configuration.
const exitCodeConfig = 2

type flags struct {
	configPath string
	logLevel   string
	logFormat  string
	port       int
	cluster    bool
}

// Options carries the process streams and test seams into the commands.
type Options struct {
	Stdout io.Writer
	Stderr io.Writer
	// App is passed to app.New with Stdout and Stderr filled in.
	App app.Options
}

// NewCommand builds the rendergrid command tree.
func NewCommand(opts Options) *cobra.Command {
	var f flags

	root := &cobra.Command{
		Use:   "rendergrid",
		Short: "Batch server-side render server",
		Long: `rendergrid renders batches of JavaScript components to HTML over HTTP.

Components are CommonJS bundles loaded into isolated script contexts. Each
POST to the batch endpoint renders every job in the body and returns the
markup keyed by job token.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, &f)
			if err != nil {
				return err
			}
			appOpts := opts.App
			appOpts.WorkerArgs = workerArgs(cmd, &f)
			return runApp(cmd.Context(), cfg, opts, appOpts, func(a *app.App, ctx context.Context) int {
				return a.Run(ctx)
			})
		},
	}
	root.SetOut(opts.Stdout)
	root.SetErr(opts.Stderr)
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &ExitError{Code: exitCodeConfig, Message: err.Error()}
	})

	pf := root.PersistentFlags()
	pf.StringVarP(&f.configPath, "config", "c", "", "Path to the HCL configuration file.")
	pf.StringVar(&f.logLevel, "log-level", "", "Override log.level. Options: 'debug', 'info', 'warn', 'error'.")
	pf.StringVar(&f.logFormat, "log-format", "", "Override log.format. Options: 'text' or 'json'.")
	root.Flags().IntVarP(&f.port, "port", "p", 0, "Override server.port.")
	root.Flags().BoolVar(&f.cluster, "cluster", false, "Run a coordinator with a pool of worker processes.")

	root.AddCommand(newWorkerCommand(opts, &f))
	return root
}

func newWorkerCommand(opts Options, f *flags) *cobra.Command {
	var id int
	cmd := &cobra.Command{
		Use:    "worker",
		Short:  "Serve as a worker of a coordinator",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if id <= 0 {
				return &ExitError{Code: exitCodeConfig, Message: "worker: --id must be positive"}
			}
			cfg, err := loadConfig(cmd, f)
			if err != nil {
				return err
			}
			return runApp(cmd.Context(), cfg, opts, opts.App, func(a *app.App, ctx context.Context) int {
				return a.RunWorker(ctx, id)
			})
		},
	}
	cmd.Flags().IntVar(&id, "id", 0, "Worker id assigned by the coordinator.")
	return cmd
}

// loadConfig reads the config file and applies the flags that were set.
func loadConfig(cmd *cobra.Command, f *flags) (*config.Config, error) {
	ctx := ctxlog.Discard(cmd.Context())
	cfg, err := config.NewLoader(afero.NewOsFs()).Load(ctx, f.configPath)
	if err != nil {
		return nil, &ExitError{Code: exitCodeConfig, Message: err.Error()}
	}

	changed := func(name string) bool {
		fl := cmd.Flags().Lookup(name)
		return fl != nil && fl.Changed
	}
	if changed("log-level") {
		cfg.Log.Level = f.logLevel
	}
	if changed("log-format") {
		cfg.Log.Format = f.logFormat
	}
	if changed("port") {
		cfg.Server.Port = f.port
	}
	if changed("cluster") {
		cfg.Server.Cluster = f.cluster
	}
	if err := cfg.Validate(); err != nil {
		return nil, &ExitError{Code: exitCodeConfig, Message: err.Error()}
	}
	return cfg, nil
}

// workerArgs rebuilds the command line of a forked worker. The worker reads
// the same file and inherits the log overrides.
func workerArgs(cmd *cobra.Command, f *flags) []string {
	args := []string{"worker"}
	if f.configPath != "" {
		path := f.configPath
		if abs, err := filepath.Abs(path); err == nil {
			path = abs
		}
		args = append(args, "--config="+path)
	}
	for _, name := range []string{"log-level", "log-format"} {
		if fl := cmd.Flags().Lookup(name); fl != nil && fl.Changed {
			args = append(args, "--"+name+"="+fl.Value.String())
		}
	}
	return args
}

func runApp(ctx context.Context, cfg *config.Config, opts Options, appOpts app.Options, run func(*app.App, context.Context) int) error {
	appOpts.Stdout = opts.Stdout
	appOpts.Stderr = opts.Stderr
	a, err := app.New(cfg, appOpts)
	if err != nil {
		return &ExitError{Code: exitCodeConfig, Message: err.Error()}
	}
	defer a.Close()

	if code := run(a, ctx); code != 0 {
		return &ExitError{Code: code, Message: "rendergrid exited with code " + strconv.Itoa(code)}
	}
	return nil
}

// Execute runs the command line args and maps every failure to an
// *ExitError. Usage errors exit with code 2.
func Execute(ctx context.Context, args []string, opts Options) error {
	cmd := NewCommand(opts)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	if err == nil {
		return nil
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr
	}
	return &ExitError{Code: exitCodeConfig, Message: fmt.Sprintf("%v\nRun 'rendergrid --help' for usage.", err)}
}
