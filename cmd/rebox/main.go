package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"rebox/internal/app"
	"rebox/internal/bootstrap"
	"rebox/internal/errors"
	"rebox/internal/layercache"
	"rebox/internal/parser"
	"rebox/internal/ui"
)

// version is set at build time via ldflags
var version = "dev"

// console is replaced by the error handler's console in main.
var console = ui.NewConsole()

// settings binds the persistent flags to REBOX_* environment variables.
var settings = viper.New()

var rootCmd = &cobra.Command{
	Use:     "rebox",
	Short:   "rebox - Reproducible bootstrap images for Python tools",
	Version: version,
	Long: `rebox packages a Python project into a container image described by a
rebox.yaml blueprint: a pinned interpreter, a non-root user with a chosen
UID and GID, a fixed working directory and PATH, and an entrypoint script
that hands its arguments to the installed command.

The same blueprint can provision the running system natively with
'rebox provision' and 'rebox entrypoint'.`,
	SilenceErrors: true,
	SilenceUsage:  true,
}

var renderCmd = &cobra.Command{
	Use:   "render",
	Short: "Print the generated Dockerfile",
	Long: `Render prints the Dockerfile generated from the blueprint. With --entrypoint
it prints the default entrypoint script instead.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		script, _ := cmd.Flags().GetBool("entrypoint")
		return newApp().Render(options(cmd, nil), cmd.OutOrStdout(), script)
	},
}

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Stage the build context and build the image",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return newApp().Build(cmd.Context(), options(cmd, nil))
	},
}

var runCmd = &cobra.Command{
	Use:   "run [-- args...]",
	Short: "Run the built image once",
	Long: `Run starts a container from the built image and passes the arguments to its
entrypoint. rebox exits with the entrypoint's exit code.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return newApp().Run(cmd.Context(), options(cmd, args))
	},
}

var applyCmd = &cobra.Command{
	Use:   "apply [-- args...]",
	Short: "Render, build and run a blueprint",
	Long: `Apply executes the complete rebox workflow: stage the build context, build
the image and run it with the given arguments.

A failed apply resumes after its last successful stage. rebox exits with the
entrypoint's exit code.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return newApp().Apply(cmd.Context(), options(cmd, args))
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check the built image against the blueprint",
	Long: `Verify inspects the built image and checks its user, working directory,
PATH, Python environment and entrypoint against the blueprint.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return newApp().Verify(cmd.Context(), options(cmd, nil))
	},
}

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Show which image layers a rebuild would reuse",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		report, keys, err := newApp().Plan(options(cmd, nil))
		if err != nil {
			return err
		}
		printPlan(cmd, report, keys)
		return nil
	},
}

var provisionCmd = &cobra.Command{
	Use:   "provision",
	Short: "Apply the blueprint to this system",
	Long: `Provision creates the blueprint's group and user, copies the build context
into the working directory, installs the package and places the entrypoint
script, without a container. It usually runs as root.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return newApp().Provision(cmd.Context(), options(cmd, nil))
	},
}

var entrypointCmd = &cobra.Command{
	Use:   "entrypoint [-- args...]",
	Short: "Run the provisioned entrypoint script",
	Long: `Entrypoint runs the entrypoint script in the working directory under the
blueprint's environment and exits with its exit code.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		// signals reach the script through forwarding, not cancellation
		return newApp().Entrypoint(context.WithoutCancel(cmd.Context()), options(cmd, args))
	},
}

func newApp() *app.App {
	a := app.New(console)
	a.RuntimeName = settings.GetString("runtime")
	return a
}

// options collects the workflow options from the command's flags.
func options(cmd *cobra.Command, args []string) app.Options {
	flags := cmd.Flags()
	opts := app.Options{
		BlueprintPath: settings.GetString("file"),
		BuildArgs:     settings.GetStringSlice("build-arg"),
		OutputDir:     settings.GetString("output"),
		Args:          args,
	}
	opts.DryRun, _ = flags.GetBool("dry-run")
	opts.RetainState, _ = flags.GetBool("retain-state")
	opts.NoCache, _ = flags.GetBool("no-cache")
	opts.Pull, _ = flags.GetBool("pull")
	if mode, err := flags.GetString("mode"); err == nil {
		opts.Mode = bootstrap.Mode(mode)
	}
	return opts
}

func printPlan(cmd *cobra.Command, report layercache.Report, keys []layercache.Key) {
	out := cmd.OutOrStdout()
	for i, k := range keys {
		status := "cached"
		if i >= report.Reused {
			status = "rebuild"
		}
		fmt.Fprintf(out, "%-8s line %-3d %-10s %s\n", status, k.Line, k.Instruction, k.Key[:12])
	}
}

func init() {
	persistent := rootCmd.PersistentFlags()
	persistent.StringP("file", "f", "", "Path to the blueprint file (default: rebox.yaml in the current directory)")
	persistent.StringArray("build-arg", nil, "Override a build argument: PYTHON_VERSION, UID or GID (KEY=VALUE)")
	persistent.String("output", "", "Directory for the staged context and state (default: user cache directory)")
	persistent.String("runtime", app.DefaultRuntime, "Container runtime to use")

	settings.SetEnvPrefix(parser.EnvPrefix)
	settings.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	settings.AutomaticEnv()
	for _, name := range []string{"file", "build-arg", "output", "runtime"} {
		if err := settings.BindPFlag(name, persistent.Lookup(name)); err != nil {
			slog.Error("Failed to bind flag", "flag", name, "error", err)
		}
	}

	renderCmd.Flags().Bool("entrypoint", false, "Print the default entrypoint script instead of the Dockerfile")
	rootCmd.AddCommand(renderCmd)

	buildCmd.Flags().Bool("dry-run", false, "Print what would be built without building")
	buildCmd.Flags().Bool("no-cache", false, "Do not use the layer cache when building")
	buildCmd.Flags().Bool("pull", false, "Pull the base image before building")
	rootCmd.AddCommand(buildCmd)

	runCmd.Flags().Bool("dry-run", false, "Print what would run without starting a container")
	rootCmd.AddCommand(runCmd)

	applyCmd.Flags().Bool("dry-run", false, "Simulate the workflow without building or running")
	applyCmd.Flags().Bool("retain-state", false, "Keep the state file after successful completion for auditing purposes")
	applyCmd.Flags().Bool("no-cache", false, "Do not use the layer cache when building")
	applyCmd.Flags().Bool("pull", false, "Pull the base image before building")
	rootCmd.AddCommand(applyCmd)

	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(planCmd)

	provisionCmd.Flags().Bool("dry-run", false, "List the provisioning steps without running them")
	rootCmd.AddCommand(provisionCmd)

	entrypointCmd.Flags().String("mode", string(bootstrap.ModeExec), "How to run the script: exec or virtual")
	rootCmd.AddCommand(entrypointCmd)
}

func main() {
	handler, err := errors.GetDefaultHandler()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: logging disabled: %v\n", err)
	} else {
		slog.SetDefault(handler.Logger())
		console = handler.Console()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = rootCmd.ExecuteContext(ctx)
	stop()

	if err != nil {
		os.Exit(errors.HandleError(err))
	}
}
