package cli

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/cruciblehq/stevedore/internal"
)

// Represents the root command.
var RootCmd struct {
	Quiet   bool   `short:"q" help:"Suppress informational output."`
	Verbose bool   `short:"v" help:"Enable verbose output."`
	Debug   bool   `short:"d" help:"Enable debug output."`
	Socket  string `short:"s" help:"Override the Unix socket path." placeholder:"PATH"`

	Start    StartCmd    `cmd:"" help:"Start the daemon."`
	Build    BuildCmd    `cmd:"" help:"Build an image from a build file."`
	Images   ImagesCmd   `cmd:"" help:"List images."`
	Inspect  InspectCmd  `cmd:"" help:"Show an image."`
	Untag    UntagCmd    `cmd:"" help:"Remove an image tag."`
	Run      RunCmd      `cmd:"" help:"Run a container."`
	Ps       PsCmd       `cmd:"" help:"List containers."`
	Stop     StopCmd     `cmd:"" help:"Stop a running container."`
	Rm       RmCmd       `cmd:"" help:"Remove a container."`
	Logs     LogsCmd     `cmd:"" help:"Print container output."`
	Commit   CommitCmd   `cmd:"" help:"Create an image from a container's changes."`
	Prune    PruneCmd    `cmd:"" help:"Remove unreferenced layers."`
	Status   StatusCmd   `cmd:"" help:"Show daemon status."`
	Shutdown ShutdownCmd `cmd:"" help:"Stop the daemon."`
	Version  VersionCmd  `cmd:"" help:"Show version information."`
}

// Parses arguments, configures logging, and runs the selected subcommand.
func Execute() error {

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	kongCtx := kong.Parse(&RootCmd,
		kong.Name(internal.Name),
		kong.Description("A minimal container image and runtime engine.\n\nBuilds layered images, stores them by name and tag, and runs containers from them."),
		kong.UsageOnError(),
		kong.Vars{
			"version": internal.VersionString(),
		},
		kong.BindTo(ctx, (*context.Context)(nil)),
	)

	configureLogger()

	return kongCtx.Run()
}

// Configures the global logger based on CLI flags.
func configureLogger() {
	debug := RootCmd.Debug || internal.IsDebug()
	quiet := RootCmd.Quiet || internal.IsQuiet()
	verbose := RootCmd.Verbose || internal.IsVerbose()

	slog.SetDefault(NewLogger(os.Stderr, verbose))
	logLevel.Set(level(debug, quiet))
}
