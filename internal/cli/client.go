package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/samber/lo"

	"github.com/cruciblehq/stevedore/internal/build"
	"github.com/cruciblehq/stevedore/internal/config"
	"github.com/cruciblehq/stevedore/internal/image"
	"github.com/cruciblehq/stevedore/internal/paths"
	"github.com/cruciblehq/stevedore/internal/protocol"
	"github.com/cruciblehq/stevedore/internal/runtime"
)

// Interval between status polls while waiting for a container.
const pollInterval = 100 * time.Millisecond

// Sends one command to the daemon.
func call(ctx context.Context, cmd protocol.Command, req, resp any) error {
	return protocol.Call(ctx, socket(), cmd, req, resp)
}

// Returns the daemon socket from the flag, the environment or the default.
func socket() string {
	if RootCmd.Socket != "" {
		return RootCmd.Socket
	}
	if cfg, err := config.Load(); err == nil {
		return cfg.Socket
	}
	return paths.Socket()
}

// Represents the 'stevedore build' command.
type BuildCmd struct {
	File    string `arg:"" help:"Build file (YAML or JSON)." type:"existingfile"`
	Tag     string `short:"t" required:"" help:"Name and optional tag of the image." placeholder:"NAME[:TAG]"`
	Context string `short:"c" default:"." help:"Directory COPY sources are read from." type:"existingdir"`
}

func (c *BuildCmd) Run(ctx context.Context) error {
	instructions, err := build.LoadFile(c.File)
	if err != nil {
		return err
	}
	ref, err := image.ParseReference(c.Tag)
	if err != nil {
		return err
	}
	buildCtx, err := filepath.Abs(c.Context)
	if err != nil {
		return err
	}

	var res protocol.BuildResult
	err = call(ctx, protocol.CmdBuild, &protocol.BuildRequest{
		Name:         ref.Name,
		Tag:          ref.Tag,
		Context:      buildCtx,
		Instructions: instructions,
	}, &res)
	if err != nil {
		return err
	}
	fmt.Printf("%s %s\n", res.Ref, res.ImageID)
	return nil
}

// Represents the 'stevedore images' command.
type ImagesCmd struct{}

func (c *ImagesCmd) Run(ctx context.Context) error {
	var res protocol.ImageListResult
	if err := call(ctx, protocol.CmdImageList, nil, &res); err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tTAG\tIMAGE ID\tUPDATED")
	for _, t := range res.Images {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", t.Name, t.Tag, shortID(t.ImageID.Encoded()), t.Updated.Local().Format(time.DateTime))
	}
	return w.Flush()
}

// Represents the 'stevedore inspect' command.
type InspectCmd struct {
	Ref string `arg:"" help:"Image reference."`
}

func (c *InspectCmd) Run(ctx context.Context) error {
	var res protocol.ImageInspectResult
	if err := call(ctx, protocol.CmdImageInspect, &protocol.ImageRequest{Ref: c.Ref}, &res); err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}

// Represents the 'stevedore untag' command.
type UntagCmd struct {
	Ref string `arg:"" help:"Image reference."`
}

func (c *UntagCmd) Run(ctx context.Context) error {
	return call(ctx, protocol.CmdImageUntag, &protocol.ImageRequest{Ref: c.Ref}, nil)
}

// Represents the 'stevedore run' command.
type RunCmd struct {
	Image   string   `arg:"" help:"Image reference."`
	Args    []string `arg:"" optional:"" passthrough:"" help:"Command overriding the image command."`
	Env     []string `short:"e" help:"Environment variable, KEY=VALUE." placeholder:"KEY=VALUE"`
	Volumes []string `name:"volume" help:"Bind a host directory, SRC:DEST[:ro]." placeholder:"SRC:DEST[:ro]"`
	Detach  bool     `short:"D" help:"Print the container ID and return without waiting."`
}

func (c *RunCmd) Run(ctx context.Context) error {
	volumes := make([]protocol.Volume, 0, len(c.Volumes))
	for _, s := range c.Volumes {
		v, err := parseVolume(s)
		if err != nil {
			return err
		}
		volumes = append(volumes, v)
	}

	var res protocol.ContainerRunResult
	err := call(ctx, protocol.CmdContainerRun, &protocol.ContainerRunRequest{
		Image:   c.Image,
		Args:    c.Args,
		Env:     c.Env,
		Volumes: volumes,
	}, &res)
	if err != nil {
		return err
	}
	if c.Detach {
		fmt.Println(res.ID)
		return nil
	}

	info, err := waitContainer(ctx, res.ID)
	if err != nil {
		return err
	}
	var logs protocol.ContainerLogsResult
	if err := call(ctx, protocol.CmdContainerLogs, &protocol.ContainerRequest{ID: res.ID}, &logs); err != nil {
		return err
	}
	fmt.Print(logs.Output)
	if info.ExitCode != 0 {
		return fmt.Errorf("container %s %s with code %d", info.ID, info.State, info.ExitCode)
	}
	return nil
}

// Parses a SRC:DEST[:ro] volume binding. A relative source is taken
// relative to the working directory.
func parseVolume(s string) (protocol.Volume, error) {
	parts := strings.Split(s, ":")
	if len(parts) < 2 || len(parts) > 3 || parts[0] == "" || parts[1] == "" {
		return protocol.Volume{}, fmt.Errorf("invalid volume %q: expected SRC:DEST[:ro]", s)
	}
	src, err := filepath.Abs(parts[0])
	if err != nil {
		return protocol.Volume{}, err
	}
	v := protocol.Volume{Source: src, Destination: parts[1]}
	if len(parts) == 3 {
		if parts[2] != "ro" {
			return protocol.Volume{}, fmt.Errorf("invalid volume option %q", parts[2])
		}
		v.ReadOnly = true
	}
	return v, nil
}

// Polls the daemon until the container is no longer running.
func waitContainer(ctx context.Context, id string) (runtime.Info, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		var res protocol.ContainerStatusResult
		if err := call(ctx, protocol.CmdContainerStatus, &protocol.ContainerRequest{ID: id}, &res); err != nil {
			return runtime.Info{}, err
		}
		if res.Container.Done() {
			return res.Container, nil
		}
		select {
		case <-ctx.Done():
			return runtime.Info{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Represents the 'stevedore ps' command.
type PsCmd struct {
	All bool `short:"a" help:"Include containers that are not running."`
}

func (c *PsCmd) Run(ctx context.Context) error {
	var res protocol.ContainerListResult
	if err := call(ctx, protocol.CmdContainerList, nil, &res); err != nil {
		return err
	}
	containers := res.Containers
	if !c.All {
		containers = lo.Filter(containers, func(info runtime.Info, _ int) bool {
			return info.State == runtime.StateRunning
		})
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "CONTAINER ID\tIMAGE\tCOMMAND\tSTATE\tEXIT\tCREATED")
	for _, info := range containers {
		exit := "-"
		if info.Done() {
			exit = fmt.Sprint(info.ExitCode)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			info.ID, info.Image, strings.Join(info.Args, " "), info.State, exit,
			info.Created.Local().Format(time.DateTime))
	}
	return w.Flush()
}

// Represents the 'stevedore stop' command.
type StopCmd struct {
	ID      string        `arg:"" help:"Container ID."`
	Timeout time.Duration `short:"t" help:"Grace period before the container is killed."`
}

func (c *StopCmd) Run(ctx context.Context) error {
	return call(ctx, protocol.CmdContainerStop, &protocol.ContainerStopRequest{ID: c.ID, Timeout: c.Timeout}, nil)
}

// Represents the 'stevedore rm' command.
type RmCmd struct {
	IDs []string `arg:"" name:"id" help:"Container IDs."`
}

func (c *RmCmd) Run(ctx context.Context) error {
	for _, id := range c.IDs {
		if err := call(ctx, protocol.CmdContainerRemove, &protocol.ContainerRequest{ID: id}, nil); err != nil {
			return err
		}
	}
	return nil
}

// Represents the 'stevedore logs' command.
type LogsCmd struct {
	ID string `arg:"" help:"Container ID."`
}

func (c *LogsCmd) Run(ctx context.Context) error {
	var res protocol.ContainerLogsResult
	if err := call(ctx, protocol.CmdContainerLogs, &protocol.ContainerRequest{ID: c.ID}, &res); err != nil {
		return err
	}
	fmt.Print(res.Output)
	return nil
}

// Represents the 'stevedore commit' command.
type CommitCmd struct {
	ID  string `arg:"" help:"Container ID."`
	Ref string `arg:"" help:"Name and optional tag of the new image."`
}

func (c *CommitCmd) Run(ctx context.Context) error {
	var res protocol.ContainerCommitResult
	if err := call(ctx, protocol.CmdContainerCommit, &protocol.ContainerCommitRequest{ID: c.ID, Ref: c.Ref}, &res); err != nil {
		return err
	}
	fmt.Println(res.ImageID)
	return nil
}

// Represents the 'stevedore prune' command.
type PruneCmd struct{}

func (c *PruneCmd) Run(ctx context.Context) error {
	var res protocol.PruneResult
	if err := call(ctx, protocol.CmdPrune, nil, &res); err != nil {
		return err
	}
	for _, d := range res.Layers {
		fmt.Println(d)
	}
	return nil
}

// Represents the 'stevedore status' command.
type StatusCmd struct{}

func (c *StatusCmd) Run(ctx context.Context) error {
	var res protocol.StatusResult
	if err := call(ctx, protocol.CmdStatus, nil, &res); err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "Version:\t%s\n", res.Version)
	fmt.Fprintf(w, "PID:\t%d\n", res.Pid)
	fmt.Fprintf(w, "Uptime:\t%s\n", res.Uptime)
	fmt.Fprintf(w, "Builds:\t%d\n", res.Builds)
	fmt.Fprintf(w, "Running containers:\t%d\n", res.Containers)
	fmt.Fprintf(w, "Images:\t%d\n", res.Images)
	fmt.Fprintf(w, "Layer storage:\t%s\n", res.LayerUsage)
	return w.Flush()
}

// Represents the 'stevedore shutdown' command.
type ShutdownCmd struct{}

func (c *ShutdownCmd) Run(ctx context.Context) error {
	return call(ctx, protocol.CmdShutdown, nil, nil)
}

func shortID(s string) string {
	if len(s) > 12 {
		return s[:12]
	}
	return s
}
