package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"strconv"

	"github.com/bytedance/sonic"

	"github.com/w200024212/pebbleos-sub001/internal/client"
	"github.com/w200024212/pebbleos-sub001/internal/domain/registry"
	"github.com/w200024212/pebbleos-sub001/internal/shared/types"
	"github.com/w200024212/pebbleos-sub001/internal/shared/utils"
)

type command func(ctx context.Context, c *client.Client, args []string, out io.Writer) error

var commands = map[string]command{
	"status":     statusCmd,
	"apps":       appsCmd,
	"app":        appCmd,
	"launch":     launchCmd,
	"worker":     workerCmd,
	"close":      closeCmd,
	"force-quit": forceQuitCmd,
	"button":     buttonCmd,
	"runlevel":   runLevelCmd,
	"power":      powerCmd,
	"crashes":    crashesCmd,
	"crash":      crashCmd,
}

func printJSON(out io.Writer, v any) error {
	data, err := sonic.ConfigStd.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, string(data))
	return err
}

func flags(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func installArg(args []string) (types.InstallID, error) {
	if len(args) != 1 {
		return 0, errors.New("expected one install id")
	}
	return utils.ParseInstallID(args[0], "id")
}

func statusCmd(ctx context.Context, c *client.Client, _ []string, out io.Writer) error {
	snap, err := c.Status(ctx)
	if err != nil {
		return err
	}
	return printJSON(out, snap)
}

func appsCmd(ctx context.Context, c *client.Client, args []string, out io.Writer) error {
	fs := flags("apps")
	watchfaces := fs.Bool("watchfaces", false, "only watchfaces")
	workers := fs.Bool("workers", false, "only workers")
	hidden := fs.Bool("hidden", false, "include hidden installs")
	if err := fs.Parse(args); err != nil {
		return err
	}

	filter := registry.ListFilter{IncludeHidden: *hidden}
	if *watchfaces {
		filter.Watchfaces = watchfaces
	}
	if *workers {
		filter.Workers = workers
	}

	list, err := c.Apps(ctx, filter)
	if err != nil {
		return err
	}
	for _, app := range list.Apps {
		kind := "app"
		switch {
		case app.Watchface:
			kind = "watchface"
		case app.Worker:
			kind = "worker"
		}
		fmt.Fprintf(out, "%6d  %-9s  %s\n", app.ID, kind, app.Name)
	}
	return nil
}

func appCmd(ctx context.Context, c *client.Client, args []string, out io.Writer) error {
	id, err := installArg(args)
	if err != nil {
		return err
	}
	entry, err := c.App(ctx, id)
	if err != nil {
		return err
	}
	return printJSON(out, entry)
}

func launchCmd(ctx context.Context, c *client.Client, args []string, out io.Writer) error {
	fs := flags("launch")
	reason := fs.String("reason", "user", "launch reason")
	appArgs := fs.String("args", "", "launch arguments")
	force := fs.Bool("force", false, "skip the graceful close of the current app")
	if err := fs.Parse(args); err != nil {
		return err
	}
	id, err := installArg(fs.Args())
	if err != nil {
		return err
	}

	req := types.LaunchRequest{Reason: *reason, Args: *appArgs, Forcefully: *force}
	if err := c.Launch(ctx, id, req); err != nil {
		return err
	}
	fmt.Fprintf(out, "launch of %d queued\n", id)
	return nil
}

func workerCmd(ctx context.Context, c *client.Client, args []string, out io.Writer) error {
	id, err := installArg(args)
	if err != nil {
		return err
	}
	if err := c.LaunchWorker(ctx, id); err != nil {
		return err
	}
	fmt.Fprintf(out, "worker launch of %d queued\n", id)
	return nil
}

func closeCmd(ctx context.Context, c *client.Client, args []string, out io.Writer) error {
	fs := flags("close")
	force := fs.Bool("force", false, "close without waiting for a graceful exit")
	worker := fs.Bool("worker", false, "close the worker slot")
	if err := fs.Parse(args); err != nil {
		return err
	}

	slot := "app"
	var err error
	if *worker {
		slot = "worker"
		err = c.CloseWorker(ctx, !*force)
	} else {
		err = c.CloseApp(ctx, !*force)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s close queued\n", slot)
	return nil
}

func forceQuitCmd(ctx context.Context, c *client.Client, _ []string, out io.Writer) error {
	if err := c.ForceQuit(ctx); err != nil {
		return err
	}
	fmt.Fprintln(out, "force quit queued")
	return nil
}

func buttonCmd(ctx context.Context, c *client.Client, args []string, out io.Writer) error {
	if len(args) < 1 || len(args) > 2 {
		return errors.New("usage: button <back|up|select|down> [press|hold|release]")
	}
	action := "press"
	if len(args) == 2 {
		action = args[1]
	}
	if err := c.Button(ctx, args[0], action); err != nil {
		return err
	}
	fmt.Fprintf(out, "%s %s\n", args[0], action)
	return nil
}

func runLevelCmd(ctx context.Context, c *client.Client, args []string, out io.Writer) error {
	if len(args) != 1 {
		return errors.New("usage: runlevel <0|1|2>")
	}
	level, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("invalid run level %q", args[0])
	}
	if err := c.SetRunLevel(ctx, types.RunLevel(level)); err != nil {
		return err
	}
	fmt.Fprintf(out, "run level %d\n", level)
	return nil
}

func powerCmd(ctx context.Context, c *client.Client, args []string, out io.Writer) error {
	fs := flags("power")
	lowPower := fs.String("low-power", "", "set low power mode (true/false)")
	critical := fs.String("battery-critical", "", "set battery critical (true/false)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	lp, err := optionalBool(*lowPower)
	if err != nil {
		return err
	}
	bc, err := optionalBool(*critical)
	if err != nil {
		return err
	}
	if lp != nil || bc != nil {
		if err := c.SetPower(ctx, lp, bc); err != nil {
			return err
		}
	}

	p, err := c.Power(ctx)
	if err != nil {
		return err
	}
	return printJSON(out, p)
}

func optionalBool(s string) (*bool, error) {
	if s == "" {
		return nil, nil
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return nil, fmt.Errorf("invalid bool %q", s)
	}
	return &b, nil
}

func crashesCmd(ctx context.Context, c *client.Client, args []string, out io.Writer) error {
	fs := flags("crashes")
	limit := fs.Int("limit", 20, "maximum reports")
	if err := fs.Parse(args); err != nil {
		return err
	}
	reports, err := c.Crashes(ctx, *limit)
	if err != nil {
		return err
	}
	return printJSON(out, reports)
}

func crashCmd(ctx context.Context, c *client.Client, args []string, out io.Writer) error {
	if len(args) != 1 {
		return errors.New("usage: crash <id>")
	}
	report, err := c.Crash(ctx, args[0])
	if err != nil {
		return err
	}
	return printJSON(out, report)
}
