package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/w200024212/pebbleos-sub001/internal/client"
)

const defaultAddr = "http://localhost:8040"

var errUsage = errors.New("usage: watchctl [-addr url] <command> [args]")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "watchctl:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	addr := os.Getenv("WATCHD_ADDR")
	if addr == "" {
		addr = defaultAddr
	}

	fs := flag.NewFlagSet("watchctl", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&addr, "addr", addr, "watchd address")
	timeout := fs.Duration("timeout", 10*time.Second, "request timeout")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return errUsage
	}

	cmd, ok := commands[fs.Arg(0)]
	if !ok {
		return fmt.Errorf("unknown command %q", fs.Arg(0))
	}

	c := client.New(addr).SetTimeout(*timeout)
	return cmd(ctx, c, fs.Args()[1:], out)
}
