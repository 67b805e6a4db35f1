package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/pflag"

	"github.com/karasz/logchain"
)

const shellHelp = `Commands:
  fetch --resolve   resolve the stored name and remember the head
  fetch <cid>       fetch and decrypt one batch
  fetch --chain     fetch the batch the last one pointed to
  help              show this message
  exit              leave the shell
`

// runShell reads commands from stdin and drives a Session, one batch per command.
func runShell(ctx context.Context, args []string) error {
	var common commonFlags
	fs := pflag.NewFlagSet("shell", pflag.ContinueOnError)
	common.add(fs)
	if help, err := parseFlags(fs, args); help || err != nil {
		return err
	}
	cfg, err := common.load()
	if err != nil {
		return err
	}
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	sess := logchain.NewSession(a.walker, logchain.SessionConfig{
		Resolver:       a.resolver,
		NameFile:       cfg.Keys.NameFile,
		ResolveTimeout: cfg.ResolveTimeout(),
	})
	return shell(ctx, sess, os.Stdin, os.Stdout)
}

func shell(ctx context.Context, sess *logchain.Session, in io.Reader, out io.Writer) error {
	sc := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "logchain> ")
		if !sc.Scan() {
			fmt.Fprintln(out)
			return sc.Err()
		}
		if ctx.Err() != nil {
			return nil
		}
		line := strings.TrimSpace(sc.Text())
		switch {
		case line == "":
		case line == "exit" || line == "quit":
			return nil
		case line == "fetch --resolve":
			addr, err := sess.Resolve(ctx)
			if err != nil {
				fmt.Fprintf(out, "resolve error: %v\n", err)
				continue
			}
			fmt.Fprintf(out, "resolved: %s\n", addr)
		case line == "fetch --chain":
			res, err := sess.Chain(ctx)
			if errors.Is(err, logchain.ErrNoPrevious) {
				fmt.Fprintln(out, "no previous logs")
				continue
			}
			printStep(out, res, err)
		case strings.HasPrefix(line, "fetch "):
			addr := strings.TrimSpace(strings.TrimPrefix(line, "fetch "))
			res, err := sess.Fetch(ctx, logchain.ContentAddress(addr))
			printStep(out, res, err)
		default:
			fmt.Fprint(out, shellHelp)
		}
	}
}

func printStep(out io.Writer, res *logchain.WalkResult, err error) {
	if err != nil {
		fmt.Fprintf(out, "error: %v\n", err)
		return
	}
	for _, b := range res.Batches {
		fmt.Fprintf(out, "%s: %d records", b.Address, len(b.Records))
		if b.Prev != "" {
			fmt.Fprintf(out, ", prev %s", b.Prev)
		}
		fmt.Fprintln(out)
		for _, r := range b.Records {
			fmt.Fprintf(out, "  [%s] %s: %s\n", r.EventID, r.Type, r.Message)
		}
	}
}
