// logchain retrieves encrypted log batches by content address, decrypts them
// with a local RSA private key, and appends their records to local sinks,
// following each batch's pointer to the one before it.
//
// Usage:
//
//	logchain resolve                 resolve the stored name to the head address
//	logchain fetch <cid> [--follow]  load one batch, or the chain from it
//	logchain walk                    resolve the head and walk the whole chain
//	logchain serve                   run the HTTP API
//	logchain shell                   step through a chain interactively
//	logchain dump <file.pb>          print records from a protobuf output file
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/karasz/logchain"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		printUsage()
		return nil
	}
	cmd, rest := args[0], args[1:]

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case "resolve":
		return runResolve(ctx, rest)
	case "fetch":
		return runFetch(ctx, rest)
	case "walk":
		return runWalk(ctx, rest)
	case "serve":
		return runServe(ctx, rest)
	case "shell":
		return runShell(ctx, rest)
	case "dump":
		return runDump(rest)
	}
	printUsage()
	return fmt.Errorf("unknown command %q", cmd)
}

func printUsage() {
	fmt.Fprint(os.Stderr, `logchain - walk a chain of encrypted log batches

Commands:
  resolve                 resolve the stored name to the head address
  fetch <cid> [--follow]  load one batch, or the chain from it
  walk                    resolve the head and walk the whole chain
  serve                   run the HTTP API
  shell                   step through a chain interactively
  dump <file.pb>          print records from a protobuf output file

Run "logchain <command> --help" for command flags.
`)
}

// commonFlags are accepted by every command that touches the chain.
type commonFlags struct {
	configPath string
	logLevel   string
	gateway    string
	folder     string
	output     string
}

func (c *commonFlags) add(fs *pflag.FlagSet) {
	fs.StringVarP(&c.configPath, "config", "c", os.Getenv("LOGCHAIN_CONFIG"), "YAML configuration file")
	fs.StringVar(&c.logLevel, "log-level", "", "log level (trace, debug, info, warn, error)")
	fs.StringVar(&c.gateway, "gateway", "", "HTTP gateway base URL")
	fs.StringVar(&c.folder, "folder", "", "read blobs from this directory instead of the gateway")
	fs.StringVarP(&c.output, "output", "o", "", "JSON Lines output file")
}

// load builds the effective configuration: defaults, then file, then
// environment, then flags.
func (c *commonFlags) load() (*logchain.Config, error) {
	cfg := logchain.DefaultConfig()
	if c.configPath != "" {
		var err error
		if cfg, err = logchain.LoadConfig(c.configPath); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if c.logLevel != "" {
		cfg.Log.Level = c.logLevel
	}
	if c.gateway != "" {
		cfg.Fetch.Gateway = c.gateway
	}
	if c.folder != "" {
		cfg.Fetch.Folder = c.folder
	}
	if c.output != "" {
		cfg.Output.JSONL = c.output
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func parseFlags(fs *pflag.FlagSet, args []string) (bool, error) {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return true, nil
		}
		return false, err
	}
	return false, nil
}

func runResolve(ctx context.Context, args []string) error {
	var common commonFlags
	fs := pflag.NewFlagSet("resolve", pflag.ContinueOnError)
	common.add(fs)
	if help, err := parseFlags(fs, args); help || err != nil {
		return err
	}
	cfg, err := common.load()
	if err != nil {
		return err
	}
	log := newLogger(cfg.Log)

	addr, err := logchain.ResolveHead(ctx, newResolver(cfg), cfg.Keys.NameFile, cfg.ResolveTimeout())
	if err != nil {
		return err
	}
	log.WithField("cid", addr.String()).Info("resolved head")
	fmt.Println(addr)
	return nil
}

func runFetch(ctx context.Context, args []string) error {
	var common commonFlags
	var follow bool
	var maxBatches int
	fs := pflag.NewFlagSet("fetch", pflag.ContinueOnError)
	common.add(fs)
	fs.BoolVar(&follow, "follow", false, "keep following prev_cid pointers")
	fs.IntVar(&maxBatches, "max", 0, "stop after this many batches when following (0 = no limit)")
	if help, err := parseFlags(fs, args); help || err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("fetch takes exactly one content address")
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

	opts := logchain.WalkOptions{MaxBatches: 1}
	if follow {
		opts.MaxBatches = maxBatches
		if opts.MaxBatches == 0 {
			opts.MaxBatches = cfg.Walk.MaxBatches
		}
	}
	res, err := a.walker.Walk(ctx, logchain.ContentAddress(fs.Arg(0)), opts)
	return report(res, err)
}

func runWalk(ctx context.Context, args []string) error {
	var common commonFlags
	var maxBatches int
	fs := pflag.NewFlagSet("walk", pflag.ContinueOnError)
	common.add(fs)
	fs.IntVar(&maxBatches, "max", 0, "stop after this many batches (0 = configured limit)")
	if help, err := parseFlags(fs, args); help || err != nil {
		return err
	}
	cfg, err := common.load()
	if err != nil {
		return err
	}
	if maxBatches == 0 {
		maxBatches = cfg.Walk.MaxBatches
	}

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	head, err := logchain.ResolveHead(ctx, a.resolver, cfg.Keys.NameFile, cfg.ResolveTimeout())
	if err != nil {
		return err
	}
	a.log.WithField("cid", head.String()).Info("resolved head")
	res, err := a.walker.Walk(ctx, head, logchain.WalkOptions{MaxBatches: maxBatches})
	return report(res, err)
}

func runServe(ctx context.Context, args []string) error {
	var common commonFlags
	var addr string
	fs := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	common.add(fs)
	fs.StringVar(&addr, "addr", "", "listen address")
	if help, err := parseFlags(fs, args); help || err != nil {
		return err
	}
	cfg, err := common.load()
	if err != nil {
		return err
	}
	if addr != "" {
		cfg.Server.Addr = addr
	}

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	srv, err := logchain.NewServer(logchain.ServerOptions{
		Walker:         a.walker,
		Resolver:       a.resolver,
		NameFile:       cfg.Keys.NameFile,
		ResolveTimeout: cfg.ResolveTimeout(),
		MaxBatches:     cfg.Walk.MaxBatches,
		Store:          a.store,
		Logger:         a.log,
	})
	if err != nil {
		return err
	}

	a.log.WithField("addr", cfg.Server.Addr).Info("serving")
	return srv.ListenAndServe(ctx, cfg.Server.Addr, cfg.Server.TLSCert, cfg.Server.TLSKey)
}

func runDump(args []string) error {
	fs := pflag.NewFlagSet("dump", pflag.ContinueOnError)
	if help, err := parseFlags(fs, args); help || err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("dump takes exactly one file")
	}
	addrs, recs, err := logchain.ReadProtoRecords(fs.Arg(0))
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	for i, r := range recs {
		if err := enc.Encode(map[string]any{"cid": addrs[i].String(), "record": r.Raw}); err != nil {
			return err
		}
	}
	return nil
}

// report prints a one-line summary of a walk and turns a failure into an error.
func report(res *logchain.WalkResult, err error) error {
	if res == nil {
		return err
	}
	records := 0
	for _, b := range res.Batches {
		records += len(b.Records)
	}
	fmt.Printf("%s: %d batches, %d records", res.State, len(res.Batches), records)
	if res.Next != "" {
		fmt.Printf(", next %s", res.Next)
	}
	fmt.Println()
	return err
}

func newLogger(cfg logchain.LogConfig) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	if lvl, err := logrus.ParseLevel(cfg.Level); err == nil {
		log.SetLevel(lvl)
	}
	if strings.EqualFold(cfg.Format, "json") {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return log
}

func newResolver(cfg *logchain.Config) logchain.Resolver {
	if cfg.Resolve.Method == "api" {
		return logchain.NewAPIResolver(cfg.Resolve.API)
	}
	return &logchain.CommandResolver{Binary: cfg.Resolve.Binary, Timeout: cfg.ResolveTimeout()}
}
