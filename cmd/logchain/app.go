package main

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/karasz/logchain"
)

// app holds the components built from one Config.
type app struct {
	log      *logrus.Logger
	walker   *logchain.Walker
	resolver logchain.Resolver
	store    *logchain.SQLiteSink // nil unless output.sqlite is set
	closers  []func() error
}

func newApp(cfg *logchain.Config) (*app, error) {
	a := &app{log: newLogger(cfg.Log), resolver: newResolver(cfg)}
	if err := a.build(cfg); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) build(cfg *logchain.Config) error {
	dec, err := logchain.LoadDecryptor(cfg.Keys.PrivateKey, logchain.DecryptorOptions{
		OAEPHash: logchain.OAEPHash(cfg.Keys.OAEPHash),
		Logger:   a.log,
	})
	if err != nil {
		return fmt.Errorf("load private key %s: %w", cfg.Keys.PrivateKey, err)
	}

	var fetcher logchain.Fetcher
	if cfg.Fetch.Folder != "" {
		ff := logchain.NewFolderFetcher(cfg.Fetch.Folder)
		ff.MaxBlobSize = cfg.Fetch.MaxBlobSize
		fetcher = ff
	} else {
		gf := logchain.NewGatewayFetcher(cfg.Fetch.Gateway)
		gf.MaxBlobSize = cfg.Fetch.MaxBlobSize
		fetcher = gf
	}
	if cfg.Fetch.Cache != "" {
		cache, err := logchain.OpenBoltCache(cfg.Fetch.Cache, fetcher, a.log)
		if err != nil {
			return err
		}
		cache.Verify = dec.Check
		a.closers = append(a.closers, cache.Close)
		fetcher = cache
	}

	var sinks logchain.MultiSink
	if cfg.Output.JSONL != "" {
		s, err := logchain.OpenJSONLSink(cfg.Output.JSONL)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, s.Close)
		sinks = append(sinks, s)
	}
	if cfg.Output.Proto != "" {
		s, err := logchain.OpenProtoSink(cfg.Output.Proto)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, s.Close)
		sinks = append(sinks, s)
	}
	if cfg.Output.SQLite != "" {
		s, err := logchain.OpenSQLiteSink(cfg.Output.SQLite)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, s.Close)
		sinks = append(sinks, s)
		a.store = s
	}
	if len(sinks) == 0 {
		return errors.New("no output configured")
	}

	a.walker, err = logchain.NewWalker(logchain.WalkerConfig{
		Fetcher:      fetcher,
		Decryptor:    dec,
		Sink:         sinks,
		FetchTimeout: cfg.FetchTimeout(),
		Policy:       cfg.RecordPolicy(),
		Logger:       a.log,
	})
	return err
}

// Close releases every opened resource.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
