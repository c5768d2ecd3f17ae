package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/randalmurphal/batchrun/internal/portalsim"
	"github.com/randalmurphal/batchrun/pkg/batchrun"
	"github.com/randalmurphal/batchrun/pkg/batchrun/checkpoint"
	"github.com/randalmurphal/batchrun/pkg/batchrun/config"
	"github.com/randalmurphal/batchrun/pkg/batchrun/export"
	"github.com/randalmurphal/batchrun/pkg/batchrun/outcome"
	"github.com/randalmurphal/batchrun/pkg/batchrun/retry"
	"github.com/randalmurphal/batchrun/pkg/batchrun/session"
	"github.com/randalmurphal/batchrun/pkg/batchrun/store"
)

const defaultSteps = "cas,zip,videos"

var errUsage = errors.New("usage")

// dispatch runs one subcommand. Results go to stdout, logs to stderr.
func dispatch(ctx context.Context, name string, args []string, stdout, stderr io.Writer) error {
	switch name {
	case "run":
		return cmdRun(ctx, args, stdout, stderr)
	case "status":
		return cmdStatus(ctx, args, stdout, stderr)
	case "pause":
		return withOperator(ctx, "pause", args, stdout, stderr, func(ctx context.Context, eng *batchrun.Engine) (string, error) {
			return "paused", eng.Pause(ctx)
		})
	case "stop":
		return withOperator(ctx, "stop", args, stdout, stderr, func(ctx context.Context, eng *batchrun.Engine) (string, error) {
			return "stopped", eng.Stop(ctx)
		})
	case "export":
		return withOperator(ctx, "export", args, stdout, stderr, func(ctx context.Context, eng *batchrun.Engine) (string, error) {
			n, err := eng.ExportNow(ctx)
			if n == 0 {
				return "nothing pending", err
			}
			return fmt.Sprintf("exported chunk %d", n), err
		})
	case "resume":
		return cmdResume(ctx, args, stdout, stderr)
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, name)
	}
}

// commonFlags are accepted by every subcommand. Set flags override the
// config file.
type commonFlags struct {
	configPath   string
	steps        string
	logFormat    string
	logLevel     string
	storeDriver  string
	storePath    string
	exportDir    string
	exportFormat string
	submitDelay  time.Duration
	metrics      bool
	tracing      bool
	ioRetries    int
}

func (f *commonFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&f.configPath, "config", "", "YAML or JSON config file")
	fs.StringVar(&f.steps, "steps", defaultSteps, "comma-separated steps, used when the config names none")
	fs.StringVar(&f.logFormat, "log-format", "", "log format: text or json")
	fs.StringVar(&f.logLevel, "log-level", "", "log level: debug, info, warn, error")
	fs.StringVar(&f.storeDriver, "store", "", "store driver: sqlite, redis, postgres, memory")
	fs.StringVar(&f.storePath, "store-path", "", "SQLite database path")
	fs.StringVar(&f.exportDir, "export-dir", "", "directory for result chunks")
	fs.StringVar(&f.exportFormat, "export-format", "", "chunk format: csv or xlsx")
	fs.DurationVar(&f.submitDelay, "submit-delay", -1, "wait before each submission")
	fs.BoolVar(&f.metrics, "metrics", false, "collect OpenTelemetry metrics and log totals on exit")
	fs.BoolVar(&f.tracing, "tracing", false, "record OpenTelemetry spans at debug level")
	fs.IntVar(&f.ioRetries, "io-retries", retry.Default.MaxAttempts, "attempts for each store write and chunk export")
}

func (f *commonFlags) apply(cfg *config.EngineConfig) {
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&cfg.Observability.LogFormat, f.logFormat)
	set(&cfg.Observability.LogLevel, f.logLevel)
	set(&cfg.Store.Driver, f.storeDriver)
	set(&cfg.Store.Path, f.storePath)
	set(&cfg.Export.Dir, f.exportDir)
	set(&cfg.Export.Format, f.exportFormat)
	if f.submitDelay >= 0 {
		cfg.SubmitDelay = f.submitDelay
		cfg.StepDelays = nil
	}
	cfg.Observability.Metrics = cfg.Observability.Metrics || f.metrics
	cfg.Observability.Tracing = cfg.Observability.Tracing || f.tracing
}

// env is the wiring shared by all subcommands.
type env struct {
	cfg      config.EngineConfig
	logger   *slog.Logger
	store    store.Store
	exporter export.Exporter
	tel      *telemetry
	out      io.Writer
	ioRetry  retry.Policy
}

func (f *commonFlags) open(ctx context.Context, stdout, stderr io.Writer) (*env, error) {
	cfg, err := loadConfig(f.configPath, splitList(f.steps))
	if err != nil {
		return nil, err
	}
	f.apply(&cfg)

	logger, err := newLogger(stderr, cfg.Observability)
	if err != nil {
		return nil, err
	}
	exp, err := newExporter(cfg.Export)
	if err != nil {
		return nil, err
	}
	st, err := openStore(ctx, cfg.Store, logger)
	if err != nil {
		return nil, err
	}
	return &env{
		cfg:      cfg,
		logger:   logger,
		store:    st,
		exporter: exp,
		tel:      newTelemetry(cfg.Observability, logger),
		out:      stdout,
		ioRetry:  retry.Default.WithAttempts(f.ioRetries),
	}, nil
}

func (e *env) Close(ctx context.Context) error {
	return errors.Join(e.tel.Shutdown(ctx), e.store.Close())
}

func (e *env) engine(binder session.Binder, portal *portalsim.Portal) (*batchrun.Engine, error) {
	opts := append([]batchrun.Option{
		batchrun.WithLogger(e.logger),
		batchrun.WithIORetry(e.ioRetry),
	}, e.tel.options()...)
	return batchrun.New(batchrun.Deps{
		Store:      e.store,
		Binder:     binder,
		Form:       portal,
		Classifier: portal,
		Page:       portal,
		Exporter:   e.exporter,
	}, e.cfg, opts...)
}

// host returns a simulated tab over a fresh portal.
func (e *env) host(opts ...portalsim.Option) *portalsim.Host {
	portal := portalsim.New(opts...)
	return portalsim.NewHost(portal, func(b session.Binder) (*batchrun.Engine, error) {
		return e.engine(b, portal)
	})
}

// operator returns an engine bound to instanceID for control calls.
func (e *env) operator(instanceID int) (*batchrun.Engine, error) {
	binder := session.NewMemoryBinder()
	if instanceID > 0 {
		if err := binder.Bind(instanceID); err != nil {
			return nil, err
		}
	}
	return e.engine(binder, portalsim.New())
}

func cmdRun(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var cf commonFlags
	cf.register(fs)
	itemsPath := fs.String("items", "", "file with item ids, - for stdin (required)")
	total := fs.Int("instances", 1, "total number of instances sharing the item list")
	only := fs.Int("instance", 0, "run only this instance (default: all)")
	minLen := fs.Int("min-len", 1, "drop item ids shorter than this")
	rateEvery := fs.Int("rate-limit-every", 0, "simulate a rate limit on every n-th first submission")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *itemsPath == "" {
		return fmt.Errorf("%w: -items is required", errUsage)
	}
	if *only < 0 || *only > *total {
		return fmt.Errorf("%w: -instance must be within 1..%d", errUsage, *total)
	}

	e, err := cf.open(ctx, stdout, stderr)
	if err != nil {
		return err
	}
	defer func() { _ = e.Close(context.Background()) }()

	items, err := readItems(*itemsPath, *minLen)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return batchrun.ErrEmptyItems
	}

	ids := []int{*only}
	if *only == 0 {
		ids = ids[:0]
		for id := 1; id <= *total; id++ {
			ids = append(ids, id)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		g.Go(func() error {
			return e.runInstance(gctx, id, *total, items, *rateEvery)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return e.printStatus(ctx)
}

// runInstance drives one instance to completion, continuing an interrupted
// or paused run of the same instance when one is stored. A stored run over a
// different item list is left alone.
func (e *env) runInstance(ctx context.Context, id, total int, items []string, rateEvery int) error {
	var opts []portalsim.Option
	if rateEvery > 0 {
		opts = append(opts, portalsim.WithResponder(everyNthRateLimited(rateEvery)))
	}
	host := e.host(opts...)
	log := e.logger.With(slog.Int("instance_id", id))

	first := portalsim.Start(id, total, items)
	cp, err := checkpoint.Load(ctx, e.store, id)
	switch {
	case err == nil && cp.IsActive:
		log.Info("continuing interrupted run", slog.String("run_id", cp.RunID), slog.Int("index", cp.CurrentIndex))
		if err := host.Binder().Bind(id); err != nil {
			return err
		}
		first = portalsim.OnLoad
	case err == nil && (cp.TotalItems != len(items) || cp.TotalInstances != total):
		return fmt.Errorf("instance %d has a paused run over %d items in %d instances; use resume or stop first",
			id, cp.TotalItems, cp.TotalInstances)
	case err == nil:
		log.Info("resuming paused run", slog.String("run_id", cp.RunID), slog.Int("index", cp.CurrentIndex))
		if err := host.Binder().Bind(id); err != nil {
			return err
		}
		first = func(ctx context.Context, eng *batchrun.Engine) (batchrun.Status, error) {
			return eng.Resume(ctx)
		}
	case !errors.Is(err, checkpoint.ErrNotFound):
		return err
	}

	status, err := host.Run(ctx, first)
	if errors.Is(err, context.Canceled) {
		log.Warn("interrupted; run again to continue", slog.Int("loads", host.Loads()))
		return nil
	}
	if err != nil {
		return fmt.Errorf("instance %d: %w", id, err)
	}
	log.Info("instance finished", slog.String("status", status.String()), slog.Int("loads", host.Loads()))
	return nil
}

// everyNthRateLimited answers every n-th first attempt with a rate limit.
func everyNthRateLimited(n int) portalsim.Responder {
	var count atomic.Int64
	return func(itemID, step string, attempt int) outcome.Result {
		if attempt == 1 && count.Add(1)%int64(n) == 0 {
			return outcome.Result{Kind: outcome.KindRateLimited, Message: "too many requests"}
		}
		return portalsim.AlwaysSuccess(itemID, step, attempt)
	}
}

func cmdStatus(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var cf commonFlags
	cf.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	e, err := cf.open(ctx, stdout, stderr)
	if err != nil {
		return err
	}
	defer func() { _ = e.Close(context.Background()) }()
	return e.printStatus(ctx)
}

func (e *env) printStatus(ctx context.Context) error {
	eng, err := e.operator(0)
	if err != nil {
		return err
	}
	runs, err := eng.Instances(ctx)
	if err != nil {
		return err
	}
	settings, ok, err := eng.LastSettings(ctx)
	if err != nil {
		return err
	}
	var last *batchrun.Settings
	if ok {
		last = &settings
	}
	_, err = fmt.Fprintln(e.out, renderStatus(runs, last))
	return err
}

func instanceFlags(name string, stderr io.Writer) (*flag.FlagSet, *commonFlags, *int) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	cf := &commonFlags{}
	cf.register(fs)
	id := fs.Int("instance", 0, "instance id (required)")
	return fs, cf, id
}

func withOperator(ctx context.Context, name string, args []string, stdout, stderr io.Writer,
	fn func(context.Context, *batchrun.Engine) (string, error)) error {
	fs, cf, id := instanceFlags(name, stderr)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id < 1 {
		return fmt.Errorf("%w: -instance is required", errUsage)
	}
	e, err := cf.open(ctx, stdout, stderr)
	if err != nil {
		return err
	}
	defer func() { _ = e.Close(context.Background()) }()

	eng, err := e.operator(*id)
	if err != nil {
		return err
	}
	msg, err := fn(ctx, eng)
	if err != nil {
		return fmt.Errorf("%s instance %d: %w", name, *id, err)
	}
	_, err = fmt.Fprintf(stdout, "instance %d: %s\n", *id, msg)
	return err
}

func cmdResume(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs, cf, id := instanceFlags("resume", stderr)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id < 1 {
		return fmt.Errorf("%w: -instance is required", errUsage)
	}
	e, err := cf.open(ctx, stdout, stderr)
	if err != nil {
		return err
	}
	defer func() { _ = e.Close(context.Background()) }()

	host := e.host()
	if err := host.Binder().Bind(*id); err != nil {
		return err
	}
	status, err := host.Run(ctx, func(ctx context.Context, eng *batchrun.Engine) (batchrun.Status, error) {
		return eng.Resume(ctx)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("resume instance %d: %w", *id, err)
	}
	_, err = fmt.Fprintf(stdout, "instance %d: %s\n", *id, status)
	return err
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
