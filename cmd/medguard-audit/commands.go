package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/hengadev/errsx"
	"github.com/hengadev/medguard"
	"github.com/hengadev/medguard/audit"
	"github.com/hengadev/medguard/internal/logging"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var errNoAuditDatabase = errors.New("audit driver is memory; nothing to inspect")

// configFlags are shared by every command that needs a Config.
type configFlags struct {
	path    string
	envFile string
}

func (c *configFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&c.path, "config", "", "Path to a YAML configuration file (default: environment)")
	fs.StringVar(&c.envFile, "env", "", "Load variables from this file before reading the environment")
}

func (c *configFlags) load() (medguard.Config, error) {
	if c.envFile != "" && c.path != "" {
		return medguard.Config{}, errors.New("-config and -env are mutually exclusive")
	}
	if c.path != "" {
		return medguard.LoadConfigFile(c.path)
	}
	if c.envFile != "" {
		return medguard.LoadConfigFromEnvironment(c.envFile)
	}
	return medguard.LoadConfigFromEnvironment()
}

func (a *app) newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(a.stderr)
	return fs
}

// parse returns done when the command should stop without error, as
// after -h.
func parse(fs *flag.FlagSet, args []string) (done bool, err error) {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return true, nil
		}
		return true, err
	}
	return false, nil
}

// openLog opens the configured audit database. The returned function
// closes it. Logs go to stderr so stdout stays machine readable.
func (a *app) openLog(ctx context.Context, cfg medguard.Config) (*audit.Log, func() error, error) {
	if cfg.Audit.Driver == medguard.AuditDriverMemory {
		return nil, nil, errNoAuditDatabase
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format, cfg.ServiceName, zapcore.AddSync(a.stderr))
	if err != nil {
		return nil, nil, err
	}
	store, db, err := medguard.OpenAuditStore(ctx, cfg.Audit)
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() error {
		_ = logger.Sync()
		return db.Close()
	}
	return audit.NewLog(store, audit.WithLogger(logger.With(zap.String("component", "medguard-audit")))), closeFn, nil
}

func (a *app) verifyCommand(ctx context.Context, args []string) error {
	fs := a.newFlagSet("verify")
	var cf configFlags
	cf.register(fs)
	if done, err := parse(fs, args); done {
		return err
	}

	cfg, err := cf.load()
	if err != nil {
		return err
	}
	log, closeFn, err := a.openLog(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = closeFn() }()

	if err := log.Verify(ctx); err != nil {
		return err
	}
	entries, err := log.Query(ctx, audit.Filter{})
	if err != nil {
		return err
	}
	fmt.Fprintf(a.stdout, "✓ Audit chain intact (%d entries)\n", len(entries))
	return nil
}

func (a *app) reportCommand(ctx context.Context, args []string) error {
	fs := a.newFlagSet("report")
	var cf configFlags
	cf.register(fs)
	since := fs.String("since", "24h", "Start of the window: RFC 3339 time or a duration before now")
	until := fs.String("until", "", "End of the window: RFC 3339 time (default: now)")
	user := fs.String("user", "", "Only include entries by this actor")
	level := fs.String("level", "", "Only include entries at this privilege level")
	if done, err := parse(fs, args); done {
		return err
	}

	now := time.Now().UTC()
	f, err := windowFilter(*since, *until, now)
	if err != nil {
		return err
	}
	f.ActorID = *user
	f.Level = *level

	cfg, err := cf.load()
	if err != nil {
		return err
	}
	log, closeFn, err := a.openLog(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = closeFn() }()

	report, err := log.GenerateReport(ctx, f)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(a.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

func (a *app) exportCommand(ctx context.Context, args []string) error {
	fs := a.newFlagSet("export")
	var cf configFlags
	cf.register(fs)
	key := fs.String("key", "", "Object key (default: audit-<since>-<until>.ndjson)")
	since := fs.String("since", "24h", "Start of the window: RFC 3339 time or a duration before now")
	until := fs.String("until", "", "End of the window: RFC 3339 time (default: now)")
	if done, err := parse(fs, args); done {
		return err
	}

	now := time.Now().UTC()
	f, err := windowFilter(*since, *until, now)
	if err != nil {
		return err
	}
	if *key == "" {
		*key = fmt.Sprintf("audit-%s-%s.ndjson", f.Since.Format("20060102T150405Z"), f.Until.Format("20060102T150405Z"))
	}

	cfg, err := cf.load()
	if err != nil {
		return err
	}
	sink, err := a.newSink(ctx, cfg.Archive)
	if err != nil {
		return err
	}
	log, closeFn, err := a.openLog(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = closeFn() }()

	n, err := log.Export(ctx, sink, *key, f)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.stdout, "Exported %d entries to %s\n", n, *key)
	return nil
}

func (a *app) validateCommand(args []string) error {
	fs := a.newFlagSet("validate-config")
	var cf configFlags
	cf.register(fs)
	if done, err := parse(fs, args); done {
		return err
	}

	cfg, err := cf.load()
	if err != nil {
		var errs errsx.Map
		if !errors.As(err, &errs) {
			return err
		}
		keys := make([]string, 0, len(errs))
		for k := range errs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(a.stdout, "✗ %s: %v\n", k, errs[k])
		}
		return fmt.Errorf("%d invalid field(s)", len(keys))
	}

	fmt.Fprintf(a.stdout, "✓ Configuration is valid (service %s, audit %s, secret source %s)\n",
		cfg.ServiceName, cfg.Audit.Driver, cfg.SecretSource)
	return nil
}

// windowFilter parses -since and -until. since is either an RFC 3339 time
// or a duration subtracted from now.
func windowFilter(since, until string, now time.Time) (audit.Filter, error) {
	var f audit.Filter

	f.Until = now
	if until != "" {
		t, err := time.Parse(time.RFC3339, until)
		if err != nil {
			return f, fmt.Errorf("invalid -until %q: %w", until, err)
		}
		f.Until = t.UTC()
	}

	if strings.TrimSpace(since) != "" {
		if d, err := time.ParseDuration(since); err == nil {
			f.Since = now.Add(-d)
		} else if t, err := time.Parse(time.RFC3339, since); err == nil {
			f.Since = t.UTC()
		} else {
			return f, fmt.Errorf("invalid -since %q: want an RFC 3339 time or a duration", since)
		}
	}

	if !f.Since.IsZero() && f.Since.After(f.Until) {
		return f, fmt.Errorf("-since %s is after -until %s", f.Since.Format(time.RFC3339), f.Until.Format(time.RFC3339))
	}
	return f, nil
}
