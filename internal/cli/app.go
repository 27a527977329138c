package cli

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/ignatij/triageflow/internal/config"
	"github.com/ignatij/triageflow/internal/log"
	"github.com/ignatij/triageflow/internal/metrics"
	"github.com/ignatij/triageflow/internal/splunk"
	internal_storage "github.com/ignatij/triageflow/internal/storage"
	"github.com/ignatij/triageflow/pkg/security"
	"github.com/ignatij/triageflow/pkg/service"
	"github.com/ignatij/triageflow/pkg/storage"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// app holds everything a command needs to run workflows.
type app struct {
	cfg      *config.Config
	svc      *service.WorkflowService
	monitor  *security.Monitor
	registry *prometheus.Registry
	closers  []func() error
}

func newApp(cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg}
	ready := false
	defer func() {
		if !ready {
			a.Close()
		}
	}()

	var store storage.Store
	if dsn := cfg.Database.DSN(); dsn != "" {
		pg, err := internal_storage.InitStore(dsn)
		if err != nil {
			return nil, err
		}
		store = pg
		a.closers = append(a.closers, pg.Close)
		log.GetLogger().Debugf("Using PostgreSQL run store")
	} else {
		log.GetLogger().Debugf("No database configured, keeping runs in memory")
	}

	validator, err := security.NewValidator(cfg.Validator)
	if err != nil {
		return nil, errors.Wrap(err, "build query validator")
	}

	sink, err := a.auditSink(cfg.Audit)
	if err != nil {
		return nil, err
	}
	a.monitor = security.NewMonitor(cfg.Monitor, security.NewMemoryBaselineStore(),
		security.WithAuditSink(sink),
		security.WithResourcePolicy(validator),
	)

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	observer, err := metrics.New(a.registry)
	if err != nil {
		return nil, err
	}

	catalog := service.NewCatalog()
	if cfg.Splunk.BaseURL != "" {
		client, err := splunk.New(splunk.Config{
			BaseURL:            cfg.Splunk.BaseURL,
			Token:              cfg.Splunk.Token,
			Timeout:            cfg.Splunk.Timeout,
			MaxResults:         cfg.Splunk.MaxResults,
			InsecureSkipVerify: cfg.Splunk.InsecureSkipVerify,
		})
		if err != nil {
			return nil, err
		}
		if err := client.Register(catalog); err != nil {
			return nil, err
		}
	} else {
		log.GetLogger().Warnf("No search endpoint configured; tasks that declare capabilities will fail setup")
	}

	a.svc = service.NewWorkflowService(store, log.GetLogger(), validator, a.monitor, catalog,
		service.WithMaxInFlight(cfg.Executor.MaxInFlight),
		service.WithDefaultTaskTimeout(cfg.Executor.TaskTimeout),
		service.WithRetryDelay(cfg.Executor.RetryDelay),
		service.WithObserver(observer),
	)
	ready = true
	return a, nil
}

// auditSink builds the configured threat event exporters.
func (a *app) auditSink(cfg config.AuditConfig) (security.AuditSink, error) {
	onError := func(err error) {
		log.GetLogger().Warnf("Audit export failed: %v", err)
	}
	var sinks security.MultiSink

	if cfg.Output != "" {
		format, err := security.ParseAuditFormat(cfg.Format)
		if err != nil {
			return nil, err
		}
		var w io.Writer
		switch cfg.Output {
		case "stdout":
			w = os.Stdout
		case "stderr":
			w = os.Stderr
		default:
			f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
			if err != nil {
				return nil, errors.Wrapf(err, "open audit log %s", cfg.Output)
			}
			a.closers = append(a.closers, f.Close)
			w = f
		}
		sink := security.NewWriterSink(w, format, cfg.Buffer, onError)
		// sinks close before the files they write to
		a.closers = append([]func() error{sink.Close}, a.closers...)
		sinks = append(sinks, sink)
	}

	if cfg.NATSURL != "" {
		sink, closeFn, err := security.DialNATSSink(cfg.NATSURL, cfg.Subject, cfg.Buffer, onError)
		if err != nil {
			return nil, err
		}
		a.closers = append([]func() error{closeFn}, a.closers...)
		sinks = append(sinks, sink)
	}

	if len(sinks) == 0 {
		return security.NopSink{}, nil
	}
	return sinks, nil
}

// pruneBaselines drops caller baselines idle for more than ten monitor
// windows until ctx is done.
func (a *app) pruneBaselines(ctx context.Context) {
	window := a.cfg.Monitor.Window
	if window <= 0 {
		window = security.DefaultWindow
	}
	ticker := time.NewTicker(window)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := a.monitor.Baselines().Prune(now.Add(-10 * window)); n > 0 {
				log.GetLogger().Debugf("Pruned %d idle caller baselines", n)
			}
		}
	}
}

// Close releases sinks, files and the store, logging failures.
func (a *app) Close() {
	for _, c := range a.closers {
		if err := c(); err != nil {
			log.GetLogger().Warnf("Failed to release resource: %v", err)
		}
	}
	a.closers = nil
}
