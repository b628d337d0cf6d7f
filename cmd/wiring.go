package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/parcel-cli/internal/browser"
	"github.com/sells-group/parcel-cli/internal/bulk"
	"github.com/sells-group/parcel-cli/internal/config"
	"github.com/sells-group/parcel-cli/internal/fetcher"
	"github.com/sells-group/parcel-cli/internal/model"
	"github.com/sells-group/parcel-cli/internal/monitoring"
	"github.com/sells-group/parcel-cli/internal/pipeline"
	"github.com/sells-group/parcel-cli/internal/reconcile"
	"github.com/sells-group/parcel-cli/internal/resilience"
	"github.com/sells-group/parcel-cli/internal/session"
	"github.com/sells-group/parcel-cli/internal/source"
	"github.com/sells-group/parcel-cli/internal/staleness"
	"github.com/sells-group/parcel-cli/internal/store"
	"github.com/sells-group/parcel-cli/internal/workerpool"
)

// initStore opens the configured store and applies migrations.
func initStore(ctx context.Context) (store.Store, error) {
	var (
		st  store.Store
		err error
	)
	switch cfg.Store.Driver {
	case "sqlite":
		st, err = store.NewSQLite(cfg.Store.DatabaseURL)
	case "postgres":
		st, err = store.NewPostgres(ctx, cfg.Store.DatabaseURL, nil)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// acquisitionEnv holds everything an acquisition needs.
type acquisitionEnv struct {
	Store        store.Store
	Orchestrator *pipeline.Orchestrator
	Appraiser    *source.Appraiser
	Factory      session.Factory
	Timeouts     session.Timeouts
	Breakers     *resilience.SourceBreakers
}

func secs(n int) time.Duration { return time.Duration(n) * time.Second }

// sessionTimeouts maps the acquire settings onto session bounds. Zero values
// fall back to session defaults.
func sessionTimeouts(a config.AcquireConfig) session.Timeouts {
	return session.Timeouts{
		Find:  secs(a.FindTimeoutSecs),
		Click: secs(a.ClickTimeoutSecs),
		Load:  secs(a.LoadTimeoutSecs),
		Probe: secs(a.ProbeTimeoutSecs),
	}
}

// initAcquisition builds the orchestrator over st from the loaded config.
func initAcquisition(st store.Store) (*acquisitionEnv, error) {
	sel, err := source.LoadSelectors(cfg.Appraiser.SelectorsPath)
	if err != nil {
		return nil, err
	}

	factory, err := browser.NewFactory(browser.Options{
		Driver:     cfg.Browser.Driver,
		Headless:   cfg.Browser.Headless,
		ExecPath:   cfg.Browser.ChromePath,
		UserAgent:  cfg.Browser.UserAgent,
		UserAgents: cfg.Browser.UserAgents,
	})
	if err != nil {
		return nil, err
	}

	policy := resilience.FromRetryConfig(cfg.Acquire.MaxAttempts, cfg.Acquire.BaseDelayMs)
	appraiser, err := source.NewAppraiser(source.AppraiserConfig{
		BaseURL:        cfg.Appraiser.BaseURL,
		SearchURL:      cfg.Appraiser.SearchURL,
		MaxSearchPages: cfg.Appraiser.MaxSearchPages,
		Policy:         policy,
	}, sel.Appraiser)
	if err != nil {
		return nil, err
	}

	breakers := resilience.NewSourceBreakers(resilience.FromCircuitConfig(cfg.Circuit.FailureThreshold, cfg.Circuit.ResetTimeoutSecs))

	primary := pipeline.Stage{
		Source: model.SourceAppraiser,
		Task: source.Task(appraiser, source.Guard{
			Limiter: source.NewAdaptiveLimiter(string(model.SourceAppraiser), cfg.Appraiser.RatePerSec, 1),
			Breaker: breakers.Get(string(model.SourceAppraiser)),
		}),
	}

	var secondary pipeline.Stage
	if cfg.TaxCollector.Enabled {
		tc := source.NewTaxCollector(source.TaxCollectorConfig{SearchURL: cfg.TaxCollector.SearchURL}, sel.TaxCollector)
		secondary = pipeline.Stage{
			Source: model.SourceTaxCollector,
			Task: source.Task(tc, source.Guard{
				Limiter: source.NewAdaptiveLimiter(string(model.SourceTaxCollector), cfg.TaxCollector.RatePerSec, 1),
				Breaker: breakers.Get(string(model.SourceTaxCollector)),
			}),
		}
	}

	timeouts := sessionTimeouts(cfg.Acquire)
	pool := workerpool.New(workerpool.Options{
		Size:     cfg.Acquire.Concurrency,
		Factory:  factory,
		Timeouts: timeouts,
		Policy:   policy,
		Pace:     cfg.Acquire.Pace(),
	})

	orch := pipeline.New(pipeline.Deps{
		Store:     st,
		Engine:    reconcile.New(st),
		Pool:      pool,
		Staleness: staleness.Cache{Threshold: cfg.Acquire.Staleness()},
		Primary:   primary,
		Secondary: secondary,
	})

	return &acquisitionEnv{
		Store:        st,
		Orchestrator: orch,
		Appraiser:    appraiser,
		Factory:      factory,
		Timeouts:     timeouts,
		Breakers:     breakers,
	}, nil
}

// search resolves appraiser criteria into requests on a dedicated session.
func (e *acquisitionEnv) search(ctx context.Context, c source.Criteria, limit int) ([]model.AcquisitionRequest, error) {
	sess := session.New(0, e.Factory, e.Timeouts)
	defer sess.Close() //nolint:errcheck
	return e.Appraiser.Search(ctx, sess, c, limit)
}

// initImporter builds the bulk importer and the resolver for its sources.
func initImporter(st store.Store) (*bulk.Importer, *fetcher.Resolver) {
	im := bulk.NewImporter(reconcile.New(st), bulk.Options{
		BatchSize: cfg.Bulk.BatchSize,
		Runs:      st,
	})
	res := &fetcher.Resolver{
		HTTP: fetcher.NewHTTPFetcher(fetcher.HTTPOptions{UserAgent: cfg.Browser.UserAgent}),
		FTP:  fetcher.NewFTPFetcher(fetcher.FTPOptions{}),
		Dir:  cfg.Bulk.TempDir,
	}
	return im, res
}

// startMonitoring runs the alert checker in the background when enabled.
// The collector is returned either way for status reporting.
func startMonitoring(ctx context.Context, st store.Store, breakers *resilience.SourceBreakers) *monitoring.Collector {
	collector := monitoring.NewCollector(st, breakers)
	if cfg.Monitoring.Enabled {
		checker := monitoring.NewChecker(collector, monitoring.NewAlerter(cfg.Monitoring), cfg.Monitoring)
		go checker.Run(ctx)
	}
	return collector
}
