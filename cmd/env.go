package main

import (
	"context"
	"encoding/json"
	"io"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/comp-engine/internal/lifecycle"
	"github.com/sells-group/comp-engine/internal/monitoring"
	"github.com/sells-group/comp-engine/internal/pipeline"
	"github.com/sells-group/comp-engine/internal/store"
)

// engineEnv holds the store and services the batch commands share.
type engineEnv struct {
	Store     store.Store
	Rules     *store.CachedRules
	Pipeline  *pipeline.Pipeline
	Lifecycle *lifecycle.Machine
	Alerter   *monitoring.Alerter
}

// Close releases the store.
func (e *engineEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "compcalc.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// initEngine validates config for mode, opens and migrates the store, and
// wires the pipeline and lifecycle machine. Callers should defer env.Close().
func initEngine(ctx context.Context, mode string) (*engineEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	rules := store.NewCachedRules(st, cfg.Cache.RulesTTL(), cfg.Cache.MaxEntries, nil)
	alerter := monitoring.NewAlerter(cfg.Monitoring)
	p := pipeline.New(cfg, rules, st, st,
		pipeline.WithObservers(pipeline.LogObserver{}, alerter),
	)

	zap.L().Debug("engine initialized",
		zap.String("driver", cfg.Store.Driver),
		zap.String("mode", mode),
	)
	return &engineEnv{
		Store:     st,
		Rules:     rules,
		Pipeline:  p,
		Lifecycle: lifecycle.New(st, st),
		Alerter:   alerter,
	}, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
