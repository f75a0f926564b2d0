package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"soilwatch/internal/aggregator"
	"soilwatch/internal/alerting"
	"soilwatch/internal/config"
	"soilwatch/internal/ingest"
	"soilwatch/internal/query"
	"soilwatch/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	Out    io.Writer

	// openBackend overrides backend selection in tests.
	openBackend func(ctx context.Context) (storage.Backend, error)
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger(), Out: os.Stdout}
}

// components bundles the wired domain services over one store.
type components struct {
	store      *storage.Store
	aggregator *aggregator.Aggregator
	ingest     *ingest.Service
	query      *query.Service
}

func (a *App) newBackend(ctx context.Context) (storage.Backend, error) {
	if a.openBackend != nil {
		return a.openBackend(ctx)
	}

	cfg := a.Config.Storage
	switch cfg.Backend {
	case config.BackendRedis:
		return storage.NewRedis(ctx, cfg.RedisURL, a.Logger)
	case config.BackendPostgres:
		pool, err := storage.NewPool(ctx, cfg.Postgres)
		if err != nil {
			return nil, err
		}
		pg := storage.NewPostgres(pool, a.Logger)
		if err := pg.EnsureSchema(ctx); err != nil {
			pg.Close()
			return nil, err
		}
		return pg, nil
	case config.BackendMemory:
		a.Logger.Warn().Msg("storage.backend is memory; data is lost when the process exits")
		return storage.NewMemory(a.Logger), nil
	default:
		return nil, fmt.Errorf("unsupported storage backend %q", cfg.Backend)
	}
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	backend, err := a.newBackend(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s store: %w", a.Config.Storage.Backend, err)
	}

	store := storage.NewStore(backend, storage.Options{
		Prefix:     a.Config.Storage.KeyPrefix,
		HistoryCap: a.Config.Storage.HistoryCap,
		RollupCap:  a.Config.Storage.RollupCap,
	}, a.Logger)
	closer := func() {
		if err := store.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("closing store")
		}
	}
	return store, closer, nil
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, cfg.Timeout, a.Logger)
	}
	return nil
}

func (a *App) wire(store *storage.Store, withAlerts bool) (*components, error) {
	ranges, err := query.NewRanges(a.Config.Query.Ranges)
	if err != nil {
		return nil, err
	}

	agg := aggregator.New(store, a.Config.Aggregation.Window, a.Logger)

	var opts []ingest.Option
	if withAlerts && a.Config.Alerting.Enabled {
		if notifier := a.newNotifier(); notifier != nil {
			dryness := alerting.NewDryness(alerting.DrynessOptions{
				ThresholdPct: a.Config.Alerting.ThresholdPct,
				Cooldown:     a.Config.Alerting.Cooldown,
			}, store, notifier, a.Logger)
			opts = append(opts, ingest.WithAlerts(dryness))
		} else {
			a.Logger.Warn().Msg("alerting enabled but no channel configured")
		}
	}

	return &components{
		store:      store,
		aggregator: agg,
		ingest:     ingest.New(store, agg, a.Logger, opts...),
		query:      query.New(store, ranges, a.Logger),
	}, nil
}

// withComponents opens the store, wires the services and runs fn.
func (a *App) withComponents(ctx context.Context, withAlerts bool, fn func(*components) error) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	c, err := a.wire(store, withAlerts)
	if err != nil {
		return err
	}
	return fn(c)
}

// ShowOptions configure the show command.
type ShowOptions struct {
	DeviceID string
	Limit    int
	Rollups  bool
}

// QueryOptions configure the query command.
type QueryOptions struct {
	DeviceID string
	Range    string
	JSON     bool
}

// IngestOptions configure the ingest command.
type IngestOptions struct {
	DeviceID string
	Raw      float64
	At       time.Time
}

// CalibrateOptions configure the calibrate command.
type CalibrateOptions struct {
	DeviceID string
	RawDry   *float64
	RawWet   *float64
	Reset    bool
}

// ExportOptions hold parameters for exporting a query series.
type ExportOptions struct {
	DeviceID  string
	Range     string
	PNGPath   string
	CSVPath   string
	MaxPoints int
}
