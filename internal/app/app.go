package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"market-change-alerts/internal/alerting"
	"market-change-alerts/internal/config"
	"market-change-alerts/internal/detector"
	"market-change-alerts/internal/fetcher"
	"market-change-alerts/internal/market"
	"market-change-alerts/internal/monitoring"
	"market-change-alerts/internal/scheduler"
	"market-change-alerts/internal/service"
	"market-change-alerts/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

// backend is what every store driver provides.
type backend interface {
	storage.Store
	storage.HistoryReader
	storage.Locker
}

// Settings converts the detector section into the immutable detector settings.
func (a *App) Settings() (detector.Settings, error) {
	cfg := a.Config.Detector

	hour, minute, err := cfg.Cutover()
	if err != nil {
		return detector.Settings{}, err
	}
	loc, err := cfg.Location()
	if err != nil {
		return detector.Settings{}, err
	}

	thresholds := detector.Thresholds{
		Generic:       make(map[market.Family]float64),
		MarkIV:        cfg.Sensitivities["mark_iv"],
		MarkIV0DTE:    cfg.Sensitivities["mark_iv_0dte"],
		CutoverHour:   hour,
		CutoverMinute: minute,
		Location:      loc,
	}
	for _, family := range []market.Family{market.SpotPrice, market.FuturesPrice, market.PoolDepositedValue, market.PoolSharePrice} {
		if rate, ok := cfg.Sensitivities[string(family)]; ok {
			thresholds.Generic[family] = rate
		}
	}

	broadcast := make(map[market.Family]bool, len(cfg.BroadcastFamilies))
	for _, name := range cfg.BroadcastFamilies {
		family, err := market.ParseFamily(strings.TrimSpace(name))
		if err != nil {
			return detector.Settings{}, fmt.Errorf("detector.broadcast_families: %w", err)
		}
		broadcast[family] = true
	}

	assets := make([]string, 0, len(cfg.Assets))
	for _, asset := range cfg.Assets {
		assets = append(assets, strings.ToUpper(strings.TrimSpace(asset)))
	}

	settings := detector.Settings{
		Window:       cfg.Window,
		Retention:    cfg.Retention,
		Assets:       assets,
		Thresholds:   thresholds,
		Broadcast:    broadcast,
		PriceEnabled: cfg.PriceDetectorEnabled,
		LockTTL:      cfg.LockTTL,
	}
	if err := settings.Validate(); err != nil {
		return detector.Settings{}, err
	}
	return settings, nil
}

func (a *App) newMarketSource(ctx context.Context) (fetcher.MarketSource, error) {
	cfg := a.Config.Market
	switch cfg.Source {
	case "http":
		return fetcher.NewHTTPMarket(fetcher.HTTPMarketOptions{
			URL:       cfg.URL,
			Timeout:   cfg.RequestTimeout,
			UserAgent: cfg.UserAgent,
		}, a.Logger), nil
	default:
		src, err := fetcher.NewS3Market(ctx, fetcher.S3Options{
			Bucket:          cfg.S3.Bucket,
			Key:             cfg.S3.Key,
			Region:          cfg.S3.Region,
			Endpoint:        cfg.S3.Endpoint,
			PathStyle:       cfg.S3.PathStyle,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
			Timeout:         cfg.RequestTimeout,
		}, a.Logger)
		if err != nil {
			return nil, err
		}
		return src, nil
	}
}

func (a *App) newLiquiditySource() fetcher.LiquiditySource {
	cfg := a.Config.Pool
	return fetcher.NewPool(fetcher.PoolOptions{
		RPCURL:                cfg.RPCURL,
		ViewAggregatorAddress: cfg.ViewAggregatorAddress,
		OlpManagerAddress:     cfg.OlpManagerAddress,
		ScaleDecimals:         cfg.ScaleDecimals,
		Timeout:               cfg.RequestTimeout,
	}, a.Logger)
}

// newNotifier fans out to every enabled channel. With alerting disabled or no
// channel configured, notifications only reach the log.
func (a *App) newNotifier() alerting.Notifier {
	cfg := a.Config.Alerting
	if !cfg.Enabled {
		return alerting.NewLogNotifier(a.Logger)
	}

	var channels []alerting.Notifier
	if cfg.Telegram.Enabled {
		channels = append(channels, alerting.NewTelegramNotifier(alerting.TelegramOptions{
			BotToken:         cfg.Telegram.BotToken,
			ChatID:           cfg.Telegram.ChatID,
			APIBase:          cfg.Telegram.APIBase,
			BroadcastMention: cfg.Telegram.BroadcastMention,
		}, a.Logger))
	}
	if cfg.Slack.Enabled {
		channels = append(channels, alerting.NewSlackNotifier(alerting.SlackOptions{
			NotificationWebhook: cfg.Slack.NotificationWebhook,
			AlertWebhook:        cfg.Slack.AlertWebhook,
			BroadcastMention:    cfg.Slack.BroadcastMention,
		}, a.Logger))
	}
	if len(channels) == 0 {
		a.Logger.Warn().Msg("alerting enabled but no channel configured; notifications go to the log")
		return alerting.NewLogNotifier(a.Logger)
	}
	if len(channels) == 1 {
		return channels[0]
	}
	return alerting.NewMulti(a.Logger, channels...)
}

func (a *App) openStore(ctx context.Context) (backend, func(), error) {
	cfg := a.Config.Store
	switch cfg.Driver {
	case "postgres":
		pool, err := storage.NewPool(ctx, cfg.Database)
		if err != nil {
			return nil, nil, err
		}
		store := storage.NewPostgresStore(pool)
		if err := store.EnsureSchema(ctx); err != nil {
			store.Close()
			return nil, nil, err
		}
		return store, store.Close, nil
	case "memory":
		a.Logger.Warn().Msg("store.driver=memory; history is lost on restart")
		return storage.NewMemoryStore(nil), func() {}, nil
	default:
		client, err := storage.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			return nil, nil, err
		}
		store := storage.NewRedisStore(client, a.Config.Detector.KeyPrefix)
		closer := func() {
			if err := store.Close(); err != nil {
				a.Logger.Warn().Err(err).Msg("close redis client")
			}
		}
		return store, closer, nil
	}
}

func (a *App) newService(ctx context.Context, store backend, sched *scheduler.Scheduler) (*service.Service, error) {
	settings, err := a.Settings()
	if err != nil {
		return nil, err
	}
	marketSource, err := a.newMarketSource(ctx)
	if err != nil {
		return nil, err
	}

	return service.New(service.Options{
		Settings:   settings,
		Market:     marketSource,
		Liquidity:  a.newLiquiditySource(),
		Store:      store,
		Locker:     store,
		Notifier:   a.newNotifier(),
		RunTimeout: a.Config.Scheduler.RunTimeout,
	}, sched, a.Logger)
}

// Run executes the long-running monitoring service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	sched, err := scheduler.New(scheduler.Options{
		Interval:      a.Config.Scheduler.Interval,
		AlignToBucket: a.Config.Scheduler.AlignToBucket,
		StartupDelay:  a.Config.Scheduler.StartupDelay,
	}, a.Logger)
	if err != nil {
		return err
	}

	svc, err := a.newService(ctx, store, sched)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	if a.Config.Metrics.Enabled {
		g.Go(func() error {
			return monitoring.Serve(gctx, a.Config.Metrics.Addr, a.Logger)
		})
	}
	g.Go(func() error {
		a.Logger.Info().
			Str("store", a.Config.Store.Driver).
			Str("market_source", a.Config.Market.Source).
			Dur("window", a.Config.Detector.Window).
			Msg("starting monitoring service")
		return svc.Run(gctx)
	})

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("monitoring service stopped")
	return nil
}

// Check runs both detectors once and returns their joined failures.
func (a *App) Check(ctx context.Context) ([]service.Report, error) {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	defer closeStore()

	svc, err := a.newService(ctx, store, nil)
	if err != nil {
		return nil, err
	}

	reports := svc.RunAll(ctx)
	for _, r := range reports {
		event := a.Logger.Info()
		if r.Err != nil {
			event = a.Logger.Error().Err(r.Err)
		}
		event.Str("pipeline", r.Pipeline).
			Str("outcome", string(r.Outcome)).
			Int("alerts", len(r.Result.Alerts)).
			Int("skipped", r.Result.Skipped).
			Msg("check finished")
	}
	return reports, service.Errors(reports)
}

// ExportOptions hold parameters for exporting one instance's history.
type ExportOptions struct {
	Family    market.Family
	Instance  market.InstanceKey
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Families []market.Family
	Limit    int
}

// SimulateOptions describe a synthetic move for simulate-alert.
type SimulateOptions struct {
	Family   market.Family
	Asset    string
	Previous float64
	Current  float64
}
