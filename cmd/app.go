package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"harvest/analyzer"
	"harvest/config"
	"harvest/nuclear"
	"harvest/resilience"
	"harvest/search"
	"harvest/store"
	"harvest/strategy"
	"harvest/worker"
)

// app holds the wired components shared by the commands.
type app struct {
	cfg      *config.Config
	log      *zap.SugaredLogger
	db       *sqlx.DB
	registry *resilience.Registry
	stats    *strategy.Stats
	cascade  *strategy.Cascade
	content  *store.ContentStore
	jobs     *worker.JobStore
	limiter  *search.Limiter
	searcher *search.Service
	failures *nuclear.Store
}

// newLogger builds the process logger: rotating JSON file when a log file is
// configured, console to stderr otherwise.
func newLogger(cfg *config.Config) *zap.SugaredLogger {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var core zapcore.Core
	if cfg.LogFile != "" {
		rotating := &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    10, // megabytes before rotation
			MaxBackups: 3,
			MaxAge:     28, // days
			Compress:   true,
		}
		core = zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg),
			zapcore.AddSync(rotating), zapcore.InfoLevel)
	} else {
		core = zapcore.NewCore(zapcore.NewConsoleEncoder(encoderCfg),
			zapcore.AddSync(os.Stderr), zapcore.InfoLevel)
	}
	return zap.New(core).Sugar()
}

// initApp loads configuration and wires every component.
func initApp(ctx context.Context, configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	log := newLogger(cfg)

	if cfg.DataDir != "" {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx, db, log); err != nil {
		db.Close()
		return nil, err
	}

	registry := resilience.NewRegistry(cfg.DataDir, log)
	stats := strategy.NewStats(cfg.StatsFile, log)
	gate := analyzer.New(&analyzer.Config{
		PaywallPhrases:      cfg.PaywallPhrases,
		PaywallSelectors:    cfg.PaywallSelectors,
		MinWordCount:        cfg.MinWordCount,
		TitleRatioThreshold: cfg.TitleRatioThreshold,
	})
	cascade := strategy.NewCascade(buildStrategies(cfg, log), stats, gate, log)

	limiter := search.NewLimiter(cfg.SearchDailyQuota, cfg.DataDir, log)
	searcher := search.NewService(search.NewQueue(db, log), limiter, registry,
		cfg.SearchAPIKey, cfg.SearchEngineID, cfg.DefaultTimeout, log)

	return &app{
		cfg:      cfg,
		log:      log,
		db:       db,
		registry: registry,
		stats:    stats,
		cascade:  cascade,
		content:  store.NewContentStore(db, cfg.MaxContentSize, log),
		jobs:     worker.NewJobStore(db, log),
		limiter:  limiter,
		searcher: searcher,
		failures: nuclear.NewStore(db, 0, 0, log),
	}, nil
}

func (a *app) close() {
	if a.db != nil {
		a.db.Close()
	}
	a.log.Sync()
}

// buildStrategies assembles the full cascade from configuration. Strategies
// that need credentials or budgets they do not have exclude themselves via
// CanHandle, so registering everything unconditionally is safe.
func buildStrategies(cfg *config.Config, log *zap.SugaredLogger) []strategy.Strategy {
	timeout := cfg.DefaultTimeout
	sessionTTL := time.Duration(cfg.SessionTTLHours) * time.Hour

	sites := make(map[string]strategy.SiteCredentials, len(cfg.AuthSiteCredentials))
	for site, creds := range cfg.AuthSiteCredentials {
		sites[site] = strategy.SiteCredentials{
			Username: creds.Username,
			Password: creds.Password,
			LoginURL: creds.LoginURL,
		}
	}

	return []strategy.Strategy{
		strategy.NewAuthSession(sites, cfg.DataDir, sessionTTL, timeout, cfg.UserAgents.Default, log),
		strategy.NewDirect(timeout, cfg.UserAgents.Default),
		strategy.NewGooglebotSpoof(timeout, cfg.UserAgents.Bot),
		strategy.NewReaderMode(timeout, cfg.UserAgents.Reader, cfg.MinWordCount),
		strategy.NewBypassProxy(cfg.BypassProxyTemplates, timeout, cfg.UserAgents.Default, log),
		strategy.NewJSDisabled(timeout, cfg.UserAgents.Default, cfg.MinWordCount),
		strategy.NewDOMScrub(cfg.PaywallSelectors, timeout, cfg.UserAgents.Default, cfg.MinWordCount),
		strategy.NewPartialLoad(cfg.UserAgents.Default, cfg.MinWordCount),
		strategy.NewArchiveMirror(cfg.ArchiveMirrors, timeout, cfg.UserAgents.Default, log),
		strategy.NewWaybackLatest(timeout, cfg.UserAgents.Default, log),
		strategy.NewWaybackTimeframes(cfg.ArchiveTimeframes, timeout, cfg.UserAgents.Default, log),
		strategy.NewHeadlessBrowser(2*timeout, log),
		strategy.NewFirecrawl(cfg.FirecrawlAPIKey, cfg.FirecrawlMonthlyLimit, cfg.DataDir, timeout, log),
	}
}
