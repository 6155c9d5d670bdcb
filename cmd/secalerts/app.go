package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/syscl0ck/security-feed-ntfy/config"
	"github.com/syscl0ck/security-feed-ntfy/cycle"
	"github.com/syscl0ck/security-feed-ntfy/fetcher"
	"github.com/syscl0ck/security-feed-ntfy/notify"
	"github.com/syscl0ck/security-feed-ntfy/storage"
)

// app holds the components shared by the subcommands.
type app struct {
	cfg   config.Config
	store *storage.Store
	logs  io.Closer
}

// newApp loads the config, installs logging and opens the store.
func newApp(opts *rootOptions, stdout io.Writer) (*app, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}

	logFile := cfg.App.LogFile
	if opts.logFile != "" {
		logFile = opts.logFile
	}
	logs, err := setupLogging(stdout, cfg.App.LogLevel, opts.verbose, logFile)
	if err != nil {
		return nil, err
	}
	slog.Info("config loaded", "mode", cfg.App.Mode, "timezone", cfg.App.Timezone,
		"rss_feeds", len(cfg.Feeds.RSS), "kev", cfg.Feeds.KEV.Enabled, "nvd", cfg.Feeds.NVD.Enabled)

	store, err := storage.New(cfg.App.DBPath)
	if err != nil {
		logs.Close()
		return nil, err
	}
	slog.Info("storage initialized", "db_path", cfg.App.DBPath)

	return &app{cfg: cfg, store: store, logs: logs}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		slog.Warn("closing storage", "error", err)
	}
	a.logs.Close()
}

// runner builds a cycle runner. mode overrides app.mode when set.
func (a *app) runner(ctx context.Context, mode string, dryRun bool) (*cycle.Runner, error) {
	if mode == "" {
		mode = a.cfg.App.Mode
	}
	if mode != string(cycle.ModeInstant) && mode != string(cycle.ModeDigest) {
		return nil, fmt.Errorf("invalid mode %q: must be instant or digest", mode)
	}

	if !dryRun && a.cfg.Notifier.Kind == "ntfy" && a.cfg.Notifier.Topic == "" {
		slog.Warn("no ntfy topic configured, running dry")
		dryRun = true
	}

	var n notify.Notifier
	if !dryRun {
		var err error
		n, err = buildNotifier(ctx, a.cfg)
		if err != nil {
			return nil, err
		}
	}

	client := &http.Client{Timeout: a.cfg.FetchTimeout()}
	return cycle.NewRunner(buildFetchers(a.cfg.Feeds, client), a.store, n, cycle.Config{
		Mode:             cycle.Mode(mode),
		Filters:          a.cfg.Scoring(),
		DryRun:           dryRun,
		Priority:         a.cfg.Notifier.Priority,
		DigestPath:       a.cfg.App.DigestOutput,
		DigestHTMLPath:   a.cfg.App.DigestHTMLOutput,
		DigestTopN:       a.cfg.App.DigestTopN,
		DigestWindow:     cycle.Window(a.cfg.App.DigestWindow),
		DigestMinItems:   a.cfg.App.DigestMinItems,
		Location:         a.cfg.Location(),
		Timeout:          a.cfg.CycleTimeout(),
		FetchConcurrency: a.cfg.App.FetchConcurrency,
	}), nil
}

// buildFetchers returns the enabled sources in rss, kev, nvd order.
func buildFetchers(feeds config.FeedsConfig, client *http.Client) []fetcher.Fetcher {
	var out []fetcher.Fetcher
	for _, f := range feeds.RSS {
		out = append(out, fetcher.NewRSS(fetcher.RSSFeed{
			Name:           f.Name,
			URL:            f.URL,
			Category:       f.Category,
			ExtractContent: f.ExtractContent,
		}, fetcher.WithHTTPClient(client)))
	}
	if feeds.KEV.Enabled {
		out = append(out, fetcher.NewKEV(fetcher.KEVConfig{
			Name:      feeds.KEV.Name,
			URL:       feeds.KEV.URL,
			SinceDays: feeds.KEV.SinceDays,
		}, fetcher.WithHTTPClient(client)))
	}
	if feeds.NVD.Enabled {
		out = append(out, fetcher.NewNVD(fetcher.NVDConfig{
			Name:           feeds.NVD.Name,
			URL:            feeds.NVD.URL,
			APIKey:         feeds.NVD.APIKey,
			LookbackHours:  feeds.NVD.LookbackHours,
			ResultsPerPage: feeds.NVD.ResultsPerRun,
		}, fetcher.WithHTTPClient(client)))
	}
	return out
}

// buildNotifier returns the configured transport behind rate limiting and
// retries.
func buildNotifier(ctx context.Context, c config.Config) (notify.Notifier, error) {
	cfg := c.Notifier
	var transport notify.Notifier
	switch cfg.Kind {
	case "telegram":
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		tg, err := notify.NewTelegram(notify.TelegramConfig{
			Token:  cfg.Telegram.Token,
			ChatID: cfg.Telegram.ChatID,
		}, nil)
		if err != nil {
			return nil, err
		}
		transport = tg
	default:
		transport = notify.NewNtfy(notify.NtfyConfig{
			BaseURL: cfg.BaseURL,
			Topic:   cfg.Topic,
			Token:   cfg.Token,
			Headers: cfg.Headers,
		}, nil)
	}

	limited := notify.NewRateLimit(transport, c.NotifyInterval(), 1)
	return notify.NewRetry(limited, notify.RetryConfig{Attempts: cfg.RetryAttempts}), nil
}
