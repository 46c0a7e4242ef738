package main

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"

	"calsync/internal/accounts"
	"calsync/internal/config"
	"calsync/internal/google"
	"calsync/internal/models"
	"calsync/internal/normalize"
	"calsync/internal/source"
	"calsync/internal/syncer"
)

func main() {
	// Load .env file first, but don't error if it doesn't exist.
	_ = godotenv.Load()

	app := &cli.App{
		Name:  "calsync",
		Usage: "Aggregate calendar events from native, imported and cloud sources.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Value: "calsync.yaml", Usage: "Path to the config file."},
		},
		Commands: []*cli.Command{
			authCommand(),
			accountsCommand(),
			syncCommand(),
			eventsCommand(),
			statusCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		slog.Error("Application failed", "error", err)
		os.Exit(1)
	}
}

func authCommand() *cli.Command {
	return &cli.Command{
		Name:  "auth",
		Usage: "Connect a cloud calendar account.",
		Action: func(c *cli.Context) error {
			engine, _, err := buildEngine(c)
			if err != nil {
				return err
			}

			authURL, err := engine.AuthURL("state-token")
			if err != nil {
				return err
			}
			fmt.Printf("Go to the following link in your browser then type the "+
				"authorization code: \n%v\n", authURL)

			fmt.Print("Enter Authorization Code: ")
			reader := bufio.NewReader(os.Stdin)
			authCode, _ := reader.ReadString('\n')
			authCode = strings.TrimSpace(authCode)

			account, err := engine.AddAccount(c.Context, authCode)
			if err != nil {
				return fmt.Errorf("failed to connect account: %w", err)
			}

			fmt.Printf("Connected %s (%s)\n", account.Email, account.DisplayName)
			return nil
		},
	}
}

func accountsCommand() *cli.Command {
	return &cli.Command{
		Name:  "accounts",
		Usage: "Manage connected cloud accounts.",
		Subcommands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List connected accounts.",
				Action: func(c *cli.Context) error {
					engine, _, err := buildEngine(c)
					if err != nil {
						return err
					}
					accs := engine.Accounts()
					if len(accs) == 0 {
						fmt.Println("No accounts connected.")
						return nil
					}
					for _, a := range accs {
						fmt.Printf("%s\t%s\tconnected %s\n", a.Email, a.DisplayName, a.ConnectedAt.Format(time.RFC3339))
					}
					return nil
				},
			},
			{
				Name:      "remove",
				Usage:     "Disconnect an account (local only, never revokes the grant).",
				ArgsUsage: "<email>",
				Action: func(c *cli.Context) error {
					if c.NArg() != 1 {
						return fmt.Errorf("usage: accounts remove <email>")
					}
					engine, _, err := buildEngine(c)
					if err != nil {
						return err
					}
					if err := engine.RemoveAccount(c.Args().First()); err != nil {
						return err
					}
					fmt.Println("Account removed.")
					return nil
				},
			},
		},
	}
}

func syncCommand() *cli.Command {
	return &cli.Command{
		Name:  "sync",
		Usage: "Run the aggregation once, or keep refreshing in the background.",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "watch", Usage: "Keep running and refresh on the configured interval."},
		},
		Action: func(c *cli.Context) error {
			engine, logger, err := buildEngine(c)
			if err != nil {
				return err
			}

			if !c.Bool("watch") {
				result, err := engine.TriggerManualSync(c.Context)
				if err != nil {
					return fmt.Errorf("sync failed: %w", err)
				}
				printResult(result)
				return nil
			}

			if err := engine.Start(); err != nil {
				return err
			}
			defer engine.Stop()
			logger.Info("Watching for calendar changes. Press Ctrl+C to stop.")

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
			<-stop
			return nil
		},
	}
}

func eventsCommand() *cli.Command {
	return &cli.Command{
		Name:  "events",
		Usage: "Print the aggregated event list for the configured horizon.",
		Action: func(c *cli.Context) error {
			engine, _, err := buildEngine(c)
			if err != nil {
				return err
			}

			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			now := time.Now()
			window := models.TimeRange{Start: now, End: now.AddDate(0, 0, cfg.HorizonDays)}

			events, sourceErrs, err := engine.GetAggregatedEvents(c.Context, window)
			if err != nil {
				return err
			}
			for _, ev := range events {
				marker := ""
				if ev.AllDay {
					marker = " (all day)"
				}
				fmt.Printf("%s  %s%s  [%s]\n", ev.Start.Format("2006-01-02 15:04"), ev.Title, marker, ev.Source)
			}
			for _, serr := range sourceErrs {
				fmt.Fprintf(os.Stderr, "warning: %s source failed: %s\n", serr.Source, serr.Detail)
			}
			return nil
		},
	}
}

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Show the sync scheduler status.",
		Action: func(c *cli.Context) error {
			engine, _, err := buildEngine(c)
			if err != nil {
				return err
			}
			st := engine.GetSyncStatus()
			fmt.Printf("enabled: %v\nrunning: %v\n", st.Enabled, st.Running)
			if st.LastSync != nil {
				fmt.Printf("last sync: %s\n", st.LastSync.Format(time.RFC3339))
			}
			if st.NextSync != nil {
				fmt.Printf("next sync: %s\n", st.NextSync.Format(time.RFC3339))
			}
			if st.LastError != "" {
				fmt.Printf("last error: %s\n", st.LastError)
			}
			return nil
		},
	}
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// buildEngine assembles the full engine from the config file.
func buildEngine(c *cli.Context) (*syncer.Engine, *slog.Logger, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, nil, err
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = cfg.LogLevel
	}
	logger := setupLogger(logLevel)

	loc := cfg.Location()

	store, err := accounts.NewStore(logger, filepath.Join(cfg.DataDir, "accounts.json"))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open account store: %w", err)
	}

	var oauth *google.OAuth
	if cfg.GoogleClientID != "" && cfg.GoogleClientSecret != "" {
		oauth, err = google.NewOAuth(cfg.GoogleClientID, cfg.GoogleClientSecret)
		if err != nil {
			return nil, nil, err
		}
	} else {
		logger.Warn("google credentials not configured, cloud accounts disabled")
	}

	native := source.NewNativeHelperProvider(logger, cfg.HelperPath)
	script := source.NewScriptFallbackProvider(logger, loc)
	providers := []source.Provider{
		source.NewFallbackProvider(logger, native, script),
	}
	if len(cfg.ImportFiles) > 0 {
		providers = append(providers, source.NewFileImportProvider(logger, cfg.ImportDir, cfg.ImportFiles, loc))
	}

	cache := syncer.NewCache(cfg.CacheTTL)
	normalizer := normalize.New(loc)
	agg := syncer.NewAggregator(logger, providers, store, oauth, normalizer, cache)
	sched := syncer.NewScheduler(logger, agg, cfg.SyncInterval, time.Duration(cfg.HorizonDays)*24*time.Hour)

	return syncer.NewEngine(logger, store, oauth, cache, agg, sched), logger, nil
}

func setupLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
}

func printResult(result models.AggregationResult) {
	fmt.Printf("Synced %d events", len(result.Events))
	if len(result.SourceErrors) > 0 {
		fmt.Printf(" (%d sources failed)", len(result.SourceErrors))
	}
	fmt.Println()
	for _, serr := range result.SourceErrors {
		fmt.Fprintf(os.Stderr, "warning: %s source failed: %s\n", serr.Source, serr.Detail)
	}
}
