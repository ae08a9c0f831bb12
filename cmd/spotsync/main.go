// Package main provides the spotsync CLI entry point.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"spotsync/internal/artwork"
	"spotsync/internal/core"
	httpserver "spotsync/internal/http"
	"spotsync/internal/spotify"
	"spotsync/internal/store"
)

const envPrefix = "SPOTSYNC"

var errFatalPlaylists = errors.New("one or more playlists failed")

var (
	cfgFile string
	logger  *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "spotsync",
	Short: "spotsync - keep Spotify playlists in sync with their sources",
	Long: `spotsync rebuilds target playlists from a set of source playlists and priority
songs, then refreshes each playlist's cover and description from its top track.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runSync,
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Reconcile every configured playlist (default command)",
	RunE:  runSync,
}

var metadataCmd = &cobra.Command{
	Use:   "metadata",
	Short: "Refresh cover and description without touching playlist contents",
	RunE: func(cmd *cobra.Command, args []string) error {
		viper.Set("metadata-only", true)
		return runSync(cmd, args)
	},
}

var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Authorize spotsync with Spotify and save the token",
	RunE:  runAuth,
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent runs from the history database",
	RunE:  runHistory,
}

var envExampleCmd = &cobra.Command{
	Use:   "env-example",
	Short: "Generate a .env.example file from the available flags",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return generateEnvExample(cmd.Root())
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	defaults := core.DefaultConfig()
	flags := rootCmd.PersistentFlags()

	flags.StringVar(&cfgFile, "config", "", "env file (default is .env)")
	flags.String("playlist-config", "playlist_config.json", "Playlist definitions file (json or yaml)")
	flags.StringSlice("playlist", nil, "Only process the named playlists (repeatable)")
	flags.String("log-level", defaults.Log.Level, "log level (debug, info, warn, error)")
	flags.String("log-format", defaults.Log.Format, "log format (json, text)")

	flags.String("spotify-client-id", "", "Spotify client ID")
	flags.String("spotify-client-secret", "", "Spotify client secret")
	flags.String("spotify-redirect-url", defaults.Spotify.RedirectURL, "OAuth redirect URL registered for the app")
	flags.String("spotify-token-path", defaults.Spotify.TokenPath, "Where the OAuth token is stored")
	flags.String("market", "", "Market (ISO country code) used for track relinking")

	flags.Int("max-retries", defaults.Sync.MaxRetries, "Attempts per remote call")
	flags.Duration("retry-base-delay", defaults.Sync.RetryBaseDelay, "First retry backoff")
	flags.Duration("retry-max-delay", defaults.Sync.RetryMaxDelay, "Maximum retry backoff")
	flags.Int("batch-size", defaults.Sync.BatchSize, "Track ids per playlist mutation (max 100)")
	flags.Duration("settle-delay", defaults.Sync.SettleDelay, "Wait before reading back the top track")
	flags.Duration("top-track-retry-delay", defaults.Sync.TopTrackRetryDelay, "Wait between top track attempts")
	flags.Int("top-track-attempts", defaults.Sync.TopTrackAttempts, "Attempts to read the top track")
	flags.Int("display-cap", defaults.Sync.DisplayCap, "Track ids shown per list in logs")
	flags.Int("workers", defaults.Sync.Workers, "Playlists processed in parallel")
	flags.Float64("rate-limit", defaults.Sync.RateLimit, "Shared request rate in requests per second")
	flags.Duration("pause-between", defaults.Sync.PauseBetween, "Pause between sequential playlists")
	flags.String("contact-email", "", "Contact email appended to descriptions")
	flags.Duration("deadline", 0, "Stop starting new playlists after this long (0 disables)")
	flags.Bool("dry-run", false, "Log planned changes without applying them")
	flags.Bool("skip-if-updated-today", false, "Skip playlists already synced today (UTC)")

	flags.String("records-dir", defaults.State.RecordsDir, "Directory for per-playlist JSON records")
	flags.String("history-path", defaults.State.HistoryPath, "SQLite run history database (empty disables)")
	flags.String("metrics-textfile", "", "Write metrics in textfile format after the run")

	flags.Bool("server-enabled", false, "Serve metrics and the run report over HTTP")
	flags.String("server-host", defaults.Server.Host, "HTTP server host")
	flags.Int("server-port", defaults.Server.Port, "HTTP server port")

	historyCmd.Flags().Int("limit", 20, "Number of entries to show")

	rootCmd.AddCommand(syncCmd, metadataCmd, authCmd, historyCmd, envExampleCmd)

	if err := viper.BindPFlags(flags); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bind flags: %v\n", err)
		os.Exit(1)
	}
}

func initConfig() {
	envFile := ".env"
	if cfgFile != "" {
		envFile = cfgFile
	}

	if err := gotenv.Load(envFile); err != nil {
		if !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "Error loading .env file: %v\n", err)
		}
	}

	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	logger = buildLogger(viper.GetString("log-level"), viper.GetString("log-format"))
}

// loadConfig combines the playlist file, environment and flags. Flags win over
// the environment, which wins over the file's global settings.
func loadConfig() (*core.Config, error) {
	file, err := loadPlaylistFile(viper.GetString("playlist-config"))
	if err != nil {
		return nil, err
	}
	if err := applyGlobalSettings(viper.GetViper(), file.GlobalSettings); err != nil {
		return nil, err
	}

	cfg := buildConfig()
	cfg.Playlists, err = selectPlaylists(file.Playlists, viper.GetStringSlice("playlist"))
	if err != nil {
		return nil, err
	}
	if err := resolveRefs(cfg.Playlists); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func buildConfig() *core.Config {
	cfg := core.DefaultConfig()

	configureSpotify(cfg)
	configureSync(cfg)
	configureState(cfg)
	configureServer(cfg)

	return cfg
}

func configureSpotify(cfg *core.Config) {
	cfg.Spotify.ClientID = viper.GetString("spotify-client-id")
	cfg.Spotify.ClientSecret = viper.GetString("spotify-client-secret")
	cfg.Spotify.RedirectURL = viper.GetString("spotify-redirect-url")
	cfg.Spotify.TokenPath = viper.GetString("spotify-token-path")
	cfg.Spotify.Market = viper.GetString("market")
}

func configureSync(cfg *core.Config) {
	cfg.Sync.MaxRetries = viper.GetInt("max-retries")
	cfg.Sync.RetryBaseDelay = viper.GetDuration("retry-base-delay")
	cfg.Sync.RetryMaxDelay = viper.GetDuration("retry-max-delay")
	cfg.Sync.BatchSize = viper.GetInt("batch-size")
	cfg.Sync.SettleDelay = viper.GetDuration("settle-delay")
	cfg.Sync.TopTrackRetryDelay = viper.GetDuration("top-track-retry-delay")
	cfg.Sync.TopTrackAttempts = viper.GetInt("top-track-attempts")
	cfg.Sync.DisplayCap = viper.GetInt("display-cap")
	cfg.Sync.Workers = viper.GetInt("workers")
	cfg.Sync.RateLimit = viper.GetFloat64("rate-limit")
	cfg.Sync.PauseBetween = viper.GetDuration("pause-between")
	cfg.Sync.ContactEmail = viper.GetString("contact-email")
	cfg.Sync.Deadline = viper.GetDuration("deadline")
	cfg.Sync.DryRun = viper.GetBool("dry-run")
	cfg.Sync.MetadataOnly = viper.GetBool("metadata-only")
	cfg.Sync.SkipIfUpdatedToday = viper.GetBool("skip-if-updated-today")

	if cfg.Sync.Workers < 1 {
		cfg.Sync.Workers = 1
	}
	if cfg.Sync.MaxRetries < 1 {
		cfg.Sync.MaxRetries = core.DefaultMaxRetries
	}
	if cfg.Sync.RateLimit <= 0 {
		cfg.Sync.RateLimit = core.DefaultRateLimit
	}
}

func configureState(cfg *core.Config) {
	cfg.State.RecordsDir = viper.GetString("records-dir")
	cfg.State.HistoryPath = viper.GetString("history-path")
	cfg.State.MetricsTextfile = viper.GetString("metrics-textfile")
}

func configureServer(cfg *core.Config) {
	cfg.Server.Enabled = viper.GetBool("server-enabled")
	cfg.Server.Host = viper.GetString("server-host")
	cfg.Server.Port = viper.GetInt("server-port")
	cfg.Log.Level = viper.GetString("log-level")
	cfg.Log.Format = viper.GetString("log-format")
}

func buildLogger(level, format string) *zap.Logger {
	var zapLevel zapcore.Level
	switch strings.ToLower(level) {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.NewProductionConfig()
	if strings.EqualFold(format, "text") {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)

	builtLogger, err := cfg.Build()
	if err != nil {
		panic(fmt.Sprintf("Failed to build logger: %v", err))
	}
	return builtLogger
}

type services struct {
	auth     *spotify.Authenticator
	spotify  *spotify.Client
	syncer   *core.Syncer
	metrics  *httpserver.Metrics
	server   *httpserver.Server
	records  *store.RecordWriter
	history  *store.History
	writers  []core.ReportWriter
	textfile string
}

func runSync(_ *cobra.Command, _ []string) error {
	defer logger.Sync() //nolint:errcheck // stderr sync fails on some terminals

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger.Info("Starting spotsync",
		zap.Int("playlists", len(cfg.Playlists)),
		zap.Bool("dryRun", cfg.Sync.DryRun),
		zap.Bool("metadataOnly", cfg.Sync.MetadataOnly),
		zap.Bool("serverEnabled", cfg.Server.Enabled))

	svcs, err := initializeServices(ctx, cfg)
	if err != nil {
		return err
	}
	defer svcs.close()

	report, err := runServices(ctx, cfg, svcs)
	if err != nil {
		return err
	}
	if report.HasFatal() {
		return errFatalPlaylists
	}
	return nil
}

func initializeServices(ctx context.Context, cfg *core.Config) (*services, error) {
	budget := core.NewBudget(cfg.Sync.RateLimit, max(1, int(cfg.Sync.RateLimit)))

	auth := spotify.NewAuthenticator(&cfg.Spotify, logger.Named("spotify"))
	client, err := auth.Client(ctx, budget)
	if err != nil {
		return nil, fmt.Errorf("failed to authenticate with Spotify: %w", err)
	}

	records, err := store.NewRecordWriter(cfg.State.RecordsDir, logger.Named("records"))
	if err != nil {
		return nil, err
	}
	svcs := &services{
		auth:     auth,
		spotify:  client,
		metrics:  httpserver.NewMetrics(),
		records:  records,
		writers:  []core.ReportWriter{records},
		textfile: cfg.State.MetricsTextfile,
	}

	var ledger core.UpdateLedger = records
	if cfg.State.HistoryPath != "" {
		history, err := store.OpenHistory(ctx, cfg.State.HistoryPath, logger.Named("history"))
		if err != nil {
			return nil, err
		}
		svcs.history = history
		svcs.writers = append(svcs.writers, history)
		ledger = history
	}

	fetcher := artwork.NewFetcher(nil, core.RetryPolicy{
		MaxAttempts: cfg.Sync.MaxRetries,
		BaseDelay:   cfg.Sync.RetryBaseDelay,
		MaxDelay:    cfg.Sync.RetryMaxDelay,
		OnRetry:     svcs.metrics.RecordRetry,
	}, logger.Named("artwork"))

	svcs.syncer = core.NewSyncer(cfg.Sync, core.SyncerOptions{
		Service: client,
		Images:  fetcher,
		Cache:   store.NewTrackCache(store.DefaultCacheSize, store.DefaultFalsePositiveRate),
		Ledger:  ledger,
		Metrics: svcs.metrics,
		Budget:  budget,
		Logger:  logger.Named("sync"),
	})

	if cfg.Server.Enabled {
		svcs.server = httpserver.NewServer(&cfg.Server, svcs.metrics, logger.Named("http"))
	}
	return svcs, nil
}

// runServices runs the sync once. With the server enabled it keeps serving the
// metrics and the finished report until interrupted.
func runServices(ctx context.Context, cfg *core.Config, svcs *services) (*core.RunReport, error) {
	if svcs.server == nil {
		return svcs.runOnce(ctx, cfg), nil
	}

	var report *core.RunReport
	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return svcs.server.Start(gCtx)
	})
	g.Go(func() error {
		report = svcs.runOnce(gCtx, cfg)
		logger.Info("Run finished, serving report until interrupted",
			zap.String("httpAddr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)))
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("spotsync stopped with error", zap.Error(err))
		return report, err
	}
	return report, nil
}

func (s *services) runOnce(ctx context.Context, cfg *core.Config) *core.RunReport {
	runCtx := ctx
	if cfg.Sync.Deadline > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, cfg.Sync.Deadline)
		defer cancel()
	}

	report := s.syncer.Run(runCtx, cfg.Playlists)
	s.persist(context.WithoutCancel(ctx), report)
	if s.server != nil {
		s.server.SetReport(report)
	}
	return report
}

// persist saves the refreshed token and the advisory run records. Failures are
// logged and never change the outcome of the run.
func (s *services) persist(ctx context.Context, report *core.RunReport) {
	if err := s.auth.Persist(s.spotify); err != nil {
		logger.Warn("Failed to persist token", zap.Error(err))
	}

	writeCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	for _, w := range s.writers {
		if err := w.WriteReport(writeCtx, report); err != nil {
			logger.Warn("Failed to write run report", zap.Error(err))
		}
	}

	s.metrics.RecordRun(report)
	if s.textfile != "" {
		if err := s.metrics.WriteTextfile(s.textfile); err != nil {
			logger.Warn("Failed to write metrics textfile", zap.String("path", s.textfile), zap.Error(err))
		}
	}
}

func (s *services) close() {
	if s.history != nil {
		if err := s.history.Close(); err != nil {
			logger.Debug("Failed to close history database", zap.Error(err))
		}
	}
}

func runAuth(_ *cobra.Command, _ []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg := buildConfig()
	if cfg.Spotify.ClientID == "" || cfg.Spotify.ClientSecret == "" {
		return fmt.Errorf("%w: spotify client ID and secret are required", core.ErrInvalidConfig)
	}

	auth := spotify.NewAuthenticator(&cfg.Spotify, logger.Named("spotify"))
	return auth.Login(ctx, os.Stdin, os.Stdout)
}

func runHistory(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	path := viper.GetString("history-path")
	if path == "" {
		return fmt.Errorf("%w: history is disabled (empty --history-path)", core.ErrInvalidConfig)
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("no history at %s: %w", path, err)
	}

	history, err := store.OpenHistory(ctx, path, logger.Named("history"))
	if err != nil {
		return err
	}
	defer history.Close()

	limit, err := cmd.Flags().GetInt("limit")
	if err != nil {
		return err
	}

	names := viper.GetStringSlice("playlist")
	if len(names) == 0 {
		names = []string{""}
	}
	for _, name := range names {
		entries, err := history.Recent(ctx, name, limit)
		if err != nil {
			return err
		}
		printHistory(cmd.OutOrStdout(), entries)
	}
	return nil
}
