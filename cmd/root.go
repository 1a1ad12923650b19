package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"mpxsync/internal"
)

var (
	quiet       bool
	debug       bool
	logLevel    string
	logFormat   string
	logFile     string
	proxyURL    string
	databaseURL string
	redisAddr   string
	config      *internal.Config
)

var rootCmd = &cobra.Command{
	Use:     "mpxsync",
	Short:   "Synchronize media and players from thePlatform mpx",
	Version: "v1.0.0",
	Long: `mpxsync keeps a local copy of mpx media and players in sync for a set of
mpx accounts. The first run of an account imports its media library; later
runs apply change notifications from the media and player feeds. Large
libraries are split into range requests worked off a durable queue.

Examples:
  mpxsync accounts add --id 1 --username mpx/user@example.com --password secret \
      --import-account "My Account" --default-player player-pid
  mpxsync accounts resolve 1
  mpxsync sync --all
  mpxsync queue work 1
  mpxsync cursor reset --feed media 1

Environment Variables:
  MPX_DATABASE_URL   sqlite://path, postgres://... or memory://
  MPX_REDIS_ADDR     Redis address for tokens, locks and queues, or "memory"
  MPX_PROXY          HTTP/SOCKS proxy URL
  MPX_TOKEN_TTL      Session token lifetime (e.g. 1h)
  MPX_LOG_LEVEL      debug, info, warn or error`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := loadConfiguration(); err != nil {
			return fmt.Errorf("configuration error: %w", err)
		}

		if err := internal.InitLogger(config); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		internal.GetLogger().Debug("configuration loaded",
			"database_url", config.DatabaseURL,
			"redis_addr", config.RedisAddr,
			"token_ttl", config.TokenTTL.String(),
			"batch_limit", config.BatchLimit,
			"notification_size", config.NotificationSize,
		)
		return nil
	},
}

// loadConfiguration loads configuration from the environment and applies
// CLI flag overrides
func loadConfiguration() error {
	config = internal.DefaultConfig()
	config.LoadFromEnv()

	if debug {
		config.EnableDebug = true
		config.LogLevel = "debug"
	}
	if quiet {
		config.QuietMode = true
	}
	if logLevel != "" {
		config.LogLevel = logLevel
	}
	if logFormat != "" {
		config.LogFormat = logFormat
	}
	if logFile != "" {
		config.LogFile = logFile
	}
	if proxyURL != "" {
		config.ProxyURL = proxyURL
	}
	if databaseURL != "" {
		config.DatabaseURL = databaseURL
	}
	if redisAddr != "" {
		config.RedisAddr = redisAddr
	}

	return config.ValidateConfig()
}

// parseAccountID parses a positional account id argument
func parseAccountID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, internal.NewValidationErrorWithValue("account_id", "account id must be a positive integer", arg)
	}
	return id, nil
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.BoolVarP(&quiet, "quiet", "q", false, "Suppress progress output and log only errors (env: MPX_QUIET)")
	flags.BoolVarP(&debug, "debug", "d", false, "Enable debug logging with source locations (env: MPX_DEBUG)")
	flags.StringVar(&logLevel, "log-level", "", "Set log level (debug, info, warn, error) (env: MPX_LOG_LEVEL)")
	flags.StringVar(&logFormat, "log-format", "", "Set log format (json, text) (env: MPX_LOG_FORMAT)")
	flags.StringVar(&logFile, "log-file", "", "Write logs to file instead of stderr (env: MPX_LOG_FILE)")
	flags.StringVar(&proxyURL, "proxy", "", "HTTP/SOCKS proxy URL (env: MPX_PROXY)")
	flags.StringVar(&databaseURL, "database-url", "", "Attribute and account database (env: MPX_DATABASE_URL)")
	flags.StringVar(&redisAddr, "redis-addr", "", "Redis address, or \"memory\" for process-local state (env: MPX_REDIS_ADDR)")

	rootCmd.AddCommand(syncCmd, playersCmd, tokenCmd, cursorCmd, queueCmd, accountsCmd)
}

// Execute runs the root command, cancelling on SIGINT or SIGTERM
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}
