package main

import (
	"errors"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/MarcoPoloResearchLab/corates/backend/internal/config"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "corates-sync",
		Short:         "CoRATES project sync service",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newServeCommand(), newCompactCommand(), newTokenCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and WebSocket server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	flags := cmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Path to configuration file")
	flags.String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	flags.StringSlice("allowed-origins", nil, "Browser origins allowed to call the API (empty allows any)")
	flags.String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	flags.String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, mysql)")
	flags.String("database-dsn", defaults.GetString("database.dsn"), "Database DSN or SQLite path")
	flags.String("signing-secret", "", "Session signing secret (overrides env)")
	flags.String("session-issuer", defaults.GetString("session.issuer"), "Expected session token issuer")
	flags.String("session-cookie", defaults.GetString("session.cookie_name"), "Session cookie name")
	flags.Duration("room-idle-timeout", defaults.GetDuration("room.idle_timeout"), "Evict a project room after this long without clients")
	flags.Int("compact-after-updates", defaults.GetInt("room.compact_after_updates"), "Compact a live project after this many appended updates")
	flags.String("compaction-schedule", defaults.GetString("compaction.schedule"), "Cron schedule of the compaction sweep (empty disables)")
	flags.Int("bridge-max-attempts", defaults.GetInt("bridge.max_attempts"), "Delivery attempts for membership sync")
	flags.Duration("bridge-initial-backoff", defaults.GetDuration("bridge.initial_backoff"), "First retry delay for membership sync")
	flags.String("redis-url", "", "Redis URL for cross-process notifications (optional)")
	flags.String("blob-endpoint", "", "S3-compatible endpoint for PDF storage (empty keeps PDFs in memory)")
	flags.String("blob-bucket", defaults.GetString("blob.bucket"), "PDF storage bucket")
	flags.Bool("blob-use-ssl", defaults.GetBool("blob.use_ssl"), "Use TLS for the blob endpoint")
	flags.Float64("ws-messages-per-second", defaults.GetFloat64("ws.messages_per_second"), "Inbound message rate per socket")
	flags.Int("ws-burst", defaults.GetInt("ws.burst"), "Inbound message burst per socket")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "http.allowed_origins", "allowed-origins")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "session.signing_secret", "signing-secret")
	bindFlag(cmd, "session.issuer", "session-issuer")
	bindFlag(cmd, "session.cookie_name", "session-cookie")
	bindFlag(cmd, "room.idle_timeout", "room-idle-timeout")
	bindFlag(cmd, "room.compact_after_updates", "compact-after-updates")
	bindFlag(cmd, "compaction.schedule", "compaction-schedule")
	bindFlag(cmd, "bridge.max_attempts", "bridge-max-attempts")
	bindFlag(cmd, "bridge.initial_backoff", "bridge-initial-backoff")
	bindFlag(cmd, "redis.url", "redis-url")
	bindFlag(cmd, "blob.endpoint", "blob-endpoint")
	bindFlag(cmd, "blob.bucket", "blob-bucket")
	bindFlag(cmd, "blob.use_ssl", "blob-use-ssl")
	bindFlag(cmd, "ws.messages_per_second", "ws-messages-per-second")
	bindFlag(cmd, "ws.burst", "ws-burst")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}
