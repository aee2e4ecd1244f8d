package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/andresmejia3/emoscope/internal/config"
	"github.com/andresmejia3/emoscope/internal/store"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const configAnnotation = "emoscope_config_key"

var (
	// DB is the database connection shared by subcommands, opened on first use
	DB *store.Store
	// dbURL is the connection string
	dbURL string

	cfgFile string
	conf    *viper.Viper
	cfg     *config.Config
	logger  = logrus.New()
)

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:     "emoscope",
	Short:   "Live facial expression sampling and charting",
	Version: Version, // This enables the --version flag
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		conf, err = config.New(cfgFile)
		if err != nil {
			return err
		}

		// Flags override file and environment
		var bindErr error
		cmd.Flags().VisitAll(func(f *pflag.Flag) {
			if keys, ok := f.Annotations[configAnnotation]; ok && bindErr == nil {
				bindErr = conf.BindPFlag(keys[0], f)
			}
		})
		if bindErr != nil {
			return bindErr
		}

		cfg, err = config.Load(conf)
		if err != nil {
			return err
		}
		logger = cfg.Log.NewLogger()
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if DB != nil {
			// Use Background here because the main context might be cancelled already (due to Ctrl+C)
			// and we still need to send the "Close" command to the DB.
			DB.Close(context.Background())
		}
	},
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// This tells Cobra not to print the version in the help text, which is cleaner.
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default: ./emoscope.yaml or ~/.config/emoscope/emoscope.yaml)")
	rootCmd.PersistentFlags().StringVar(&dbURL, "db", "", "PostgreSQL connection string (default: database.url, then POSTGRES_* env)")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "text", "Log format (text, json)")
	configFlag(rootCmd.PersistentFlags(), "log-level", "log.level")
	configFlag(rootCmd.PersistentFlags(), "log-format", "log.format")
}

// configFlag ties a flag to a config key; it takes precedence over the file and env when set.
func configFlag(fs *pflag.FlagSet, name, key string) {
	fs.SetAnnotation(name, configAnnotation, []string{key})
}

// component returns the logger scoped to one part of the system.
func component(name string) *logrus.Entry {
	return logger.WithField("component", name)
}

// resolveDBURL picks the connection string: --db, then database.url, then POSTGRES_* env.
func resolveDBURL() string {
	if dbURL != "" {
		return dbURL
	}
	if cfg != nil && cfg.Database.URL != "" {
		return cfg.Database.URL
	}
	if host := os.Getenv("POSTGRES_HOST"); host != "" {
		user := os.Getenv("POSTGRES_USER")
		pass := os.Getenv("POSTGRES_PASSWORD")
		name := os.Getenv("POSTGRES_DB")
		port := os.Getenv("POSTGRES_PORT")
		if port == "" {
			port = "5432"
		}
		return fmt.Sprintf("postgres://%s:%s@%s:%s/%s", user, pass, host, port, name)
	}
	// Fallback to local default if no env vars are present
	return "postgres://localhost:5432/emoscope"
}

// openDB connects on first use. Commands that never record never touch the database.
func openDB(ctx context.Context) (*store.Store, error) {
	if DB != nil {
		return DB, nil
	}
	s, err := store.New(ctx, resolveDBURL())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	DB = s
	return DB, nil
}
