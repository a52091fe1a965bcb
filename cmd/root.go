package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/zjrosen/ripple/internal/database"
	"github.com/zjrosen/ripple/internal/log"
	"github.com/zjrosen/ripple/internal/schema"
	"github.com/zjrosen/ripple/internal/storage"
	"github.com/zjrosen/ripple/internal/storage/memstore"
	"github.com/zjrosen/ripple/internal/storage/sqlitestore"
	"github.com/zjrosen/ripple/internal/tracing"
)

var (
	version = "dev"
	cfgFile string
)

var rootCmd = &cobra.Command{
	Use:     "ripple",
	Short:   "An embedded reactive document database",
	Long:    `Ripple is an embedded, reactive, multi-instance document database. The CLI inspects databases, tails their change streams and removes them.`,
	Version: version,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: ~/.config/ripple/config.yaml)")
	rootCmd.PersistentFlags().String("adapter", "sqlite",
		"storage adapter (memory|sqlite)")
	rootCmd.PersistentFlags().String("data-dir", "",
		"directory holding sqlite database files (default: ~/.local/share/ripple)")
	rootCmd.PersistentFlags().String("broadcast-dir", "",
		"directory for the cross-process broadcast channel (empty: in-process only)")
	rootCmd.PersistentFlags().String("password", "",
		"encryption password handed to the storage backend")
	rootCmd.PersistentFlags().Bool("debug", false,
		"enable debug logging to ripple.log")
	rootCmd.PersistentFlags().Bool("trace", false,
		"write tracing spans to traces.jsonl")

	_ = viper.BindPFlag("adapter", rootCmd.PersistentFlags().Lookup("adapter"))
	_ = viper.BindPFlag("data_dir", rootCmd.PersistentFlags().Lookup("data-dir"))
	_ = viper.BindPFlag("broadcast_dir", rootCmd.PersistentFlags().Lookup("broadcast-dir"))
	_ = viper.BindPFlag("password", rootCmd.PersistentFlags().Lookup("password"))
	_ = viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
	_ = viper.BindPFlag("trace", rootCmd.PersistentFlags().Lookup("trace"))
}

func initConfig() {
	viper.SetDefault("adapter", "sqlite")

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, _ := os.UserHomeDir()
		viper.AddConfigPath(filepath.Join(home, ".config", "ripple"))
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("RIPPLE")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Fprintf(os.Stderr, "reading config: %v\n", err)
		}
	}

	if viper.GetBool("debug") {
		if _, err := log.Init("ripple.log"); err == nil {
			log.SetEnabled(true)
			log.SetMinLevel(log.LevelDebug)
		}
	}

	if viper.GetBool("trace") {
		tcfg := tracing.DefaultConfig()
		tcfg.Enabled = true
		tcfg.Exporter = "file"
		tcfg.FilePath = "traces.jsonl"
		if provider, err := tracing.NewProvider(tcfg); err == nil {
			provider.Install()
		}
	}
}

// newAdapter builds the configured storage adapter.
func newAdapter() (storage.Adapter, error) {
	switch name := viper.GetString("adapter"); name {
	case "memory":
		return memstore.New(), nil
	case "sqlite":
		dataDir := viper.GetString("data_dir")
		if dataDir == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return nil, fmt.Errorf("resolving data directory: %w", err)
			}
			dataDir = filepath.Join(home, ".local", "share", "ripple")
		}
		return sqlitestore.New(dataDir), nil
	default:
		return nil, fmt.Errorf("unknown storage adapter %q (want memory or sqlite)", name)
	}
}

// openDatabase opens a database instance with the CLI-wide settings.
func openDatabase(ctx context.Context, name string) (*database.Database, error) {
	adapter, err := newAdapter()
	if err != nil {
		return nil, err
	}

	cfg := database.DefaultConfig(name, adapter)
	cfg.Password = viper.GetString("password")
	if dir := viper.GetString("broadcast_dir"); dir != "" {
		cfg.MultiInstance = true
		cfg.BroadcastDir = dir
	}
	return database.Open(ctx, cfg)
}

// loadSchemaFile reads a collection schema from a YAML file.
func loadSchemaFile(path string) (string, *schema.Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", nil, fmt.Errorf("reading schema file: %w", err)
	}
	var s schema.Schema
	if err := yaml.Unmarshal(data, &s); err != nil {
		return "", nil, fmt.Errorf("parsing schema file %s: %w", path, err)
	}
	if err := s.Validate(); err != nil {
		return "", nil, fmt.Errorf("schema file %s: %w", path, err)
	}
	return s.Title, &s, nil
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets the version string (called from main with ldflags)
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}
