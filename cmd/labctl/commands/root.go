package commands

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/labctl/internal/config"
	"github.com/danmuck/labctl/internal/observability"
	"github.com/danmuck/labctl/internal/protocol/message"
	"github.com/danmuck/labctl/internal/protocol/session"
	"github.com/spf13/cobra"
)

var (
	configPath string
	address    string
	timeout    time.Duration

	cfg config.Config
)

var rootCmd = &cobra.Command{
	Use:   "labctl",
	Short: "labctl - remote control for a benchtop NMR spectrometer",
	Long: `labctl drives an NMR instrument over its XML remote-control port:
query hardware and protocols, run acquisitions, shim, and serve diagnostics.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		observability.InitLogger("labctl")
		if cmd.Annotations["config"] == "none" {
			return nil
		}
		loaded, err := loadConfig(cmd)
		if err != nil {
			return fail("Cannot load configuration", err)
		}
		cfg = loaded
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

func Execute() error {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
	return rootCmd.Execute()
}

func SetVersionInfo(v, c, d string) {
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", v, c, d)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "labctl.toml", "path to labctl config")
	rootCmd.PersistentFlags().StringVarP(&address, "address", "a", "", "instrument host:port (overrides config)")
	rootCmd.PersistentFlags().DurationVarP(&timeout, "timeout", "t", 2*time.Minute, "overall deadline for one command")
}

// loadConfig reads the config file; with only --address given, defaults
// are used.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	loaded, err := config.Load(configPath)
	if err != nil {
		if address == "" || cmd.Flags().Changed("config") {
			return config.Config{}, err
		}
		loaded = config.Default()
	}
	if address != "" {
		loaded.Session.Address = address
	}
	return loaded, config.Validate(loaded)
}

// withSession connects, runs fn and closes the session.
func withSession(cmd *cobra.Command, fn func(ctx context.Context, s *session.Session) error) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()
	s, err := session.New(cfg.Session)
	if err != nil {
		return fail("Invalid session configuration", err)
	}
	if err := s.Connect(ctx); err != nil {
		return fail("Cannot reach instrument at "+cfg.Session.Address, err)
	}
	defer s.Close()
	return fn(ctx, s)
}

// parseOptions turns repeated name=value flags into ordered options.
func parseOptions(raw []string) (message.Options, error) {
	var out message.Options
	for _, kv := range raw {
		name, value, ok := strings.Cut(kv, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return message.Options{}, fmt.Errorf("option %q is not name=value", kv)
		}
		out.Set(name, strings.TrimSpace(value))
	}
	return out, nil
}
