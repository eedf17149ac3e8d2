package commands

import (
	"github.com/danmuck/labctl/internal/config"
	"github.com/spf13/cobra"
)

var forceConfig bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Create or check a labctl config file",
}

var configInitCmd = &cobra.Command{
	Use:         "init",
	Short:       "Write a config file with default values",
	Args:        cobra.NoArgs,
	Annotations: map[string]string{"config": "none"},
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.WriteTemplate(configPath, forceConfig); err != nil {
			return fail("Cannot write config", err)
		}
		success("wrote %s", configPath)
		return nil
	},
}

var configValidateCmd = &cobra.Command{
	Use:         "validate",
	Short:       "Load and validate the config file",
	Args:        cobra.NoArgs,
	Annotations: map[string]string{"config": "none"},
	RunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(configPath)
		if err != nil {
			return fail("Invalid config", err)
		}
		success("%s is valid", configPath)
		field("instrument", loaded.Session.Address)
		field("store", loaded.Store.Backend)
		field("diagnostics", loaded.Diag.Addr)
		return nil
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&forceConfig, "force", false, "overwrite an existing file")
	configCmd.AddCommand(configInitCmd, configValidateCmd)
	rootCmd.AddCommand(configCmd)
}
