package commands

import (
	"context"
	"errors"

	"github.com/danmuck/labctl/internal/protocol/session"
	"github.com/danmuck/labctl/internal/shim"
	"github.com/spf13/cobra"
)

var shimAttempts int

func openShimCache() (*shim.Cache, shim.Store, error) {
	store, err := shim.Open(cfg.Store)
	if err != nil {
		return nil, nil, err
	}
	return shim.NewCache(store, shim.WithValidity(cfg.Shim.Validity)), store, nil
}

var shimCmd = &cobra.Command{
	Use:   "shim",
	Short: "Shim until line widths are within thresholds",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cache, store, err := openShimCache()
		if err != nil {
			return fail("Cannot open shim store", err)
		}
		defer store.Close()
		params := cfg.Shim.Params
		if shimAttempts > 0 {
			params.MaxAttempts = shimAttempts
		}
		return withSession(cmd, func(ctx context.Context, s *session.Session) error {
			rec, err := s.Shim(ctx, params, cache)
			if err != nil && !errors.Is(err, session.ErrShimNotConverged) {
				return fail("Shim failed", err)
			}
			if err != nil {
				warning("shim did not converge after %d attempts", params.MaxAttempts)
			} else {
				success("shim passed")
			}
			field("line width 50%", rec.LineWidth50)
			field("line width 0.55%", rec.LineWidth055)
			field("thresholds", []float64{rec.Threshold50, rec.Threshold055})
			return err
		})
	},
}

var shimStatusCmd = &cobra.Command{
	Use:   "shim-status",
	Short: "Report whether the last shim is still valid",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cache, store, err := openShimCache()
		if err != nil {
			return fail("Cannot open shim store", err)
		}
		defer store.Close()
		st, err := cache.Check(cmd.Context(), cfg.Session.Address)
		if err != nil {
			return fail("Cannot read shim record", err)
		}
		if st.Valid {
			success("shim valid for %s", cfg.Session.Address)
		} else {
			warning("shim not valid for %s: %s", cfg.Session.Address, st.Reason)
		}
		if st.Record != nil {
			field("age", st.Age)
			field("line width 50%", st.Record.LineWidth50)
			field("line width 0.55%", st.Record.LineWidth055)
		}
		return nil
	},
}

func init() {
	shimCmd.Flags().IntVar(&shimAttempts, "attempts", 0, "maximum shim runs (default from config)")
	rootCmd.AddCommand(shimCmd, shimStatusCmd)
}
