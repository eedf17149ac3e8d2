package commands

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/danmuck/labctl/internal/protocol/session"
	"github.com/danmuck/labctl/internal/server"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Hold a session open and serve diagnostics over HTTP",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		cache, store, err := openShimCache()
		if err != nil {
			return fail("Cannot open shim store", err)
		}
		defer store.Close()

		s, err := session.New(cfg.Session)
		if err != nil {
			return fail("Invalid session configuration", err)
		}
		defer s.Close()
		go keepConnected(ctx, s)

		success("diagnostics on http://%s", cfg.Diag.Addr)
		if err := server.New(cfg.Diag, s, cache).Run(ctx); err != nil {
			return fail("Diagnostics server stopped", err)
		}
		return nil
	},
}

// keepConnected redials whenever the session drops until ctx ends.
func keepConnected(ctx context.Context, s *session.Session) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		if !s.State().Connected() {
			if err := s.Connect(ctx); err != nil && ctx.Err() == nil {
				log.Warn().Str("component", "serve").Err(err).Msg("instrument unreachable")
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
