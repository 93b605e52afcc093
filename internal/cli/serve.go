package cli

import (
	"os/signal"
	"syscall"

	"github.com/ibbo/rowan/internal/gateway"
	"github.com/ibbo/rowan/internal/hooks"
	"github.com/ibbo/rowan/internal/metrics"
	"github.com/spf13/cobra"
	"github.com/tillberg/autorestart"
)

func newServeCmd() *cobra.Command {
	var (
		port            int
		bind            string
		restartOnChange bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway server",
		Long: "Serve turns over WebSocket (/ws) and Server-Sent Events " +
			"(POST /v1/threads/{id}/turns), with /health and /metrics.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if restartOnChange {
				go autorestart.RestartOnChange()
			}
			if port != 0 {
				cfg.Gateway.Port = port
			}
			if bind != "" {
				cfg.Gateway.Bind = bind
			}

			a, err := openApp(&cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			metrics.RegisterPool(a.Tools.Backend)

			hookMgr := hooks.NewManager(log)
			hookMgr.On(hooks.EventTurnEnd, "audit", hooks.AuditLogger(log))

			srv := gateway.New(cfg.Gateway, a.Agent, a.Threads, log, gateway.WithHooks(hookMgr))

			// Block until SIGINT/SIGTERM
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return srv.Start(ctx)
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "gateway port (overrides config)")
	cmd.Flags().StringVar(&bind, "bind", "", "bind mode: loopback, lan or custom (overrides config)")
	cmd.Flags().BoolVar(&restartOnChange, "restart-on-change", false, "re-exec when the rowan binary is rebuilt (development)")
	return cmd
}
