package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/tutorly/livesync/internal/devserver"
	"github.com/tutorly/livesync/internal/logging"
)

func newDevServerCmd(root *rootOptions) *cobra.Command {
	var (
		port    int
		mock    bool
		seed    int64
		origins []string
	)
	cmd := &cobra.Command{
		Use:   "devserver",
		Short: "Serve a local push channel and poll endpoint",
		Long: `Devserver serves /ws, /api/updates/check, /api/publish and /healthz.
With --mock it publishes a rotation of sample updates on devserver.broadcast_interval.

Examples:
  livesync devserver --mock
  curl -X POST localhost:8080/api/publish \
    -d '{"type":"critical_update","payload":{"category":"ENROLLMENT"}}'
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			if port > 0 {
				cfg.DevServer.Port = port
			}
			log := logging.For("devserver")

			feed := devserver.NewFeed(cfg.DevServer.History)
			b := devserver.NewBroadcaster(feed, cfg.DevServer.MaxConns, log)
			srv := devserver.NewServer(b, feed, cfg.DevServer.Token, origins, log)

			ctx := cmd.Context()
			if mock {
				log.Info("starting mock generator", "interval", cfg.DevServer.BroadcastInterval)
				devserver.NewGenerator(b, cfg.DevServer.BroadcastInterval, seed, log.With(slog.String("source", "mock"))).Start(ctx)
			}
			return srv.ListenAndServe(ctx, cfg.DevServerAddr())
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", 0, "Override devserver.port")
	cmd.Flags().BoolVar(&mock, "mock", false, "Publish mock updates")
	cmd.Flags().Int64Var(&seed, "seed", 1, "Mock generator seed")
	cmd.Flags().StringSliceVar(&origins, "allow-origin", nil, "Extra allowed WebSocket origins")
	return cmd
}
