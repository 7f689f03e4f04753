package main

import (
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tutorly/livesync/internal/console"
	"github.com/tutorly/livesync/internal/coordinator"
	"github.com/tutorly/livesync/internal/logging"
)

func newRunCmd(root *rootOptions) *cobra.Command {
	var (
		wsURL    string
		httpBase string
		route    string
		subs     []string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a headless client driven by stdin commands",
		Long: `Run connects to the update server and reads host events from stdin, one per
line (route, visible, active, online, session, subscribe, check, accept,
dismiss, ping, status, quit). Page signals are printed as they fire.

Examples:
  # Against a local devserver
  livesync run --ws ws://127.0.0.1:8080/ws --http http://127.0.0.1:8080

  # Poll only, starting on a course page
  livesync run --ws "" --route /courses/c1
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("ws") {
				cfg.Server.WSURL = wsURL
			}
			if cmd.Flags().Changed("http") {
				cfg.Server.HTTPBase = httpBase
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			page := &console.Page{}
			notifier := console.NewNotifier(out)
			c := coordinator.New(cfg, coordinator.Collaborators{
				Preserver: page,
				Scroll:    page,
				Notifier:  notifier,
			})
			defer c.Destroy()

			shell := console.NewShell(c, page, notifier, out)
			defer shell.Close()

			if route != "" {
				page.SetRoute(route)
				c.SetRoute(route)
			}
			log := logging.For("livesync")
			for _, s := range subs {
				typ, id, _ := strings.Cut(s, ":")
				if err := c.SubscribeToEntity(typ, id); err != nil {
					log.Warn("subscription skipped", "subscription", s, "error", err)
				}
			}

			ctx := cmd.Context()
			if err := c.Init(ctx); err != nil {
				return err
			}
			return shell.Run(ctx, os.Stdin)
		},
	}
	cmd.Flags().StringVar(&wsURL, "ws", "", "Override server.ws_url (empty disables push)")
	cmd.Flags().StringVar(&httpBase, "http", "", "Override server.http_base")
	cmd.Flags().StringVar(&route, "route", "", "Initial route")
	cmd.Flags().StringSliceVar(&subs, "subscribe", nil, "Entity subscriptions as type:id (repeatable)")
	return cmd
}
