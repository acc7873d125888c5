package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/neboloop/vox/internal/agent/config"
	"github.com/neboloop/vox/internal/logging"
	"github.com/neboloop/vox/internal/server"
)

// ServeCmd runs the daemon.
func ServeCmd() *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon (HTTP API, device socket, background runs)",
		Long: `Starts the local daemon. The phone companion app connects to /v1/device,
notifications are posted to /v1/notifications, and results of background runs
are kept in the pending queue until the interactive session picks them up.

Examples:
  vox serve
  vox serve --listen 0.0.0.0:8710`,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := *ServerConfig
			if listen != "" {
				c.Listen = listen
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, &c)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "address to listen on (overrides config)")
	return cmd
}

func runServe(ctx context.Context, c *config.Config) error {
	a, err := newApp(ctx, c, appOptions{
		Speaker: newConsoleSpeaker(os.Stdout),
		OnAlert: func(msg string) { fmt.Fprintf(os.Stderr, "vox: %s\n", msg) },
	})
	if err != nil {
		return err
	}
	defer a.close()

	sched := cron.New()
	if _, err := sched.AddFunc(c.Housekeeping.Schedule, func() { a.housekeep(ctx) }); err != nil {
		return fmt.Errorf("housekeeping schedule %q: %w", c.Housekeeping.Schedule, err)
	}
	sched.Start()
	defer func() { <-sched.Stop().Done() }()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Run(gctx, c.Listen, a.handler(false))
	})
	g.Go(func() error {
		return config.Watch(gctx, a.settingsPath, a.applySettings)
	})
	g.Go(func() error {
		a.logResults(gctx)
		return nil
	})
	return g.Wait()
}

func (a *app) handler(quiet bool) http.Handler {
	return server.Handler(server.Deps{
		Queue:      a.queue,
		Rules:      a.rules,
		Triage:     a.triage,
		Agents:     a.agents,
		Automation: a.automation,
		Device:     a.bridge,
		Session:    a.session,
		Gatherer:   a.registry,
		Quiet:      quiet,
	})
}

// logResults reports ended background runs until ctx is done.
func (a *app) logResults(ctx context.Context) {
	log := logging.Named("agents")
	for {
		select {
		case <-ctx.Done():
			return
		case r := <-a.agents.Results():
			if r.Error != nil {
				log.Warnw("background run ended", "id", r.AgentID, "kind", r.Kind, "status", r.Status, "error", r.Error)
				continue
			}
			log.Infow("background run ended", "id", r.AgentID, "kind", r.Kind, "status", r.Status)
		}
	}
}
