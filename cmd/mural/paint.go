package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"mural/board"
	"mural/client"
	"mural/config"
	"mural/engine"
	"mural/engine/credential"
	"mural/health"
	"mural/store"
	"mural/target"
	"mural/telemetry"

	"mural/cmd/mural/ui"
)

func paintCmd(configPath *string) *cobra.Command {
	var partition string
	var watch bool

	cmd := &cobra.Command{
		Use:   "paint",
		Short: "Continuously paint the configured targets",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if partition != "" {
				k, n, err := parsePartition(partition)
				if err != nil {
					return err
				}
				if cfg, err = cfg.Partition(k, n); err != nil {
					return err
				}
				slog.Info("running partition", "slice", partition,
					"accounts", len(cfg.Accounts), "targets", len(cfg.Targets))
			}

			b, err := board.New(cfg.Board.Width, cfg.Board.Height)
			if err != nil {
				return err
			}
			targets, errs := target.Build(cfg.Targets, b, cfg.IgnoreSemiOpaque)
			for _, err := range errs {
				slog.Warn("target skipped", "error", err)
			}
			if len(targets) == 0 {
				return fmt.Errorf("no usable targets")
			}

			api := client.NewAPI(cfg.APIBase)

			var persist credential.ExpiryStore
			if cfg.DataDir != "" {
				st, err := store.Open(filepath.Join(cfg.DataDir, "mural.db"))
				if err != nil {
					return err
				}
				defer st.Close()
				persist = st
			}
			pool, err := credential.Build(ctx, cfg.Accounts, cfg.UserCooldown.Std(),
				credential.RealClock{}, api, persist)
			if err != nil {
				return fmt.Errorf("build credential pool: %w", err)
			}

			health.CheckClock(slog.Default())
			telemetry.Serve(ctx, cfg.MetricsListen, slog.Default())
			tracing := telemetry.NewTracing(slog.Default(), 2*time.Second)
			defer tracing.Close()

			eng := engine.New(engine.Params{
				Config:    cfg,
				Board:     b,
				Targets:   targets,
				Pool:      pool,
				Snapshots: api,
				Tracer:    tracing.Tracer("mural"),
				Log:       slog.Default(),

				IdleOnStarvation: watch,
			})
			eng.SetTransport(client.NewSocket(cfg.WSURL, cfg.WriteonlyConnections, eng, slog.Default()))

			if watch {
				progress := ui.NewProgress()
				defer progress.Close()
				go func() {
					tick := time.NewTicker(time.Second)
					defer tick.Stop()
					for {
						select {
						case <-ctx.Done():
							return
						case <-tick.C:
							progress.Render(eng.Status())
						}
					}
				}()
			}

			return eng.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&partition, "partition", "", "Run one slice of the config, as k/n (e.g. 0/3)")
	cmd.Flags().BoolVar(&watch, "watch", false, "Show a live progress line")
	return cmd
}

func parsePartition(s string) (int, int, error) {
	var k, n int
	if _, err := fmt.Sscanf(s, "%d/%d", &k, &n); err != nil {
		return 0, 0, fmt.Errorf("invalid partition %q, want k/n", s)
	}
	return k, n, nil
}
