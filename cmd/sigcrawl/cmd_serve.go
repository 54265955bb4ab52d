package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ibeckermayer/sigcrawl/internal/app"
	"github.com/ibeckermayer/sigcrawl/internal/metrics"
	"github.com/ibeckermayer/sigcrawl/internal/scheduler"
)

const runJob = "run"

func newServeCmd(opts *globalOptions) *cobra.Command {
	var runNow bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run batches on the configured cron schedule and expose metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, logger, err := opts.setup()
			if err != nil {
				return err
			}

			reg := prometheus.NewRegistry()
			reg.MustRegister(
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)

			p, err := app.Build(ctx, cfg, metrics.New(reg), logger)
			if err != nil {
				return fail(logger, err, "failed to build pipeline")
			}
			defer p.Close()

			sched, err := scheduler.New(cfg.Schedule.Timezone, logger)
			if err != nil {
				return fail(logger, err, "failed to create scheduler")
			}
			err = sched.AddJob(runJob, cfg.Schedule.Cron, 0, func(ctx context.Context) error {
				_, err := p.Run(ctx)
				return err
			})
			if err != nil {
				return fail(logger, err, "failed to schedule run")
			}

			var srv *http.Server
			if cfg.Metrics.Addr != "" {
				srv = newStatusServer(cfg.Metrics.Addr, reg, p, sched)
				go func() {
					logger.Info().Str("addr", cfg.Metrics.Addr).Msg("serving metrics")
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						logger.Error().Err(err).Msg("metrics server failed")
					}
				}()
			}

			sched.Start()
			if runNow {
				go func() {
					if err := sched.RunNow(ctx, runJob); err != nil && !errors.Is(err, scheduler.ErrStopped) {
						logger.Warn().Err(err).Msg("initial run failed")
					}
				}()
			}

			<-ctx.Done()
			logger.Info().Msg("shutting down")
			<-sched.Stop().Done()
			shutdown(srv, logger)
			return nil
		},
	}
	cmd.Flags().BoolVar(&runNow, "run-now", false, "start a batch immediately instead of waiting for the first tick")
	return cmd
}

func newStatusServer(addr string, reg *prometheus.Registry, p *app.Pipeline, sched *scheduler.Scheduler) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		st, err := p.Status(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		status := struct {
			Jobs []scheduler.JobInfo `json:"jobs"`
			app.Status
		}{Jobs: sched.ListJobs(), Status: st}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(status)
	})
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func shutdown(srv *http.Server, logger zerolog.Logger) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn().Err(err).Msg("metrics server shutdown")
	}
}
