package replicate

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/sidkik/replica/cmd/util"
	"github.com/sidkik/replica/pkg/config"
	"github.com/sidkik/replica/pkg/errors"
	"github.com/sidkik/replica/pkg/metrics"
	"github.com/sidkik/replica/pkg/replica"
	"github.com/sidkik/replica/pkg/version"
)

const shutdownTimeout = 5 * time.Second

type options struct {
	configPath  string
	metricsAddr string
}

// New creates a new `replicate` command.
func New() *cobra.Command {
	var opts options
	cmd := &cobra.Command{
		Use:   "replicate",
		Short: "Keep local copies of the configured indexes up to date",
		Long: "Copy every index in the config file from its master directory to\n" +
			"local disk, and keep the copies in sync until interrupted.",
		Args: cobra.NoArgs,
		Run: func(_ *cobra.Command, _ []string) {
			ctx, cancel := signal.NotifyContext(context.Background(),
				os.Interrupt, syscall.SIGTERM)
			defer cancel()

			if err := run(ctx, opts); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
	cmd.Flags().StringVar(&opts.configPath, "config", config.DefaultConfigPath,
		"Path to the replicator config.")
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "",
		"Address to serve Prometheus metrics on, such as `:9102`. "+
			"Metrics aren't served if empty.")
	return cmd
}

// run replicates every configured index until ctx is done, or until one of
// them fails to start.
func run(ctx context.Context, opts options) error {
	cfg, err := config.Parse(opts.configPath)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	log.WithFields(log.Fields{
		"version": version.Version,
		"indexes": len(cfg.Indexes),
	}).Info("Starting replicator")

	g, ctx := errgroup.WithContext(ctx)
	for _, idx := range cfg.Indexes {
		p := replica.New(idx, replica.WithMetrics(m))
		g.Go(func() error {
			return replicate(ctx, p)
		})
	}

	if opts.metricsAddr != "" {
		srv := &http.Server{
			Addr:              opts.metricsAddr,
			Handler:           metricsHandler(reg),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			log.WithField("address", opts.metricsAddr).Info("Serving metrics")
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return errors.WithContext(err, "serve metrics")
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	err = g.Wait()
	log.Info("Stopped replicator")
	return err
}

// replicate runs a single provider until ctx is done.
func replicate(ctx context.Context, p *replica.Provider) error {
	if err := p.Initialize(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	if err := p.Start(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	<-ctx.Done()
	return p.Stop()
}

func metricsHandler(reg *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		Registry: reg,
	}))
	return mux
}
