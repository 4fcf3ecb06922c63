package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/forkful/docsync/pkg/metrics"
	"github.com/forkful/docsync/pkg/relay"
)

const shutdownTimeout = 10 * time.Second

func newRelayCommand(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run a relay peer",
	}

	var addr, metricsAddr string
	serve := &cobra.Command{
		Use:   "serve",
		Short: "Serve the sync protocol over WebSockets",
		Long: `Serve the sync protocol over WebSockets until interrupted.

Examples:
  docsync relay serve --addr :7070
  docsync relay serve --addr :7070 --metrics-addr :9090`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			scfg := o.cfg.Serve
			if cmd.Flags().Changed("addr") {
				scfg.Addr = addr
			}
			if cmd.Flags().Changed("metrics-addr") {
				scfg.MetricsAddr = metricsAddr
			}
			return runRelay(cmd.Context(), o, scfg, func(url string) {
				fmt.Fprintln(cmd.OutOrStdout(), "relay listening on", url)
			})
		},
	}
	serve.Flags().StringVar(&addr, "addr", "", "listen address (default from config, 127.0.0.1:7070)")
	serve.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	cmd.AddCommand(serve)
	return cmd
}

// runRelay serves until ctx is done. listening is called once the relay
// accepts connections.
func runRelay(ctx context.Context, o *options, scfg ServeConfig, listening func(url string)) error {
	store, err := openStore(o.cfg.Store, scfg.DataDir)
	if err != nil {
		return fmt.Errorf("opening relay store: %w", err)
	}
	defer store.Close()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg, prometheus.Labels{"component": "relay"})

	r := relay.New(store, relay.Config{
		Tokens:  scfg.Tokens,
		Logger:  o.log,
		Metrics: m,
	})
	srv := relay.NewServer(r, scfg.Addr)
	if err := srv.Start(); err != nil {
		return fmt.Errorf("listening on %s: %w", scfg.Addr, err)
	}
	listening(srv.URL())
	o.log.Info("relay: serving", "addr", srv.Address(), "store", o.cfg.Store)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		return srv.Stop()
	})
	if scfg.MetricsAddr != "" {
		hs := &http.Server{
			Addr:              scfg.MetricsAddr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return hs.Shutdown(sctx)
		})
	}

	err = g.Wait()
	cctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if cerr := r.Close(cctx); err == nil {
		err = cerr
	}
	return err
}
