package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kacperjurak/emfit/internal/processing"
	"github.com/kacperjurak/emfit/pkg/config"
	"github.com/kacperjurak/emfit/pkg/server"
	"github.com/kacperjurak/emfit/pkg/webhook"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd(root *rootOptions) *cobra.Command {
	defaults := config.DefaultServerConfig()
	var (
		port        string
		concurrency int
		webhookURL  string
		metrics     bool
		profile     bool
		inMemory    bool
		timeout     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the analysis HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := root.load(cmd)
			if err != nil {
				return err
			}
			sc := s.server
			f := cmd.Flags()
			if f.Changed("port") {
				sc.Port = port
			}
			if f.Changed("concurrency") {
				sc.WorkerCount = concurrency
			}
			if f.Changed("webhook") {
				sc.WebhookURL = webhookURL
			}
			if f.Changed("metrics") {
				sc.EnableMetrics = metrics
			}
			if f.Changed("profile") {
				sc.EnableProfiling = profile
			}
			if f.Changed("in-memory") {
				sc.InMemoryStore = inMemory
			}
			if f.Changed("request-timeout") {
				sc.RequestTimeout = timeout
			}

			db, err := openDatabase(s)
			if err != nil {
				return err
			}
			st, err := openStore(s, sc.InMemoryStore)
			if err != nil {
				return err
			}
			defer st.Close()

			srv := server.New(server.Options{
				Config:       s.cfg,
				ServerConfig: sc,
				Runner:       processing.NewAnalysisProcessor(db, calculators(db), st, s.log),
				Store:        st,
				Notifier:     webhook.NewClient(sc.WebhookURL, s.log),
				Logger:       s.log,
			})

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			errCh := make(chan error, 1)
			go func() { errCh <- srv.Start() }()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
				s.log.Info("received shutdown signal")
			}
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(sctx); err != nil {
				return err
			}
			return <-errCh
		},
	}
	f := cmd.Flags()
	config.DefaultConfig().BindFlags(f)
	f.StringVar(&port, "port", defaults.Port, "HTTP port")
	f.IntVar(&concurrency, "concurrency", defaults.WorkerCount, "analyses running at once")
	f.StringVar(&webhookURL, "webhook", defaults.WebhookURL, "URL notified when an analysis finishes")
	f.BoolVar(&metrics, "metrics", defaults.EnableMetrics, "expose Prometheus metrics on /metrics")
	f.BoolVar(&profile, "profile", defaults.EnableProfiling, "enable pprof on the profiling port")
	f.BoolVar(&inMemory, "in-memory", defaults.InMemoryStore, "keep stored analyses in memory only")
	f.DurationVar(&timeout, "request-timeout", defaults.RequestTimeout, "deadline of one analysis")
	return cmd
}
