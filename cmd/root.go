// Package cmd wires the command line to the ingestion loop and the report server.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"clone-stats-service/config"
	"clone-stats-service/database"
	"clone-stats-service/handlers"
	"clone-stats-service/metrics"
	"clone-stats-service/middleware"
	"clone-stats-service/services"
	"clone-stats-service/traffic"
	"clone-stats-service/utils"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var v = config.NewViper()

var rootCmd = &cobra.Command{
	Use:     "clone-stats <auth_token> <owner/repo> [<owner/repo> ...]",
	Short:   "Collect GitHub clone traffic and serve the accumulated history",
	Example: "  clone-stats ghp_xxx alibaba/yalantinglibs alibaba/async_simple",
	Args:    cobra.MinimumNArgs(2),
	RunE:    run,
}

func init() {
	flags := rootCmd.Flags()
	flags.String("listen", "0.0.0.0:9988", "address of the report server")
	flags.String("data-dir", ".", "directory holding one database per repository")
	flags.Duration("interval", 3*time.Hour, "time between ingestion cycles")
	flags.String("schedule", "", "cron expression for ingestion cycles, overrides --interval")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("log-format", "text", "log format (text, json)")

	bind(flags, config.KeyListenAddr, "listen")
	bind(flags, config.KeyDataDir, "data-dir")
	bind(flags, config.KeySyncInterval, "interval")
	bind(flags, config.KeySyncSchedule, "schedule")
	bind(flags, config.KeyLogLevel, "log-level")
	bind(flags, config.KeyLogFormat, "log-format")
}

func bind(flags *pflag.FlagSet, key, name string) {
	if err := v.BindPFlag(key, flags.Lookup(name)); err != nil {
		panic(err)
	}
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func run(cmd *cobra.Command, args []string) error {
	cmd.SilenceUsage = true

	cfg, err := config.LoadConfig(v, args[0], args[1:])
	if err != nil {
		return err
	}

	log, err := utils.SetupLogger(cfg.LogLevel, cfg.LogFormat, nil)
	if err != nil {
		return &config.ConfigurationError{Field: config.KeyLogLevel, Err: err}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	stores := database.NewRegistry(cfg.DataDir)
	defer stores.Close()

	client, err := traffic.NewClient(traffic.ClientConfig{
		Token:      cfg.Token,
		BaseURL:    cfg.APIBaseURL,
		UserAgent:  cfg.UserAgent,
		APIVersion: cfg.APIVersion,
		Timeout:    cfg.HTTPTimeout,
	})
	if err != nil {
		return &config.ConfigurationError{Field: config.KeyAPIBaseURL, Err: err}
	}
	fetcher := traffic.NewRetrier(client, cfg.RetryAttempts, cfg.RetryDelay, log, m)

	ingestion := services.NewIngestionService(cfg.Targets, fetcher, stores, cfg.DayKey, cfg.SyncInterval, log, m)
	reports := services.NewReportService(cfg.Targets, stores, cfg.ReportLimit)

	limiter := middleware.NewRateLimiter(cfg.RateLimitRequests, cfg.RateLimitWindow, cfg.RateLimitLock)
	go limiter.Cleanup(ctx, time.Hour)

	gin.SetMode(gin.ReleaseMode)
	router, err := handlers.SetupRouter(handlers.RouterDeps{
		Report:         handlers.NewReportHandler(reports),
		Limiter:        limiter,
		Metrics:        m,
		Log:            log,
		TrustedProxies: cfg.TrustedProxies,
	})
	if err != nil {
		return &config.ConfigurationError{Field: config.KeyTrustedProxies, Err: err}
	}

	srv, err := listen(cfg.ListenAddr, router, log)
	if err != nil {
		return err
	}

	ingestionDone, err := startIngestion(ctx, cfg, ingestion, log)
	if err != nil {
		srv.Close()
		return err
	}

	<-ctx.Done()
	log.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("Server shutdown")
	}

	// stores are closed by the deferred Close only after the last write
	<-ingestionDone
	log.Info("Ingestion stopped, closing stores")
	return nil
}

// listen binds before anything else runs so a taken port fails startup
func listen(addr string, h http.Handler, log logrus.FieldLogger) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, &config.ConfigurationError{Field: config.KeyListenAddr, Err: err}
	}

	srv := &http.Server{Handler: h, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		log.Infof("Server starting on %s", ln.Addr())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("Server stopped")
		}
	}()
	return srv, nil
}

// startIngestion starts the ingestion loop. The returned channel is closed
// once ctx is done and no cycle is running any more.
func startIngestion(ctx context.Context, cfg *config.Config, svc *services.IngestionService, log *logrus.Logger) (<-chan struct{}, error) {
	done := make(chan struct{})

	if cfg.SyncSchedule == "" {
		go func() {
			defer close(done)
			svc.Run(ctx)
		}()
		return done, nil
	}

	cronLog := cron.VerbosePrintfLogger(log)
	job := cron.NewChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)).
		Then(cron.FuncJob(func() { svc.RunCycle(ctx) }))

	c := cron.New()
	if _, err := c.AddJob(cfg.SyncSchedule, job); err != nil {
		return nil, &config.ConfigurationError{Field: config.KeySyncSchedule, Err: fmt.Errorf("invalid cron expression: %w", err)}
	}
	c.Start()
	log.WithField("schedule", cfg.SyncSchedule).Info("Ingestion scheduled")

	// first cycle right away; the shared wrapper keeps it from overlapping a scheduled one
	var first sync.WaitGroup
	first.Add(1)
	go func() {
		defer first.Done()
		job.Run()
	}()

	go func() {
		defer close(done)
		<-ctx.Done()
		<-c.Stop().Done()
		first.Wait()
	}()
	return done, nil
}
