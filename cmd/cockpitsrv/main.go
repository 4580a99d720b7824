package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	flags "github.com/jessevdk/go-flags"

	"github.com/nyosegawa/miotts-cockpit/pkg/config"
	"github.com/nyosegawa/miotts-cockpit/pkg/gpu"
	"github.com/nyosegawa/miotts-cockpit/pkg/logging"
	"github.com/nyosegawa/miotts-cockpit/pkg/metrics"
	"github.com/nyosegawa/miotts-cockpit/pkg/models"
	"github.com/nyosegawa/miotts-cockpit/pkg/presets"
	"github.com/nyosegawa/miotts-cockpit/pkg/server"
	"github.com/nyosegawa/miotts-cockpit/pkg/statestore"
	"github.com/nyosegawa/miotts-cockpit/pkg/supervisor"
)

// shutdownTimeout bounds the HTTP drain; managed services get their own
// stop grace on top of this.
const shutdownTimeout = 15 * time.Second

type flagOptions struct {
	Config   string `long:"config" short:"c" description:"path to services.yaml"`
	LogLevel string `long:"log-level" description:"log level (debug, info, warn, error)"`
	StartAll bool   `long:"start-all" description:"start all managed services on boot"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "cockpitsrv: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var opts flagOptions
	parser := flags.NewParser(&opts, flags.HelpFlag)
	if _, err := parser.ParseArgs(os.Args[1:]); err != nil {
		return fmt.Errorf("command line flags parsing failed: %w", err)
	}

	cfg, err := config.Load(opts.Config)
	if err != nil {
		return err
	}

	level := cfg.Logging.Level
	if opts.LogLevel != "" {
		level = opts.LogLevel
	}
	logger, err := logging.NewZapLogger(level)
	if err != nil {
		return err
	}
	defer logger.Sync()

	reg := metrics.NewRegistry()
	mgr, err := supervisor.NewManager(cfg.Services, supervisor.Options{
		LogDir:        cfg.Server.LogDir,
		NoisePatterns: cfg.LogNoisePatterns,
		Metrics:       reg,
	}, logger)
	if err != nil {
		return err
	}

	store := statestore.New(cfg.Server.StateFile)
	switcher := models.NewSwitcher(cfg.Miotts.Models, mgr, store, logger)
	// Rewrite command vectors before anything starts, so a persisted
	// model selection survives cockpit restarts.
	if err := switcher.RestoreAtStartup(); err != nil {
		return err
	}

	presetMgr, err := presets.NewManager(cfg.Miotts.PresetsDir, miottsWorkDir(cfg), logger)
	if err != nil {
		return err
	}

	_, handler := server.New(server.Options{
		Supervisor:     mgr,
		Models:         switcher,
		Presets:        presetMgr,
		GPU:            gpu.NewProber(logger),
		MiottsAPIURL:   cfg.Miotts.APIURL,
		FrontendDir:    cfg.Server.FrontendDir,
		MetricsHandler: reg.Handler(),
		Logger:         logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if opts.StartAll {
		go func() {
			if err := mgr.StartAll(ctx); err != nil {
				logger.Errorf("Failed to start all services: %v", err)
			}
		}()
	}

	addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
	srv := &http.Server{Addr: addr, Handler: handler}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("Control panel listening on %s, managing %d services", addr, len(cfg.Services))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Infof("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("HTTP shutdown incomplete: %v", err)
	}

	// Managed services outlive the listener drain but not the process.
	mgr.StopAll(context.Background())
	return nil
}

// miottsWorkDir is where the preset-conversion script runs: the MioTTS
// checkout, taken from the managed service's configured cwd.
func miottsWorkDir(cfg *config.Config) string {
	for _, svc := range cfg.Services {
		if svc.ID == "miotts" && svc.WorkDir != "" {
			return svc.WorkDir
		}
	}
	return "."
}
