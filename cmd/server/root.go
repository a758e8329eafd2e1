package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Tyrowin/wsroute/internal/control"
	"github.com/Tyrowin/wsroute/internal/logging"
	"github.com/Tyrowin/wsroute/internal/presence"
	"github.com/Tyrowin/wsroute/internal/server"
)

type options struct {
	configPath string
	port       string
	logLevel   string
	noConsole  bool
	admin      bool
}

func newRootCmd() *cobra.Command {
	var opts options

	root := &cobra.Command{
		Use:          "wsroute",
		Short:        "WebSocket connection registry and message router",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), cmd, opts)
		},
	}

	opts.bind(root)
	return root
}

func (o *options) bind(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&o.configPath, "config", "c", "", "path to YAML config file")
	cmd.Flags().StringVarP(&o.port, "port", "p", "", "listen address, e.g. :8080 (overrides config)")
	cmd.Flags().StringVar(&o.logLevel, "log-level", "", "debug, info, warn or error (overrides config)")
	cmd.Flags().BoolVar(&o.noConsole, "no-console", false, "disable the operator console on stdin")
	cmd.Flags().BoolVar(&o.admin, "admin", false, "enable the HTTP admin API")
}

func loadConfig(cmd *cobra.Command, opts options) (*server.Config, error) {
	cfg, err := server.LoadConfig(opts.configPath)
	if err != nil {
		return nil, err
	}

	if cmd.Flags().Changed("port") {
		cfg.Port = opts.port
	}
	if cmd.Flags().Changed("log-level") {
		cfg.Log.Level = opts.logLevel
	}
	if opts.noConsole {
		cfg.Console.Disabled = true
	}
	if opts.admin {
		cfg.Admin.Enabled = true
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func run(ctx context.Context, cmd *cobra.Command, opts options) error {
	cfg, err := loadConfig(cmd, opts)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting wsroute",
		zap.String("addr", cfg.Port),
		zap.Strings("allowed_origins", cfg.AllowedOrigins),
		zap.Bool("admin", cfg.Admin.Enabled),
		zap.Bool("console", !cfg.Console.Disabled),
	)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	hub := server.NewHub(*cfg, logger.Named("hub"))
	plane := control.New(hub.Registry(), hub.Router(), logger.Named("control"))
	monitor := presence.New(presence.Config{Interval: cfg.Presence.Interval}, hub.Registry(), nil, logger.Named("presence"))

	var admin *control.Plane
	if cfg.Admin.Enabled {
		admin = plane
	}
	httpServer := server.CreateServer(cfg.Port, server.SetupRoutes(hub, admin))

	ln, err := net.Listen("tcp", cfg.Port)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Port, err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return server.Serve(httpServer, ln, logger)
	})

	if err := monitor.Start(gctx); err != nil {
		return err
	}

	if !cfg.Console.Disabled {
		console := control.NewConsole(plane, os.Stdin, os.Stdout, logger.Named("console"))
		g.Go(func() error {
			return console.Run(gctx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		var errs []error
		if err := server.ShutdownServer(httpServer, cfg.ShutdownTimeout, logger); err != nil {
			errs = append(errs, err)
		}
		if err := hub.Shutdown(cfg.ShutdownTimeout); err != nil {
			errs = append(errs, fmt.Errorf("hub shutdown: %w", err))
		}

		stopCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := monitor.Stop(stopCtx); err != nil {
			errs = append(errs, fmt.Errorf("presence shutdown: %w", err))
		}
		return errors.Join(errs...)
	})

	err = g.Wait()
	if errors.Is(err, control.ErrExit) {
		err = nil
	}
	if err != nil {
		logger.Error("server stopped with error", zap.Error(err))
		return err
	}
	logger.Info("server stopped")
	return nil
}
