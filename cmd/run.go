package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"rpcbridge/admin"
	"rpcbridge/bridge"
	"rpcbridge/config"
	"rpcbridge/middleware"
	"rpcbridge/naming"
	"rpcbridge/registry"
	"rpcbridge/substrate"
	"rpcbridge/supervisor"
)

func init() {
	runCmd.Flags().String("name", "rpcbridge", "bridge name used in the registry")
	runCmd.Flags().String("namespace", "", "Zenoh key prefix for every route")
	runCmd.Flags().String("zenoh", "tcp://127.0.0.1:7447", "Zenoh router endpoint")
	runCmd.Flags().String("ros", "tcp://127.0.0.1:7447", "ROS domain endpoint")
	runCmd.Flags().String("admin", ":9090", "admin listen address, empty to disable")
	runCmd.Flags().StringSlice("etcd", nil, "etcd endpoints for route publication")
	runCmd.Flags().String("log-level", "info", "log level")

	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "run the bridge for the configured routes",
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return bindFlags(cmd, map[string]string{
			"name":      "bridge.name",
			"namespace": "bridge.namespace",
			"zenoh":     "zenoh.endpoint",
			"ros":       "ros.endpoint",
			"admin":     "admin.listen",
			"etcd":      "registry.etcd",
			"log-level": "log.level",
		})
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		log, err := cfg.Log.Build()
		if err != nil {
			return err
		}
		defer log.Sync()

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		return runBridge(ctx, cfg, log)
	},
}

func runBridge(ctx context.Context, cfg config.Config, log *zap.Logger) error {
	zenoh, err := dialSession(cfg.Zenoh, cfg, log.Named("zenoh"))
	if err != nil {
		return fmt.Errorf("zenoh session: %w", err)
	}
	defer zenoh.Close()
	ros, err := dialSession(cfg.ROS, cfg, log.Named("ros"))
	if err != nil {
		return fmt.Errorf("ros session: %w", err)
	}
	defer ros.Close()

	var reg registry.Registry = registry.NewMemory()
	if len(cfg.Registry.Etcd) > 0 {
		if reg, err = registry.NewEtcdRegistry(cfg.Registry.Etcd, cfg.Bridge.Name, log); err != nil {
			return fmt.Errorf("registry: %w", err)
		}
	}
	defer reg.Close()

	routes, err := buildRoutes(cfg, ros, zenoh, log)
	if err != nil {
		return err
	}
	sup := supervisor.New(supervisor.Options{
		Bridge:       cfg.Bridge.Name,
		Registry:     reg,
		TTL:          cfg.Registry.TTL,
		InitialDelay: cfg.Retry.Initial,
		MaxDelay:     cfg.Retry.Max,
		Logger:       log,
	})
	for _, r := range routes {
		if err := sup.Add(r); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sup.Run(gctx) })
	if cfg.Admin.Listen != "" {
		g.Go(func() error {
			return admin.Serve(gctx, cfg.Admin.Listen, admin.Handler(sup, reg, log), log.Named("admin"))
		})
	}
	return g.Wait()
}

func bridgeOptions(cfg config.Config, log *zap.Logger) bridge.Options {
	return bridge.Options{
		Logger: log,
		Retry: middleware.RetryPolicy{
			Attempts: cfg.Retry.Attempts,
			Delay:    cfg.Retry.Initial,
			MaxDelay: cfg.Retry.Max,
		},
		Rate:             cfg.Limits.Rate,
		Burst:            cfg.Limits.Burst,
		GetResultTimeout: cfg.Timeouts.GetResult,
		GoalTimeout:      cfg.Timeouts.Goal,
		GoalRetention:    cfg.Goals.Retention,
		MaxGoals:         cfg.Goals.Max,
		FeedbackQueueLen: cfg.Goals.FeedbackQueue,
	}
}

// buildRoutes turns the configured services and actions into bridge routes.
// Routes without their own timeout use the global one of their kind.
func buildRoutes(cfg config.Config, ros, zenoh substrate.Domain, log *zap.Logger) ([]bridge.Route, error) {
	mapper, err := naming.NewMapper(cfg.Bridge.Namespace)
	if err != nil {
		return nil, err
	}
	opts := bridgeOptions(cfg, log)

	var routes []bridge.Route
	for _, s := range cfg.Routes.Services {
		timeout := s.Timeout
		if timeout <= 0 {
			timeout = cfg.Timeouts.Service
		}
		b, err := bridge.NewServiceBridge(bridge.ServiceRoute{
			Name:      s.Name,
			Direction: bridge.Direction(s.Direction),
			Timeout:   timeout,
		}, ros, zenoh, mapper, opts)
		if err != nil {
			return nil, fmt.Errorf("service %s: %w", s.Name, err)
		}
		routes = append(routes, b)
	}
	for _, a := range cfg.Routes.Actions {
		timeout := a.Timeout
		if timeout <= 0 {
			timeout = cfg.Timeouts.Action
		}
		b, err := bridge.NewActionBridge(bridge.ActionRoute{Name: a.Name, Timeout: timeout}, ros, zenoh, mapper, opts)
		if err != nil {
			return nil, fmt.Errorf("action %s: %w", a.Name, err)
		}
		routes = append(routes, b)
	}
	return routes, nil
}
