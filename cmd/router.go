package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"rpcbridge/loadbalance"
	"rpcbridge/server"
)

func init() {
	routerCmd.Flags().String("listen", ":7447", "TCP listen address for sessions")
	routerCmd.Flags().String("ws-listen", "", "WebSocket listen address, empty to disable")
	routerCmd.Flags().String("balancer", "roundrobin", "queryable selection: roundrobin, weighted_random or consistent_hash")

	rootCmd.AddCommand(routerCmd)
}

var routerCmd = &cobra.Command{
	Use:   "router",
	Short: "run a session router that both sides of the bridge can attach to",
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return bindFlags(cmd, map[string]string{
			"listen":    "router.listen",
			"ws-listen": "router.ws_listen",
			"balancer":  "router.balancer",
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

		bal, err := loadbalance.New(cfg.Router.Balancer)
		if err != nil {
			return err
		}
		r := server.NewRouter(bal, log.Named("router"))

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return r.ListenAndServe(cfg.Router.Listen) })

		var ws *http.Server
		if cfg.Router.WSListen != "" {
			ws = &http.Server{Addr: cfg.Router.WSListen, Handler: r, ReadHeaderTimeout: 10 * time.Second}
			g.Go(func() error {
				log.Info("websocket listening", zap.String("addr", ws.Addr))
				if err := ws.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		}
		g.Go(func() error {
			<-gctx.Done()
			if ws != nil {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = ws.Shutdown(shutdownCtx)
			}
			return r.Shutdown(5 * time.Second)
		})
		return g.Wait()
	},
}
