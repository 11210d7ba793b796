package cmd

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"rpcbridge/client"
	"rpcbridge/middleware"
	"rpcbridge/substrate"
)

func init() {
	callCmd.Flags().String("zenoh", "tcp://127.0.0.1:7447", "Zenoh router endpoint")
	callCmd.Flags().Duration("timeout", 5*time.Second, "call timeout, retries included")

	rootCmd.AddCommand(callCmd)
}

var callCmd = &cobra.Command{
	Use:   "call <key> <hex payload>",
	Short: "send one CDR-encoded query to a Zenoh key and print the reply as hex",
	Args:  cobra.ExactArgs(2),
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return bindFlags(cmd, map[string]string{
			"zenoh":   "zenoh.endpoint",
			"timeout": "timeouts.service",
		})
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		payload, err := hex.DecodeString(args[1])
		if err != nil {
			return fmt.Errorf("payload: %w", err)
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		log, err := cfg.Log.Build()
		if err != nil {
			return err
		}
		defer log.Sync()

		s, err := dialSession(cfg.Zenoh, cfg, log.Named("zenoh"))
		if err != nil {
			return err
		}
		defer s.Close()

		c, err := client.New(map[string]substrate.Substrate{cfg.Zenoh.Endpoint: s}, client.Options{
			Timeout: cfg.Timeouts.Service,
			Retry: middleware.RetryPolicy{
				Attempts: cfg.Retry.Attempts,
				Delay:    cfg.Retry.Initial,
				MaxDelay: cfg.Retry.Max,
			},
			Logger: log,
		})
		if err != nil {
			return err
		}
		reply, err := c.CallRaw(context.Background(), args[0], payload)
		if err != nil {
			log.Debug("call failed", zap.String("key", args[0]), zap.Error(err))
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), hex.EncodeToString(reply))
		return nil
	},
}
