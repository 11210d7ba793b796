package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"rpcbridge/codec"
	"rpcbridge/message"
	"rpcbridge/substrate"
)

func init() {
	demoCmd.Flags().String("ros", "tcp://127.0.0.1:7447", "ROS domain endpoint")
	demoCmd.Flags().String("service", "/add_two_ints", "name of the AddTwoInts service")
	demoCmd.Flags().String("action", "/fibonacci", "name of the Fibonacci action")
	demoCmd.Flags().Duration("step", 500*time.Millisecond, "delay between Fibonacci feedbacks")

	rootCmd.AddCommand(demoCmd)
}

type addTwoIntsRequest struct {
	A int64
	B int64
}

type addTwoIntsResponse struct {
	Sum int64
}

type fibonacciGoal struct {
	GoalID message.GoalID
	Order  int32
}

type fibonacciResult struct {
	Status   int8
	Sequence []int32
}

type fibonacciFeedback struct {
	GoalID          message.GoalID
	PartialSequence []int32
}

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "serve the AddTwoInts service and the Fibonacci action on the ROS side",
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return bindFlags(cmd, map[string]string{"ros": "ros.endpoint"})
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

		ros, err := dialSession(cfg.ROS, cfg, log.Named("ros"))
		if err != nil {
			return err
		}
		defer ros.Close()

		service, _ := cmd.Flags().GetString("service")
		action, _ := cmd.Flags().GetString("action")
		step, _ := cmd.Flags().GetDuration("step")

		reg, err := ros.Register(service, addTwoInts)
		if err != nil {
			return err
		}
		defer reg.Close()
		srv, err := substrate.ServeAction(ros, action, substrate.ActionServerOptions{
			Accept: func(id message.GoalID, req []byte) bool {
				var goal fibonacciGoal
				return codec.Unmarshal(req, &goal) == nil && goal.Order >= 0
			},
			Execute: func(ctx context.Context, g *substrate.ServerGoal) {
				fibonacci(ctx, g, step, log)
			},
		})
		if err != nil {
			return err
		}
		defer srv.Close()
		log.Info("demo servers ready", zap.String("service", service), zap.String("action", action))

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		<-ctx.Done()
		return nil
	},
}

func addTwoInts(q substrate.Query) {
	var req addTwoIntsRequest
	if err := codec.Unmarshal(q.Payload(), &req); err != nil {
		q.ReplyErr(err)
		return
	}
	resp, err := codec.Marshal(&addTwoIntsResponse{Sum: req.A + req.B})
	if err != nil {
		q.ReplyErr(err)
		return
	}
	q.Reply(resp)
}

func fibonacci(ctx context.Context, g *substrate.ServerGoal, step time.Duration, log *zap.Logger) {
	var goal fibonacciGoal
	if err := codec.Unmarshal(g.Request, &goal); err != nil {
		resp, _ := codec.Marshal(&fibonacciResult{Status: message.StatusAborted})
		g.Finish(message.StatusAborted, resp)
		return
	}
	g.Executing()
	seq := []int32{0, 1}
	for i := 1; i < int(goal.Order); i++ {
		select {
		case <-g.Canceled():
			resp, _ := codec.Marshal(&fibonacciResult{Status: message.StatusCanceled, Sequence: seq})
			g.Finish(message.StatusCanceled, resp)
			return
		case <-ctx.Done():
			return
		case <-time.After(step):
		}
		seq = append(seq, seq[i]+seq[i-1])
		fb, _ := codec.Marshal(&fibonacciFeedback{GoalID: g.ID, PartialSequence: seq})
		if err := g.PublishFeedback(fb); err != nil {
			log.Warn("publish feedback", zap.Stringer("goal", g.ID), zap.Error(err))
		}
	}
	resp, _ := codec.Marshal(&fibonacciResult{Status: message.StatusSucceeded, Sequence: seq})
	g.Finish(message.StatusSucceeded, resp)
}
