package main

import (
	"fmt"
	"time"

	"github.com/qvcloud/amq"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newProduceCmd(g *globalFlags) *cobra.Command {
	var (
		text     string
		priority int32
		count    int
	)
	cmd := &cobra.Command{
		Use:   "produce",
		Short: "Send text messages and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if count < 1 {
				return fmt.Errorf("count must be greater than 0")
			}
			e, err := g.setup(cmd)
			if err != nil {
				return err
			}
			defer e.shutdown()

			in, err := e.instance(cmd.Context(), amq.Producer, nil)
			if err != nil {
				return err
			}
			defer e.close(in)

			for i := 0; i < count; i++ {
				start := time.Now()
				err := in.Send(cmd.Context(), text, priority)
				e.metrics.ObserveSend(time.Since(start))
				if err != nil {
					e.metrics.IncMessages("sent", "error")
					e.recordError(in)
					return fmt.Errorf("send %d of %d: %w", i+1, count, err)
				}
				e.metrics.IncMessages("sent", "ok")
			}

			e.log.Info("messages sent", zap.Int("count", count))
			fmt.Fprintf(cmd.OutOrStdout(), "sent %d message(s)\n", count)
			return nil
		},
	}
	cmd.Flags().StringVar(&text, "text", "", "message text")
	cmd.Flags().Int32Var(&priority, "priority", 4, "value of the priority property")
	cmd.Flags().IntVar(&count, "count", 1, "number of messages to send")
	_ = cmd.MarkFlagRequired("text")
	return cmd
}
