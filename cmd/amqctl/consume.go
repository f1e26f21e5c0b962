package main

import (
	"fmt"
	"io"
	"sync"

	"github.com/qvcloud/amq"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// printer writes each received text on its own line.
type printer struct {
	mu  sync.Mutex
	out io.Writer
	env *env
}

func (p *printer) Notify(text string) {
	p.mu.Lock()
	fmt.Fprintln(p.out, text)
	p.mu.Unlock()
	p.env.metrics.IncMessages("received", "ok")
}

func newConsumeCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "consume",
		Short: "Print received messages until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := g.setup(cmd)
			if err != nil {
				return err
			}
			defer e.shutdown()

			p := &printer{out: cmd.OutOrStdout(), env: e}
			in, err := e.instance(cmd.Context(), amq.Consumer, p)
			if err != nil {
				return err
			}
			defer e.close(in)

			<-cmd.Context().Done()
			e.log.Info("shutting down", zap.Error(cmd.Context().Err()))
			return nil
		},
	}
}
