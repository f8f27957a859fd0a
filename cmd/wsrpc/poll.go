package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"

	"github.com/spf13/cobra"

	"github.com/rickgao/wsrpc/internal/jsonrpc"
	"github.com/rickgao/wsrpc/internal/poller"
)

func newPollCmd(a *app) *cobra.Command {
	var once bool

	cmd := &cobra.Command{
		Use:   "poll",
		Short: "Issue the configured poller.calls on an interval",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			calls := make([]poller.Call, 0, len(a.cfg.Poller.Calls))
			for _, c := range a.cfg.Poller.Calls {
				calls = append(calls, poller.Call{Method: c.Method, Params: c.Params})
			}
			if len(calls) == 0 {
				return errors.New("no poller.calls configured")
			}

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			p, err := a.connect(ctx)
			if err != nil {
				return err
			}
			defer p.Disconnect(ctx)

			stop := a.startServer(ctx, p, nil)
			defer stop()

			pl := poller.New(poller.Config{
				Interval:    a.cfg.Poller.Interval,
				Concurrency: a.cfg.Poller.Concurrency,
				Timeout:     a.cfg.Poller.Timeout,
				Calls:       calls,
			}, p, resultPrinter(cmd.OutOrStdout()), a.logger)

			if once {
				stats := pl.PollOnce(ctx)
				if stats.Errors > 0 {
					return errors.New("some calls failed")
				}
				return nil
			}

			if err := pl.Start(ctx); err != nil {
				return err
			}
			select {
			case <-ctx.Done():
			case <-p.Done():
			}
			pl.Stop(context.WithoutCancel(ctx))
			return p.Err()
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "run a single cycle and exit")
	return cmd
}

// resultPrinter writes each result as one JSON line.
func resultPrinter(w io.Writer) poller.ResultHandler {
	var mu sync.Mutex
	enc := json.NewEncoder(w)
	return poller.ResultHandlerFunc(func(c poller.Call, resp *jsonrpc.Response) error {
		mu.Lock()
		defer mu.Unlock()
		return enc.Encode(struct {
			Method string          `json:"method"`
			Params []any           `json:"params,omitempty"`
			Result json.RawMessage `json:"result"`
		}{c.Method, c.Params, resp.Result})
	})
}
