package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/rickgao/wsrpc/internal/connection"
	"github.com/rickgao/wsrpc/internal/database"
	"github.com/rickgao/wsrpc/internal/writer"
)

func newSubscribeCmd(a *app) *cobra.Command {
	var (
		store bool
		count int
		label string
	)

	cmd := &cobra.Command{
		Use:   "subscribe <params-json>",
		Short: "Subscribe and print or store every push",
		Example: `wsrpc subscribe '["newHeads"]' --count 10
wsrpc subscribe '["logs", {"address": "0xabc"}]' --store --config wsrpc.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var params []any
			if err := json.Unmarshal([]byte(args[0]), &params); err != nil {
				return fmt.Errorf("params must be a JSON array: %w", err)
			}

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			p, err := a.connect(ctx)
			if err != nil {
				return err
			}
			defer p.Disconnect(context.Background())

			id, err := p.Subscribe(ctx, connection.SubscribeRequest{Params: params, Label: label})
			if err != nil {
				return err
			}
			a.logger.Info("subscription active", "subscription", id)
			defer func() {
				unsubCtx, unsubCancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer unsubCancel()
				if err := p.UnsubscribeAll(unsubCtx); err != nil {
					a.logger.Warn("unsubscribe failed", "error", err)
				}
			}()

			if store {
				return a.storeNotifications(ctx, p)
			}

			stop := a.startServer(ctx, p, nil)
			defer stop()
			return printNotifications(ctx, cmd.OutOrStdout(), p, count)
		},
	}

	cmd.Flags().BoolVar(&store, "store", false, "write pushes to the database instead of stdout")
	cmd.Flags().IntVar(&count, "count", 0, "exit after this many pushes (0 = run until interrupted)")
	cmd.Flags().StringVar(&label, "label", "", "subscription label")
	return cmd
}

// printNotifications writes each push as one JSON line.
func printNotifications(ctx context.Context, w io.Writer, p *connection.Provider, count int) error {
	enc := json.NewEncoder(w)
	seen := 0
	for n, err := range p.IterateMessages(ctx) {
		if err != nil && n == nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := enc.Encode(n); err != nil {
			return err
		}
		seen++
		if count > 0 && seen >= count {
			return nil
		}
	}
	return nil
}

// storeNotifications runs a NotificationWriter until ctx is done or the
// connection ends.
func (a *app) storeNotifications(ctx context.Context, p *connection.Provider) error {
	pool, err := database.Connect(ctx, a.cfg.Database.Postgres, a.cfg.Instance.ID)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := database.EnsureSchema(ctx, pool); err != nil {
		return err
	}

	stop := a.startServer(ctx, p, pool)
	defer stop()

	w := writer.NewNotificationWriter(writer.Config{
		BatchSize:     a.cfg.Writer.BatchSize,
		FlushInterval: a.cfg.Writer.FlushInterval,
	}, p, pool, a.metrics, a.logger)
	if err := w.Start(ctx); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
	case <-w.Done():
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := w.Stop(stopCtx); err != nil {
		return err
	}

	stats := w.Stats()
	a.logger.Info("notifications stored",
		"received", stats.Received,
		"inserted", stats.Inserts,
		"errors", stats.Errors,
	)
	if err := w.Err(); err != nil && ctx.Err() == nil {
		return err
	}
	return p.Err()
}
