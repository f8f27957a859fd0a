package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/rickgao/wsrpc/internal/connection"
	"github.com/rickgao/wsrpc/internal/jsonrpc"
)

func newCallCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "call <method> [params-json]",
		Short:   "Send one request and print its result",
		Example: `wsrpc call eth_getBalance '["0xabc", "latest"]' --endpoint wss://node.example.com`,
		Args:    cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var raw string
			if len(args) == 2 {
				raw = args[1]
			}
			params, err := parseParams(raw)
			if err != nil {
				return err
			}

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			p, err := a.connect(ctx)
			if err != nil {
				return err
			}
			defer p.Disconnect(ctx)

			resp, err := p.MakeRequest(ctx, args[0], params)
			var rpcErr *jsonrpc.Error
			if errors.As(err, &rpcErr) {
				return printJSON(cmd.OutOrStdout(), resp)
			}
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), resp.Result)
		},
	}
}

func newBatchCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "batch <file>",
		Short: "Send a JSON array of {method, params} as one batch",
		Long: `Reads a JSON array of {"method": ..., "params": [...]} objects from file
("-" for stdin), sends it as one batch frame and prints the responses in
request order.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reqs, err := readBatch(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			p, err := a.connect(ctx)
			if err != nil {
				return err
			}
			defer p.Disconnect(ctx)

			resps, err := p.MakeBatchRequest(ctx, reqs)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), resps)
		},
	}
}

// parseParams validates a params argument. Empty means no params.
func parseParams(s string) (any, error) {
	if s == "" {
		return nil, nil
	}
	raw := json.RawMessage(s)
	if !json.Valid(raw) {
		return nil, fmt.Errorf("params must be valid JSON: %s", s)
	}
	switch raw[0] {
	case '[', '{':
		return raw, nil
	default:
		return nil, fmt.Errorf("params must be a JSON array or object, got %s", s)
	}
}

type batchEntry struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// readBatch reads batch entries from path, or from stdin for "-".
func readBatch(stdin io.Reader, path string) ([]connection.BatchRequest, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read batch: %w", err)
	}

	var entries []batchEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse batch: %w", err)
	}
	if len(entries) == 0 {
		return nil, connection.ErrEmptyBatch
	}

	reqs := make([]connection.BatchRequest, 0, len(entries))
	for i, e := range entries {
		if e.Method == "" {
			return nil, fmt.Errorf("batch entry %d: method is required", i)
		}
		reqs = append(reqs, connection.BatchRequest{Method: e.Method, Params: e.Params})
	}
	return reqs, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
