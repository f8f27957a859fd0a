// Command wsrpc talks JSON-RPC to a node over one persistent WebSocket
// connection: single calls, batches, subscriptions and periodic polling.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
