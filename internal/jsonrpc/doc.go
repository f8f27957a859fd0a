// Package jsonrpc defines the JSON-RPC 2.0 wire shapes exchanged over a
// persistent connection: requests, responses, batch arrays and server-pushed
// subscription notifications.
package jsonrpc
