// Package mcp – transport.go provides the StdioTransport that connects an
// MCP Server to a client via line-delimited JSON-RPC 2.0 over stdin/stdout.
//
// Protocol rules:
//   - Each JSON-RPC request arrives as a single newline-terminated line on
//     stdin.
//   - Each JSON-RPC response is written as a single newline-terminated line to
//     stdout. Notifications get no response.
//   - ALL diagnostic output must go to stderr. Any stray bytes on stdout
//     corrupt the protocol framing.
package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/rs/zerolog"
)

// maxLineBytes bounds a single request line.
const maxLineBytes = 4 * 1024 * 1024

// StdioTransport reads line-delimited JSON-RPC 2.0 requests from an io.Reader
// and writes responses to an io.Writer.
type StdioTransport struct {
	server *Server
	in     io.Reader
	out    io.Writer
	logger zerolog.Logger
}

// NewStdioTransport constructs a StdioTransport that reads from in and writes
// to out. The logger must write somewhere other than out.
//
// Usage with real stdio:
//
//	t := mcp.NewStdioTransport(srv, os.Stdin, os.Stdout, logger)
//	t.Serve(ctx)
func NewStdioTransport(srv *Server, in io.Reader, out io.Writer, logger zerolog.Logger) *StdioTransport {
	return &StdioTransport{
		server: srv,
		in:     in,
		out:    out,
		logger: logger.With().Str("component", "mcp-stdio").Logger(),
	}
}

// Serve processes requests until in is closed or ctx is cancelled. Requests
// are handled synchronously in arrival order.
func (t *StdioTransport) Serve(ctx context.Context) error {
	scanner := bufio.NewScanner(t.in)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	lines := make(chan []byte)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		for scanner.Scan() {
			line := append([]byte(nil), scanner.Bytes()...)
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			t.logger.Info().Msg("context cancelled, shutting down")
			return ctx.Err()

		case line, ok := <-lines:
			if !ok {
				var err error
				select {
				case err = <-scanErr:
				default:
				}
				if err != nil {
					return fmt.Errorf("stdin scanner: %w", err)
				}
				t.logger.Info().Msg("stdin closed, shutting down")
				return nil
			}
			if len(line) == 0 {
				continue
			}

			resp, err := t.server.HandleRequest(ctx, line)
			if err != nil {
				// Synthesize a frame so the caller always gets a response.
				t.logger.Error().Err(err).Msg("handler error")
				resp = t.internalErrorResponse(line, err)
			}
			if resp == nil {
				continue
			}
			if err := t.writeResponse(resp); err != nil {
				return fmt.Errorf("write response: %w", err)
			}
		}
	}
}

// writeResponse writes a single JSON-RPC response line.
func (t *StdioTransport) writeResponse(resp []byte) error {
	_, err := fmt.Fprintf(t.out, "%s\n", resp)
	return err
}

// internalErrorResponse builds a best-effort JSON-RPC error response,
// recovering the request ID so the caller can correlate it.
func (t *StdioTransport) internalErrorResponse(rawRequest []byte, handlerErr error) []byte {
	var partial struct {
		ID interface{} `json:"id"`
	}
	_ = json.Unmarshal(rawRequest, &partial)

	resp := JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      partial.ID,
		Error: &JSONRPCError{
			Code:    ErrCodeInternalError,
			Message: handlerErr.Error(),
		},
	}

	data, err := json.Marshal(resp)
	if err != nil {
		return []byte(`{"jsonrpc":"2.0","id":null,"error":{"code":-32603,"message":"internal error"}}`)
	}
	return data
}
