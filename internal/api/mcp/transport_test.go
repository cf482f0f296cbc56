package mcp_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haulwise/convmem/internal/api/mcp"
)

// serveInput runs the transport against input and returns every response
// line written to stdout. EOF on input is a clean shutdown.
func serveInput(t *testing.T, srv *mcp.Server, input string) []rpcResponse {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var out bytes.Buffer
	transport := mcp.NewStdioTransport(srv, strings.NewReader(input), &out, zerolog.Nop())
	require.NoError(t, transport.Serve(ctx))

	var responses []rpcResponse
	sc := bufio.NewScanner(&out)
	for sc.Scan() {
		var resp rpcResponse
		require.NoError(t, json.Unmarshal(sc.Bytes(), &resp), "stdout must only carry JSON-RPC frames: %q", sc.Text())
		responses = append(responses, resp)
	}
	return responses
}

func TestStdioTransport_AnswersInOrder(t *testing.T) {
	srv, _ := newTestServer(t)

	input := strings.Join([]string{
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`,
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		``,
		`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`,
		`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"create_conversation","arguments":{"conversation_id":"c1","client_id":"u1","agent_id":"a1"}}}`,
	}, "\n") + "\n"

	responses := serveInput(t, srv, input)
	require.Len(t, responses, 3, "notification and blank line produce no output")
	for i, resp := range responses {
		assert.EqualValues(t, i+1, resp.ID)
		assert.Nil(t, resp.Error)
	}
}

func TestStdioTransport_MalformedLineGetsParseError(t *testing.T) {
	srv, _ := newTestServer(t)

	responses := serveInput(t, srv, "{broken\n"+`{"jsonrpc":"2.0","id":9,"method":"ping"}`+"\n")
	require.Len(t, responses, 2)
	require.NotNil(t, responses[0].Error)
	assert.Equal(t, mcp.ErrCodeParseError, responses[0].Error.Code)
	assert.EqualValues(t, 9, responses[1].ID)
	assert.Nil(t, responses[1].Error)
}

func TestStdioTransport_StopsOnCancel(t *testing.T) {
	srv, _ := newTestServer(t)

	pr, pw := io.Pipe()
	defer pw.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- mcp.NewStdioTransport(srv, pr, io.Discard, zerolog.Nop()).Serve(ctx)
	}()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
