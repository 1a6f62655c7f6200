package mcp

import (
	"context"
	"errors"
	"os"
	"sync/atomic"
	"testing"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcpgo "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Vusisean11/valiant/pkg/tools"
)

const stdioHelperEnv = "VALIANT_MCP_STDIO_HELPER"

// TestHelperStdioServer is re-executed by the stdio test as a child process.
func TestHelperStdioServer(t *testing.T) {
	if os.Getenv(stdioHelperEnv) != "1" {
		return
	}
	if err := mcpserver.ServeStdio(bookstoreServer()); err != nil {
		os.Exit(1)
	}
	os.Exit(0)
}

func TestClientStdioBind(t *testing.T) {
	t.Setenv(stdioHelperEnv, "1")
	exe, err := os.Executable()
	require.NoError(t, err)

	client, err := NewClientWithStdioProtocol(exe, []string{"-test.run", "TestHelperStdioServer"}, mcpgo.LATEST_PROTOCOL_VERSION)
	require.NoError(t, err)
	defer client.Close()

	registry := tools.NewRegistry()
	bound, err := Bind(context.Background(), client, registry, "shop_", []string{"ping"})
	require.NoError(t, err)
	require.Equal(t, []string{"ping"}, bound)

	ping, _ := registry.Get("ping")
	res, err := ping.Invoke(context.Background(), tools.Call{ToolID: "ping"})
	require.NoError(t, err)
	assert.Equal(t, "pong", res.Payload)
}

func TestClientStreamableHTTP(t *testing.T) {
	httpServer := mcpserver.NewTestStreamableHTTPServer(bookstoreServer())
	defer httpServer.Close()

	client, err := NewClientWithStreamableHTTPProtocol(httpServer.URL, mcpgo.LATEST_PROTOCOL_VERSION)
	require.NoError(t, err)
	defer client.Close()

	listed, err := client.ListTools(context.Background())
	require.NoError(t, err)
	names := make([]string, 0, len(listed))
	for _, tool := range listed {
		names = append(names, tool.Name)
	}
	assert.ElementsMatch(t, []string{"shop_list_books", "shop_ping", "shop_broken"}, names)
}

// flakyClient fails the first n calls of each kind.
type flakyClient struct {
	mcpclient.MCPClient
	failures  int32
	listCalls atomic.Int32
	callCalls atomic.Int32
}

func (f *flakyClient) ListTools(context.Context, mcpgo.ListToolsRequest) (*mcpgo.ListToolsResult, error) {
	if f.listCalls.Add(1) <= f.failures {
		return nil, errors.New("connection reset")
	}
	return &mcpgo.ListToolsResult{Tools: []mcpgo.Tool{mcpgo.NewTool("ping")}}, nil
}

func (f *flakyClient) CallTool(ctx context.Context, _ mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	if f.callCalls.Add(1) <= f.failures {
		return nil, errors.New("connection reset")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return mcpgo.NewToolResultText("pong"), nil
}

func (f *flakyClient) Close() error { return nil }

func TestClientRetriesTransientErrors(t *testing.T) {
	fake := &flakyClient{failures: 2}
	client := NewClient(fake, WithRetry(2, time.Millisecond))

	res, err := client.CallTool(context.Background(), "ping", nil)
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Equal(t, int32(3), fake.callCalls.Load())

	fake = &flakyClient{failures: 5}
	client = NewClient(fake, WithRetry(1, time.Millisecond))
	_, err = client.CallTool(context.Background(), "ping", nil)
	require.Error(t, err)
	assert.Equal(t, int32(2), fake.callCalls.Load())
}

func TestClientCachesToolList(t *testing.T) {
	fake := &flakyClient{}
	client := NewClient(fake, WithToolCacheTTL(time.Minute))
	for range 3 {
		listed, err := client.ListTools(context.Background())
		require.NoError(t, err)
		require.Len(t, listed, 1)
	}
	assert.Equal(t, int32(1), fake.listCalls.Load())

	fake = &flakyClient{}
	client = NewClient(fake, WithToolCacheTTL(0))
	for range 3 {
		_, err := client.ListTools(context.Background())
		require.NoError(t, err)
	}
	assert.Equal(t, int32(3), fake.listCalls.Load())
}
