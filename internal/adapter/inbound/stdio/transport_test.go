package stdio

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/policygate/gateway/internal/domain/proxy"
	"github.com/policygate/gateway/internal/port/inbound"
	"github.com/policygate/gateway/internal/service"
	"github.com/policygate/gateway/pkg/mcp"
)

// captureInterceptor records the context it saw and answers every request.
type captureInterceptor struct {
	sawIP chan string
}

func (c *captureInterceptor) Intercept(ctx context.Context, msg *mcp.Message) (*mcp.Message, error) {
	if ip, ok := ctx.Value(proxy.IPAddressKey).(string); ok {
		select {
		case c.sawIP <- ip:
		default:
		}
	}
	var req struct {
		ID any `json:"id"`
	}
	_ = json.Unmarshal(msg.Raw, &req)
	idJSON, _ := json.Marshal(req.ID)
	raw := []byte(`{"jsonrpc":"2.0","id":` + string(idJSON) + `,"result":{}}`)
	return &mcp.Message{Raw: raw, Direction: mcp.ServerToClient, Timestamp: time.Now()}, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// swapStdio redirects os.Stdin/os.Stdout onto pipes for the test's lifetime.
func swapStdio(t *testing.T) (stdinW *os.File, stdoutR *os.File) {
	t.Helper()

	origStdin, origStdout := os.Stdin, os.Stdout
	t.Cleanup(func() { os.Stdin, os.Stdout = origStdin, origStdout })

	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		t.Fatalf("stdin pipe: %v", err)
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		t.Fatalf("stdout pipe: %v", err)
	}
	os.Stdin, os.Stdout = stdinR, stdoutW
	t.Cleanup(func() {
		_ = stdinR.Close()
		_ = stdoutW.Close()
	})
	return stdinW, stdoutR
}

func TestStdioTransportRoundTrip(t *testing.T) {
	defer goleak.VerifyNone(t)

	interceptor := &captureInterceptor{sawIP: make(chan string, 1)}
	transport := NewStdioTransport(service.NewProxyService(nil, interceptor, testLogger()))

	stdinW, stdoutR := swapStdio(t)

	done := make(chan error, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go func() { done <- transport.Start(ctx) }()

	if _, err := stdinW.Write([]byte(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}` + "\n")); err != nil {
		t.Fatalf("write frame: %v", err)
	}

	// One full frame comes back on stdout.
	line := make([]byte, 4096)
	n, err := stdoutR.Read(line)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	var resp struct {
		ID     float64         `json:"id"`
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(line[:n-1], &resp); err != nil {
		t.Fatalf("response not valid JSON: %v (%q)", err, line[:n])
	}
	if resp.ID != 1 {
		t.Errorf("response id = %v", resp.ID)
	}

	// Stdio traffic is keyed as "local" for rate limiting.
	select {
	case ip := <-interceptor.sawIP:
		if ip != "local" {
			t.Errorf("context IP = %q, want local", ip)
		}
	case <-time.After(time.Second):
		t.Error("interceptor never saw the IP context key")
	}

	_ = stdinW.Close()
	select {
	case err := <-done:
		if err != nil && ctx.Err() == nil {
			t.Errorf("Start returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("transport did not stop on stdin EOF")
	}
}

func TestStdioTransportClose(t *testing.T) {
	transport := NewStdioTransport(service.NewProxyService(nil, &captureInterceptor{sawIP: make(chan string, 1)}, testLogger()))
	if err := transport.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestStdioTransportImplementsInboundPort(t *testing.T) {
	var _ inbound.ProxyService = NewStdioTransport(nil)
}
