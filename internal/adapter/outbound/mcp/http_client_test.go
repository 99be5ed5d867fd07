package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/goleak"
)

// echoServer answers every POST with a canned JSON-RPC result and mints a
// session id.
func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var req struct {
			ID any `json:"id"`
		}
		_ = json.Unmarshal(body, &req)
		idJSON, _ := json.Marshal(req.ID)

		w.Header().Set("Mcp-Session-Id", "sess-from-server")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":` + string(idJSON) + `,"result":{"ok":true}}` + "\n"))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPClientRoundTrip(t *testing.T) {
	defer goleak.VerifyNone(t)

	srv := echoServer(t)
	client := NewHTTPClient(srv.URL)

	stdin, stdout, err := client.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() { _ = client.Close() }()

	if _, err := stdin.Write([]byte(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}` + "\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	scanner := bufio.NewScanner(stdout)
	if !scanner.Scan() {
		t.Fatalf("no response: %v", scanner.Err())
	}
	var resp struct {
		ID     float64         `json:"id"`
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
		t.Fatalf("response not JSON: %v (%q)", err, scanner.Text())
	}
	if resp.ID != 1 || resp.Result == nil {
		t.Errorf("response = %s", scanner.Text())
	}
	// The server's trailing newline was stripped: exactly one frame, no
	// blank line following it.
	if strings.Contains(scanner.Text(), "\n") {
		t.Error("frame contains embedded newline")
	}
}

func TestHTTPClientLifecycle(t *testing.T) {
	defer goleak.VerifyNone(t)

	srv := echoServer(t)
	client := NewHTTPClient(srv.URL)

	// Close before Start is a no-op.
	if err := client.Close(); err != nil {
		t.Fatalf("Close before Start: %v", err)
	}

	if _, _, err := client.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	// Double Start is rejected.
	if _, _, err := client.Start(context.Background()); err == nil {
		t.Error("second Start accepted")
	}

	if err := client.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	// Double Close is a no-op.
	if err := client.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}

	// The client is reusable after Close: discovery runs short-lived
	// Start/Close cycles on the same instance.
	if _, _, err := client.Start(context.Background()); err != nil {
		t.Fatalf("Start after Close: %v", err)
	}
	if err := client.Close(); err != nil {
		t.Fatalf("final Close: %v", err)
	}
}

func TestHTTPClientUpstreamErrorBecomesErrorFrame(t *testing.T) {
	defer goleak.VerifyNone(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom: /etc/secrets", http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	client := NewHTTPClient(srv.URL)
	stdin, stdout, err := client.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() { _ = client.Close() }()

	if _, err := stdin.Write([]byte(`{"jsonrpc":"2.0","id":3,"method":"tools/list"}` + "\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	scanner := bufio.NewScanner(stdout)
	if !scanner.Scan() {
		t.Fatalf("no error frame: %v", scanner.Err())
	}
	var resp struct {
		ID    float64 `json:"id"`
		Error struct {
			Code    float64 `json:"code"`
			Message string  `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
		t.Fatalf("error frame not JSON: %v", err)
	}
	if resp.Error.Code != -32603 || resp.ID != 3 {
		t.Errorf("error frame = %s", scanner.Text())
	}
	// Internal details never reach the frame.
	if strings.Contains(resp.Error.Message, "secrets") {
		t.Errorf("leaked internal error detail: %q", resp.Error.Message)
	}
}

func TestHTTPClientSessionHeaderCarriedForward(t *testing.T) {
	defer goleak.VerifyNone(t)

	var gotSession string
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls > 1 {
			gotSession = r.Header.Get("Mcp-Session-Id")
		}
		w.Header().Set("Mcp-Session-Id", "sess-42")
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":{}}`))
	}))
	t.Cleanup(srv.Close)

	client := NewHTTPClient(srv.URL)
	stdin, stdout, err := client.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() { _ = client.Close() }()

	scanner := bufio.NewScanner(stdout)
	for i := 0; i < 2; i++ {
		if _, err := stdin.Write([]byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}` + "\n")); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
		if !scanner.Scan() {
			t.Fatalf("no response %d: %v", i, scanner.Err())
		}
	}

	if gotSession != "sess-42" {
		t.Errorf("second request carried session %q, want sess-42", gotSession)
	}
}

func TestHTTPClientOversizedFrameEndsPump(t *testing.T) {
	defer goleak.VerifyNone(t)

	srv := echoServer(t)
	client := NewHTTPClient(srv.URL)
	stdin, _, err := client.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	// A frame beyond the scanner limit terminates the pump; Close must
	// still return cleanly.
	huge := strings.Repeat("x", scannerMaxBufSize+1)
	_, _ = stdin.Write([]byte(huge + "\n"))

	if err := client.Close(); err != nil {
		t.Fatalf("Close after oversized frame: %v", err)
	}
}

func TestHTTPClientWaitUnblocksOnClose(t *testing.T) {
	defer goleak.VerifyNone(t)

	srv := echoServer(t)
	client := NewHTTPClient(srv.URL)
	if _, _, err := client.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitDone := make(chan error, 1)
	go func() { waitDone <- client.Wait() }()

	time.Sleep(10 * time.Millisecond)
	if err := client.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	select {
	case err := <-waitDone:
		if err != nil {
			t.Errorf("Wait: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not unblock after Close")
	}
}
