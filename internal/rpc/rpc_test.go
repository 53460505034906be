package rpc

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestFrameRoundTrip(t *testing.T) {
	tests := map[string]*frame{
		"call": {
			kind: frameCall, id: 7, hasID: true, method: "login_game",
			args:   []any{float64(1), "login", "game", "pw", true},
			kwargs: map[string]any{},
		},
		"event": {
			kind: frameEvent, method: "drop_pending_dcid",
			args: []any{"D1"},
		},
		"return": {kind: frameReturn, id: 7, hasID: true, value: "D1"},
		"error":  {kind: frameError, id: 7, hasID: true, errMsg: "invalid gcid"},
	}

	for name, in := range tests {
		t.Run(name, func(t *testing.T) {
			data, err := in.encode()
			if err != nil {
				t.Fatalf("encode() error: %v", err)
			}
			out, err := decodeFrame(data)
			if err != nil {
				t.Fatalf("decodeFrame() error: %v", err)
			}
			if diff := cmp.Diff(in, out, cmp.AllowUnexported(frame{})); diff != "" {
				t.Errorf("frame did not survive the round trip; diff:\n%s", diff)
			}
		})
	}
}

func TestDecodeFrameRejectsGarbage(t *testing.T) {
	tests := map[string]string{
		"not_json":       "hello",
		"empty_array":    "[]",
		"unknown_kind":   `["shout", 1, "x"]`,
		"short_call":     `["call", 1, "method"]`,
		"bad_return_id":  `["return", "x", null]`,
		"non_array":      `{"kind": "call"}`,
		"bad_event_args": `["event", "method", 7, null]`,
	}
	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := decodeFrame([]byte(data)); err == nil {
				t.Errorf("decodeFrame(%q) succeeded, want error", data)
			}
		})
	}
}

func TestInt(t *testing.T) {
	if n, ok := Int(float64(3)); !ok || n != 3 {
		t.Errorf("Int(3.0) = %d, %v", n, ok)
	}
	if _, ok := Int(3.5); ok {
		t.Error("Int(3.5) succeeded, want failure")
	}
	if _, ok := Int("3"); ok {
		t.Error("Int(string) succeeded, want failure")
	}
}

func TestOptStr(t *testing.T) {
	if s, ok := OptStr(nil); !ok || s != "" {
		t.Errorf("OptStr(nil) = %q, %v", s, ok)
	}
	if s, ok := OptStr("en"); !ok || s != "en" {
		t.Errorf("OptStr(en) = %q, %v", s, ok)
	}
	if _, ok := OptStr(1.0); ok {
		t.Error("OptStr(number) succeeded, want failure")
	}
}

// testPair serves accept on an httptest server and returns a dialed client.
func testPair(t *testing.T, accept AcceptFunc) *Conn {
	t.Helper()
	s := &Server{Accept: accept}
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)

	client, err := Dial(context.Background(), ts.URL, nil)
	if err != nil {
		t.Fatalf("Dial() error: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	client.Start()
	return client
}

func TestServerServesStaticFiles(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "index.html"), []byte("<html>login</html>"), 0o644); err != nil {
		t.Fatal(err)
	}

	s := &Server{HTMLDir: dir}
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)

	resp, err := http.Get(ts.URL + "/index.html")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "login") {
		t.Errorf("static file response = %d %q", resp.StatusCode, body)
	}
}

func TestServerWithoutHTMLDir(t *testing.T) {
	s := &Server{}
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)

	resp, err := http.Get(ts.URL + "/anything")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("plain HTTP response = %d, want 404", resp.StatusCode)
	}
}

func TestWebsocketURL(t *testing.T) {
	tests := map[string]string{
		"http://host:1/ws":  "ws://host:1/ws",
		"https://host/ws":   "wss://host/ws",
		"ws://host:1/ws":    "ws://host:1/ws",
		"wss://host:443/ws": "wss://host:443/ws",
	}
	for in, want := range tests {
		got, err := websocketURL(in)
		if err != nil {
			t.Fatalf("websocketURL(%q) error: %v", in, err)
		}
		if got != want {
			t.Errorf("websocketURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestCallReply(t *testing.T) {
	client := testPair(t, func(c *Conn, query url.Values) {
		c.OnRequest(func(method string, args []any, kwargs map[string]any) (any, error) {
			if method != "echo" {
				return nil, fmt.Errorf("undefined function")
			}
			return args, nil
		})
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, err := client.Call(ctx, "echo", []any{"a", float64(2)}, nil)
	if err != nil {
		t.Fatalf("Call() error: %v", err)
	}
	if diff := cmp.Diff([]any{"a", float64(2)}, result); diff != "" {
		t.Errorf("Call() result mismatch; diff:\n%s", diff)
	}

	_, err = client.Call(ctx, "missing", nil, nil)
	if err == nil || !strings.Contains(err.Error(), "undefined function") {
		t.Errorf("Call(missing) error = %v, want undefined function", err)
	}
}

func TestPostReply(t *testing.T) {
	client := testPair(t, func(c *Conn, query url.Values) {
		c.OnRequest(func(method string, args []any, kwargs map[string]any) (any, error) {
			return "pong", nil
		})
	})

	var wg sync.WaitGroup
	wg.Add(1)
	var got any
	err := client.Post("ping", nil, nil, func(result any, err error) {
		got = result
		wg.Done()
	})
	if err != nil {
		t.Fatalf("Post() error: %v", err)
	}
	wg.Wait()
	if got != "pong" {
		t.Errorf("Post reply = %v, want pong", got)
	}
}

func TestCallOnDeadConnection(t *testing.T) {
	accepted := make(chan *Conn, 1)
	reached := make(chan struct{})
	done := make(chan struct{})
	client := testPair(t, func(c *Conn, query url.Values) {
		accepted <- c
		c.OnRequest(func(method string, args []any, kwargs map[string]any) (any, error) {
			// Never answer; the connection dies first.
			close(reached)
			<-done
			return nil, nil
		})
	})
	defer close(done)

	errs := make(chan error, 1)
	go func() {
		_, err := client.Call(context.Background(), "hang", nil, nil)
		errs <- err
	}()

	// Let the call reach the server, then kill the transport under it.
	serverConn := <-accepted
	<-reached
	_ = serverConn.Close()

	select {
	case err := <-errs:
		if err == nil {
			t.Error("Call() on dead connection succeeded, want error")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Call() hung on dead connection")
	}
}

func TestClosedCallbackFiresOnce(t *testing.T) {
	var mu sync.Mutex
	closedCount := 0
	accepted := make(chan *Conn, 1)
	client := testPair(t, func(c *Conn, query url.Values) {
		c.OnClosed(func() {
			mu.Lock()
			closedCount++
			mu.Unlock()
		})
		accepted <- c
	})

	server := <-accepted
	_ = client.Close()
	_ = server.Close()
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if closedCount != 1 {
		t.Errorf("closed callback ran %d times, want 1", closedCount)
	}
}
