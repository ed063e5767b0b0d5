package gateway

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/warrenhq/warren/pkg/instance"
)

const testID = "a1b2c3d4e5f6a7b8c9d0e1f2"

type fakeResolver struct {
	mu        sync.Mutex
	instances map[string]instance.Instance
}

func (f *fakeResolver) Get(id string) (instance.Instance, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	in, ok := f.instances[id]
	return in, ok
}

// fakeBackend is a raw TCP server standing in for an instance control
// port: it records the upgrade head, answers 101, then echoes bytes.
type fakeBackend struct {
	ln   net.Listener
	addr string

	mu          sync.Mutex
	requestLine string
	headers     map[string]string
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	fb := &fakeBackend{ln: ln, addr: ln.Addr().String(), headers: make(map[string]string)}
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		reader := bufio.NewReader(conn)
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		fb.mu.Lock()
		fb.requestLine = strings.TrimRight(line, "\r\n")
		fb.mu.Unlock()

		for {
			header, err := reader.ReadString('\n')
			if err != nil {
				return
			}
			header = strings.TrimRight(header, "\r\n")
			if header == "" {
				break
			}
			if colon := strings.Index(header, ":"); colon > 0 {
				fb.mu.Lock()
				fb.headers[http.CanonicalHeaderKey(header[:colon])] = strings.TrimSpace(header[colon+1:])
				fb.mu.Unlock()
			}
		}

		io.WriteString(conn, "HTTP/1.1 101 Switching Protocols\r\nUpgrade: websocket\r\nConnection: Upgrade\r\n\r\n")

		// Echo everything after the handshake.
		buf := make([]byte, 4096)
		for {
			n, err := reader.Read(buf)
			if n > 0 {
				if _, werr := conn.Write(buf[:n]); werr != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()
	return fb
}

func (fb *fakeBackend) captured() (string, map[string]string) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	headers := make(map[string]string, len(fb.headers))
	for k, v := range fb.headers {
		headers[k] = v
	}
	return fb.requestLine, headers
}

func newGatewayServer(t *testing.T, resolver Resolver) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(NewRouter(resolver))
	t.Cleanup(srv.Close)
	return srv
}

func dialRaw(t *testing.T, srv *httptest.Server) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", strings.TrimPrefix(srv.URL, "http://"))
	if err != nil {
		t.Fatalf("failed to dial gateway: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func writeUpgrade(t *testing.T, conn net.Conn, path string) {
	t.Helper()
	head := fmt.Sprintf("GET %s HTTP/1.1\r\n", path) +
		"Host: gateway.local\r\n" +
		"Connection: Upgrade\r\n" +
		"Upgrade: websocket\r\n" +
		"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n" +
		"Sec-WebSocket-Extensions: permessage-deflate\r\n" +
		"\r\n"
	if _, err := io.WriteString(conn, head); err != nil {
		t.Fatalf("failed to write upgrade request: %v", err)
	}
}

func TestUnknownInstanceResetsWithZeroBytes(t *testing.T) {
	resolver := &fakeResolver{instances: map[string]instance.Instance{}}
	srv := newGatewayServer(t, resolver)

	conn := dialRaw(t, srv)
	writeUpgrade(t, conn, "/i/"+testID+"/chat")

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	buf := make([]byte, 64)
	n, err := conn.Read(buf)
	if n != 0 {
		t.Errorf("read %d bytes (%q), want zero bytes before close", n, buf[:n])
	}
	if err != io.EOF {
		t.Errorf("read error = %v, want io.EOF", err)
	}
}

func TestNonRunningInstanceResets(t *testing.T) {
	resolver := &fakeResolver{instances: map[string]instance.Instance{
		testID: {ID: testID, Status: instance.StatusStopped, Addr: ""},
	}}
	srv := newGatewayServer(t, resolver)

	conn := dialRaw(t, srv)
	writeUpgrade(t, conn, "/i/"+testID+"/chat")

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	n, err := conn.Read(make([]byte, 64))
	if n != 0 || err != io.EOF {
		t.Errorf("read (%d, %v), want (0, io.EOF)", n, err)
	}
}

func TestSpliceRewritesHandshakeAndPassesBytes(t *testing.T) {
	backend := newFakeBackend(t)
	resolver := &fakeResolver{instances: map[string]instance.Instance{
		testID: {
			ID:        testID,
			Status:    instance.StatusRunning,
			Addr:      backend.addr,
			AuthToken: "tok123",
		},
	}}
	srv := newGatewayServer(t, resolver)

	conn := dialRaw(t, srv)
	writeUpgrade(t, conn, "/i/"+testID+"/chat?x=1")

	reader := bufio.NewReader(conn)
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	status, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("failed to read response status: %v", err)
	}
	if !strings.Contains(status, "101") {
		t.Fatalf("response status = %q, want 101", status)
	}
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("failed to read response headers: %v", err)
		}
		if strings.TrimRight(line, "\r\n") == "" {
			break
		}
	}

	// Bytes written after the handshake must appear unmodified on the
	// other side (the backend echoes).
	payload := "binary\x00payload"
	if _, err := io.WriteString(conn, payload); err != nil {
		t.Fatalf("failed to write payload: %v", err)
	}
	echo := make([]byte, len(payload))
	if _, err := io.ReadFull(reader, echo); err != nil {
		t.Fatalf("failed to read echo: %v", err)
	}
	if string(echo) != payload {
		t.Errorf("echoed payload = %q, want %q", echo, payload)
	}

	requestLine, headers := backend.captured()
	if want := "GET /chat?x=1&token=tok123 HTTP/1.1"; requestLine != want {
		t.Errorf("forwarded request line = %q, want %q", requestLine, want)
	}
	if headers["Host"] != backend.addr {
		t.Errorf("forwarded Host = %q, want %q", headers["Host"], backend.addr)
	}
	if _, ok := headers["Sec-Websocket-Extensions"]; ok {
		t.Error("Sec-WebSocket-Extensions must be stripped")
	}
	if headers["Sec-Websocket-Key"] != "dGhlIHNhbXBsZSBub25jZQ==" {
		t.Errorf("Sec-WebSocket-Key = %q, want preserved", headers["Sec-Websocket-Key"])
	}
}

func TestRejectWithoutHijackerWritesNothing(t *testing.T) {
	resolver := &fakeResolver{instances: map[string]instance.Instance{}}
	router := NewRouter(resolver)

	// httptest.ResponseRecorder is not a Hijacker; the handler must abort
	// rather than write a response.
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/i/"+testID+"/chat", nil)

	defer func() {
		if r := recover(); r != http.ErrAbortHandler {
			t.Errorf("recover() = %v, want http.ErrAbortHandler", r)
		}
		if rec.Body.Len() != 0 {
			t.Errorf("body = %q, want nothing written", rec.Body.String())
		}
	}()
	router.ServeHTTP(rec, req)
}

func TestUnmatchedPathFallsThroughToSecondary(t *testing.T) {
	resolver := &fakeResolver{instances: map[string]instance.Instance{}}
	router := NewRouter(resolver)

	called := false
	err := router.SetSecondary(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusTeapot)
	}))
	if err != nil {
		t.Fatalf("SetSecondary() error = %v", err)
	}

	for _, path := range []string{"/healthz", "/i/tooshort/x", "/i/NOTHEXNOTHEXNOTHEXNOTHEX/x"} {
		called = false
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if !called {
			t.Errorf("secondary handler not called for %s", path)
		}
		if rec.Code != http.StatusTeapot {
			t.Errorf("status for %s = %d, want teapot", path, rec.Code)
		}
	}
}

func TestSetSecondaryOnlyOnce(t *testing.T) {
	router := NewRouter(&fakeResolver{})

	if err := router.SetSecondary(http.NotFoundHandler()); err != nil {
		t.Fatalf("first SetSecondary() error = %v", err)
	}
	if err := router.SetSecondary(http.NotFoundHandler()); err == nil {
		t.Error("second SetSecondary() succeeded, want rejection")
	}
}

func TestRewriteTarget(t *testing.T) {
	tests := []struct {
		rest     string
		rawQuery string
		want     string
	}{
		{"/chat", "x=1", "/chat?x=1&token=tok123"},
		{"/chat", "", "/chat?token=tok123"},
		{"", "", "/?token=tok123"},
		{"/a/b", "x=1&y=2", "/a/b?x=1&y=2&token=tok123"},
	}
	for _, tt := range tests {
		if got := rewriteTarget(tt.rest, tt.rawQuery, "tok123"); got != tt.want {
			t.Errorf("rewriteTarget(%q, %q) = %q, want %q", tt.rest, tt.rawQuery, got, tt.want)
		}
	}
}
