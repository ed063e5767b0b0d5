// Package gateway routes inbound upgrade requests to the correct
// instance's control port. Matched instance routes are spliced as raw
// sockets; everything else falls through to the secondary handler.
package gateway

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/warrenhq/warren/pkg/instance"
	"github.com/warrenhq/warren/pkg/log"
)

// instanceRoutePattern matches /i/<24-hex>/<rest>.
var instanceRoutePattern = regexp.MustCompile(`^/i/([0-9a-f]{24})(/.*)?$`)

// Resolver looks up instance records for routing.
type Resolver interface {
	Get(id string) (instance.Instance, bool)
}

// Router is the process-wide upgrade router: a two-slot handler table
// whose primary slot is the instance-route pattern and whose secondary
// slot is installed exactly once at startup.
type Router struct {
	resolver Resolver

	mu        sync.Mutex
	secondary http.Handler

	// dialTimeout bounds the backend dial; splices themselves carry no
	// deadline.
	dialTimeout time.Duration

	onSplice func()
	onReject func()
}

// NewRouter creates a router backed by the given resolver.
func NewRouter(resolver Resolver) *Router {
	return &Router{
		resolver:    resolver,
		dialTimeout: 5 * time.Second,
	}
}

// SetSecondary installs the non-instance upgrade handler. The first
// registration wins; later attempts are rejected.
func (rt *Router) SetSecondary(h http.Handler) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.secondary != nil {
		return errors.New("gateway: secondary handler already installed")
	}
	rt.secondary = h
	return nil
}

// SetMetricsHooks registers optional counters for splices and rejects.
func (rt *Router) SetMetricsHooks(onSplice, onReject func()) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.onSplice = onSplice
	rt.onReject = onReject
}

func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	m := instanceRoutePattern.FindStringSubmatch(r.URL.Path)
	if m == nil {
		rt.mu.Lock()
		secondary := rt.secondary
		rt.mu.Unlock()
		if secondary != nil {
			secondary.ServeHTTP(w, r)
			return
		}
		http.NotFound(w, r)
		return
	}

	id, rest := m[1], m[2]
	inst, ok := rt.resolver.Get(id)
	if !ok || inst.Status != instance.StatusRunning || inst.Addr == "" {
		log.Debug("rejecting upgrade for unroutable instance", "instance", id, "known", ok)
		rt.reject(w)
		return
	}

	rt.splice(w, r, inst, rest)
}

// reject terminates the raw client socket with no response written.
func (rt *Router) reject(w http.ResponseWriter) {
	rt.mu.Lock()
	onReject := rt.onReject
	rt.mu.Unlock()
	if onReject != nil {
		onReject()
	}

	hj, ok := w.(http.Hijacker)
	if !ok {
		// No raw socket to reset; abort without writing any response.
		panic(http.ErrAbortHandler)
	}
	conn, _, err := hj.Hijack()
	if err != nil {
		return
	}
	conn.Close()
}

// splice hijacks the client socket, replays the upgrade handshake against
// the instance's control port, and pipes bytes both ways until either
// side closes.
func (rt *Router) splice(w http.ResponseWriter, r *http.Request, inst instance.Instance, rest string) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		panic(http.ErrAbortHandler)
	}
	clientConn, clientBuf, err := hj.Hijack()
	if err != nil {
		log.Warn("failed to hijack upgrade request", "instance", inst.ID, "error", err)
		return
	}
	defer clientConn.Close()

	backendConn, err := net.DialTimeout("tcp", inst.Addr, rt.dialTimeout)
	if err != nil {
		log.Warn("failed to dial instance control port", "instance", inst.ID, "addr", inst.Addr, "error", err)
		return
	}
	defer backendConn.Close()

	if err := writeUpgradeRequest(backendConn, r, inst, rest); err != nil {
		log.Warn("failed to forward upgrade handshake", "instance", inst.ID, "error", err)
		return
	}

	// Replay anything the server already buffered past the headers.
	if n := clientBuf.Reader.Buffered(); n > 0 {
		buffered, err := clientBuf.Reader.Peek(n)
		if err != nil {
			return
		}
		if _, err := backendConn.Write(buffered); err != nil {
			return
		}
		if _, err := clientBuf.Reader.Discard(n); err != nil {
			return
		}
	}

	rt.mu.Lock()
	onSplice := rt.onSplice
	rt.mu.Unlock()
	if onSplice != nil {
		onSplice()
	}

	// From here on bytes pass through unmodified. Either direction
	// failing tears down both sockets.
	done := make(chan struct{}, 2)
	go func() {
		_, _ = io.Copy(backendConn, clientConn)
		done <- struct{}{}
	}()
	go func() {
		_, _ = io.Copy(clientConn, backendConn)
		done <- struct{}{}
	}()
	<-done
}

// writeUpgradeRequest reconstructs the HTTP upgrade handshake against the
// new target: rewritten path, injected token query parameter, rewritten
// Host, hop-unsafe headers stripped.
func writeUpgradeRequest(backend io.Writer, r *http.Request, inst instance.Instance, rest string) error {
	target := rewriteTarget(rest, r.URL.RawQuery, inst.AuthToken)

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s HTTP/1.1\r\n", r.Method, target)
	fmt.Fprintf(&b, "Host: %s\r\n", inst.Addr)

	names := make([]string, 0, len(r.Header))
	for name := range r.Header {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if skipForwardHeader(name) {
			continue
		}
		for _, value := range r.Header[name] {
			fmt.Fprintf(&b, "%s: %s\r\n", name, value)
		}
	}
	b.WriteString("\r\n")

	_, err := io.WriteString(backend, b.String())
	return err
}

func skipForwardHeader(name string) bool {
	switch http.CanonicalHeaderKey(name) {
	case "Host":
		return true
	case "Sec-Websocket-Extensions":
		// Extensions negotiated with the gateway would be stale on the
		// backend connection.
		return true
	}
	return false
}

// rewriteTarget maps the instance subpath onto the control port, keeping
// the original query and appending the gateway token.
func rewriteTarget(rest, rawQuery, token string) string {
	if rest == "" {
		rest = "/"
	}
	tokenParam := "token=" + url.QueryEscape(token)
	if rawQuery == "" {
		return rest + "?" + tokenParam
	}
	return rest + "?" + rawQuery + "&" + tokenParam
}
