// Package listener maintains at most one persistent control session per
// instance with an active downstream subscriber, forwarding unsolicited
// assistant output to the notification collaborator.
package listener

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/warrenhq/warren/pkg/control"
	"github.com/warrenhq/warren/pkg/instance"
	"github.com/warrenhq/warren/pkg/log"
)

const (
	// maxBackoff caps the reconnect delay.
	maxBackoff = 30 * time.Second
	// historyLimit bounds the history fetch used to recover the final
	// assistant message.
	historyLimit = 20
)

// backoffDelay is the reconnect delay for the given attempt number:
// min(1s * 2^attempt, 30s).
func backoffDelay(attempt int) time.Duration {
	if attempt > 5 {
		return maxBackoff
	}
	d := time.Second << uint(attempt)
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

// Session is the slice of the control client a listener drives.
type Session interface {
	Connect(ctx context.Context) error
	On(event string, fn control.EventHandler) func()
	History(ctx context.Context, limit int) ([]control.ChatMessage, error)
	Done() <-chan struct{}
	Close() error
}

// Resolver looks up instance records for the pre-attempt liveness check.
type Resolver interface {
	Get(id string) (instance.Instance, bool)
}

// Notifier receives unsolicited assistant output for an instance.
type Notifier interface {
	Notify(instanceID, text string) error
}

// SubscriptionCheck reports whether the downstream subscriber for an
// instance is still interested. A nil check means always subscribed.
type SubscriptionCheck func(instanceID string) bool

// Registry owns the per-instance listeners and the set of self-issued run
// ids whose events must not be forwarded.
type Registry struct {
	resolver   Resolver
	notifier   Notifier
	subscribed SubscriptionCheck

	mu        sync.Mutex
	listeners map[string]*listener
	tracked   map[string]map[string]struct{} // instance id -> outbound run ids

	// newSession is swapped out in tests.
	newSession func(cfg control.Config) Session
}

// NewRegistry creates an empty registry.
func NewRegistry(resolver Resolver, notifier Notifier, subscribed SubscriptionCheck) *Registry {
	return &Registry{
		resolver:   resolver,
		notifier:   notifier,
		subscribed: subscribed,
		listeners:  make(map[string]*listener),
		tracked:    make(map[string]map[string]struct{}),
		newSession: func(cfg control.Config) Session { return control.NewClient(cfg) },
	}
}

// Start launches a listener for the instance. A listener that is already
// running makes this a no-op.
func (r *Registry) Start(instanceID, addr, token string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.listeners[instanceID]; ok {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	l := &listener{
		registry: r,
		id:       instanceID,
		addr:     addr,
		token:    token,
		ctx:      ctx,
		cancel:   cancel,
		notified: make(map[string]struct{}),
	}
	r.listeners[instanceID] = l
	go l.run()
}

// Stop cancels the instance's listener, if any. Used by instance destroy;
// the listener deregisters itself on exit.
func (r *Registry) Stop(instanceID string) {
	r.mu.Lock()
	l := r.listeners[instanceID]
	r.mu.Unlock()
	if l != nil {
		l.cancel()
	}
}

// StopAll cancels every listener. Called on process shutdown.
func (r *Registry) StopAll() {
	r.mu.Lock()
	ls := make([]*listener, 0, len(r.listeners))
	for _, l := range r.listeners {
		ls = append(ls, l)
	}
	r.mu.Unlock()
	for _, l := range ls {
		l.cancel()
	}
}

// Active reports whether a listener is running for the instance.
func (r *Registry) Active(instanceID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.listeners[instanceID]
	return ok
}

// TrackOutboundRun marks a run id as self-issued: its events will be
// dropped because the synchronous request path delivers the result.
func (r *Registry) TrackOutboundRun(instanceID, runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := r.tracked[instanceID]
	if m == nil {
		m = make(map[string]struct{})
		r.tracked[instanceID] = m
	}
	m[runID] = struct{}{}
}

// UntrackOutboundRun removes the self-issued mark.
func (r *Registry) UntrackOutboundRun(instanceID, runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m := r.tracked[instanceID]; m != nil {
		delete(m, runID)
		if len(m) == 0 {
			delete(r.tracked, instanceID)
		}
	}
}

func (r *Registry) isTracked(instanceID, runID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.tracked[instanceID][runID]
	return ok
}

func (r *Registry) remove(instanceID string) {
	r.mu.Lock()
	delete(r.listeners, instanceID)
	r.mu.Unlock()
}

// verify re-checks, before each connection attempt, that the instance is
// still running and the downstream subscription is still active.
func (r *Registry) verify(instanceID string) bool {
	in, ok := r.resolver.Get(instanceID)
	if !ok || in.Status != instance.StatusRunning {
		return false
	}
	if r.subscribed != nil && !r.subscribed(instanceID) {
		return false
	}
	return true
}

// listener is one instance's reconnect loop. Attempts are serialized: one
// outstanding connection at a time.
type listener struct {
	registry *Registry
	id       string
	addr     string
	token    string

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	notified map[string]struct{} // run ids already forwarded
}

func (l *listener) run() {
	defer l.registry.remove(l.id)

	attempt := 0
	for {
		if l.ctx.Err() != nil {
			return
		}
		if !l.registry.verify(l.id) {
			log.Debug("listener self-terminating", "instance", l.id)
			return
		}

		session := l.registry.newSession(control.Config{
			Addr:       l.addr,
			Token:      l.token,
			ClientName: "warren-listener",
			Role:       "listener",
		})
		if err := session.Connect(l.ctx); err != nil {
			log.Warn("listener connect failed", "instance", l.id, "attempt", attempt, "error", err)
			if !l.sleep(backoffDelay(attempt)) {
				return
			}
			attempt++
			continue
		}
		attempt = 0
		log.Info("listener connected", "instance", l.id)

		off := session.On(control.EventChatState, func(payload json.RawMessage) {
			l.handleChatState(session, payload)
		})

		select {
		case <-session.Done():
			off()
		case <-l.ctx.Done():
			off()
			_ = session.Close()
			return
		}

		if !l.sleep(backoffDelay(attempt)) {
			return
		}
		attempt++
	}
}

// handleChatState forwards the latest assistant message when an unmarked
// run reaches a terminal state. Each run id is forwarded at most once.
func (l *listener) handleChatState(session Session, payload json.RawMessage) {
	var ev control.ChatStateEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return
	}
	if !control.IsTerminalChatState(ev.State) {
		return
	}
	if l.registry.isTracked(l.id, ev.RunID) {
		// Self-issued run; the synchronous path delivers it.
		return
	}
	if !l.markNotified(ev.RunID) {
		return
	}

	msgs, err := session.History(l.ctx, historyLimit)
	if err != nil {
		log.Warn("failed to fetch history for terminal run", "instance", l.id, "run", ev.RunID, "error", err)
		return
	}
	text := control.LatestAssistantText(msgs)
	if text == "" {
		return
	}
	if err := l.registry.notifier.Notify(l.id, text); err != nil {
		log.Warn("failed to forward assistant message", "instance", l.id, "run", ev.RunID, "error", err)
	}
}

func (l *listener) markNotified(runID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.notified[runID]; ok {
		return false
	}
	l.notified[runID] = struct{}{}
	return true
}

// sleep waits for d or until the listener is cancelled. Reports whether the
// listener should keep running.
func (l *listener) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-l.ctx.Done():
		return false
	}
}
