// Package fleet is the orchestration entry point: it launches workload
// containers, promotes them once their control channel answers, and tears
// them down on destroy.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/warrenhq/warren/pkg/config"
	"github.com/warrenhq/warren/pkg/control"
	"github.com/warrenhq/warren/pkg/engine"
	"github.com/warrenhq/warren/pkg/instance"
	"github.com/warrenhq/warren/pkg/log"
)

// internalControlPort is the fixed control port inside every workload
// container.
const internalControlPort = 9400

// volumeTarget is where the instance's persistent volume is mounted.
const volumeTarget = "/data"

var (
	// ErrNotFound means no record exists for the instance id.
	ErrNotFound = errors.New("fleet: instance not found")
	// ErrNotRunning means the instance cannot take messages.
	ErrNotRunning = errors.New("fleet: instance not running")
	// ErrNoFreePorts means the configured port range is exhausted.
	ErrNoFreePorts = errors.New("fleet: no free control ports")
)

// Engine is the slice of the container engine the manager needs.
type Engine interface {
	Run(ctx context.Context, spec engine.RunSpec) (string, error)
	Stop(ctx context.Context, ref string) error
	Remove(ctx context.Context, ref string) error
	RemoveVolume(ctx context.Context, name string) error
}

// Listeners is the slice of the listener registry the manager needs.
type Listeners interface {
	Stop(instanceID string)
	TrackOutboundRun(instanceID, runID string)
	UntrackOutboundRun(instanceID, runID string)
}

// Session is the control-channel session used for health probes and the
// synchronous message path.
type Session interface {
	Connect(ctx context.Context) error
	SendChat(ctx context.Context, runID, text string) (string, error)
	Close() error
}

// LaunchOptions tag the workload at creation; the core never mutates them.
type LaunchOptions struct {
	OwnerID         string
	Provider        string
	ModelID         string
	WorkloadProfile string
}

// Manager owns the launch/destroy/message lifecycle.
type Manager struct {
	store     *instance.Store
	engine    Engine
	listeners Listeners

	image  string
	prefix string
	ports  config.PortRange

	// launchMu serializes port allocation with the starting-record write
	// so concurrent launches never share a control port.
	launchMu sync.Mutex

	// Probe pacing, shortened in tests.
	probeAttempts int
	probeDelay    time.Duration

	newSession func(cfg control.Config) Session
}

// NewManager creates a manager over the given store and engine.
func NewManager(store *instance.Store, eng Engine, listeners Listeners, image, prefix string, ports config.PortRange) *Manager {
	return &Manager{
		store:         store,
		engine:        eng,
		listeners:     listeners,
		image:         image,
		prefix:        prefix,
		ports:         ports,
		probeAttempts: 20,
		probeDelay:    500 * time.Millisecond,
		newSession:    func(cfg control.Config) Session { return control.NewClient(cfg) },
	}
}

// Launch creates the record, spawns the container, and promotes the
// instance to running once its control channel answers a handshake. On
// failure the record is marked error and the error returned.
func (m *Manager) Launch(ctx context.Context, opts LaunchOptions) (instance.Instance, error) {
	id := instance.NewID()
	token := instance.NewToken()

	// Allocation and the starting-record write happen under one lock:
	// the port is only reserved once the record is visible to the next
	// allocation scan.
	m.launchMu.Lock()
	port, err := m.allocatePort()
	if err != nil {
		m.launchMu.Unlock()
		return instance.Instance{}, err
	}

	in := instance.Instance{
		ID:              id,
		ContainerRef:    m.prefix + id,
		ControlPort:     port,
		AuthToken:       token,
		Status:          instance.StatusStarting,
		OwnerID:         opts.OwnerID,
		Provider:        opts.Provider,
		ModelID:         opts.ModelID,
		WorkloadProfile: opts.WorkloadProfile,
		CreatedAt:       time.Now().UTC(),
	}
	in.AppendLog("record created")
	m.store.Set(id, in)
	m.launchMu.Unlock()

	env := map[string]string{
		engine.EnvToken: token,
	}
	if opts.OwnerID != "" {
		env[engine.EnvOwner] = opts.OwnerID
	}
	if opts.Provider != "" {
		env[engine.EnvProvider] = opts.Provider
	}
	if opts.ModelID != "" {
		env[engine.EnvModel] = opts.ModelID
	}
	if opts.WorkloadProfile != "" {
		env[engine.EnvProfile] = opts.WorkloadProfile
	}

	_, err = m.engine.Run(ctx, engine.RunSpec{
		Name:          in.ContainerRef,
		Image:         m.image,
		HostPort:      port,
		ContainerPort: internalControlPort,
		Volume:        in.ContainerRef + "-data",
		VolumeTarget:  volumeTarget,
		Env:           env,
	})
	if err != nil {
		return m.fail(in, fmt.Sprintf("container start failed: %v", err)), err
	}

	addr := fmt.Sprintf("127.0.0.1:%d", port)
	if err := m.probe(ctx, addr, token); err != nil {
		return m.fail(in, fmt.Sprintf("control channel probe failed: %v", err)), err
	}

	in.Status = instance.StatusRunning
	in.Addr = addr
	in.AppendLog("control channel answered, instance running")
	m.store.Set(id, in)
	log.Info("instance launched", "instance", id, "port", port, "owner", opts.OwnerID)
	return in, nil
}

func (m *Manager) fail(in instance.Instance, msg string) instance.Instance {
	in.Status = instance.StatusError
	in.Addr = ""
	in.AppendLog(msg)
	m.store.Set(in.ID, in)
	log.Warn("instance launch failed", "instance", in.ID, "reason", msg)
	return in
}

// probe dials the control channel until the handshake succeeds. A rejected
// handshake fails immediately; a refused dial retries, since the workload
// may still be booting.
func (m *Manager) probe(ctx context.Context, addr, token string) error {
	var lastErr error
	for attempt := 0; attempt < m.probeAttempts; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(m.probeDelay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			}
		}

		session := m.newSession(control.Config{
			Addr:       addr,
			Token:      token,
			ClientName: "warren-probe",
		})
		err := session.Connect(ctx)
		_ = session.Close()
		if err == nil {
			return nil
		}
		lastErr = err

		var hErr *control.HandshakeError
		if errors.As(err, &hErr) {
			return err
		}
	}
	return lastErr
}

// allocatePort picks the first port in the configured range not held by an
// active instance. Port uniqueness is only required among starting/running
// records.
func (m *Manager) allocatePort() (int, error) {
	used := make(map[int]struct{})
	for _, in := range m.store.Values() {
		if in.Active() {
			used[in.ControlPort] = struct{}{}
		}
	}
	for p := m.ports.Min; p <= m.ports.Max; p++ {
		if _, ok := used[p]; !ok {
			return p, nil
		}
	}
	return 0, ErrNoFreePorts
}

// Destroy stops the listener, tears down the container and its volume, and
// deletes the record. The record survives an engine failure so a later
// reconciliation can settle it.
func (m *Manager) Destroy(ctx context.Context, id string) error {
	in, ok := m.store.Get(id)
	if !ok {
		return ErrNotFound
	}

	m.listeners.Stop(id)

	if err := m.engine.Stop(ctx, in.ContainerRef); err != nil {
		return fmt.Errorf("failed to stop container for %s: %w", id, err)
	}
	if err := m.engine.Remove(ctx, in.ContainerRef); err != nil {
		return fmt.Errorf("failed to remove container for %s: %w", id, err)
	}
	if err := m.engine.RemoveVolume(ctx, in.ContainerRef+"-data"); err != nil {
		return fmt.Errorf("failed to remove volume for %s: %w", id, err)
	}
	if err := m.store.Delete(id); err != nil {
		return err
	}
	log.Info("instance destroyed", "instance", id)
	return nil
}

// SendMessage is the synchronous user path: it marks the run id as
// self-issued so the instance's listener drops the matching events, then
// delivers the message over a short-lived session.
func (m *Manager) SendMessage(ctx context.Context, id, text string) (string, error) {
	in, ok := m.store.Get(id)
	if !ok {
		return "", ErrNotFound
	}
	if in.Status != instance.StatusRunning || in.Addr == "" {
		return "", ErrNotRunning
	}

	runID := control.NewRunID()
	m.listeners.TrackOutboundRun(id, runID)
	defer m.listeners.UntrackOutboundRun(id, runID)

	session := m.newSession(control.Config{
		Addr:       in.Addr,
		Token:      in.AuthToken,
		ClientName: "warren",
	})
	if err := session.Connect(ctx); err != nil {
		return "", err
	}
	defer session.Close()

	return session.SendChat(ctx, runID, text)
}
