// Package reconcile keeps the instance table consistent with the container
// engine's ground truth. A pass adopts orphaned running containers, demotes
// records whose container vanished, and evicts stale terminal records.
package reconcile

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/warrenhq/warren/pkg/engine"
	"github.com/warrenhq/warren/pkg/instance"
	"github.com/warrenhq/warren/pkg/log"
	"github.com/warrenhq/warren/pkg/metrics"
)

// DefaultRetention is how long terminal records are kept before eviction.
const DefaultRetention = time.Hour

// Engine is the slice of the container engine the reconciler needs.
type Engine interface {
	List(ctx context.Context, prefix string) ([]engine.ContainerInfo, error)
	Exec(ctx context.Context, ref string, cmd ...string) ([]byte, error)
}

// Reconciler resolves disagreements between the instance table and the
// engine's live container list. Passes are single-flight: a trigger while
// one is in progress is a no-op.
type Reconciler struct {
	store     *instance.Store
	engine    Engine
	prefix    string
	retention time.Duration

	inFlight atomic.Bool

	now func() time.Time
}

// New creates a reconciler over the given store and engine. Only containers
// whose names carry prefix are ever touched.
func New(store *instance.Store, eng Engine, prefix string, retention time.Duration) *Reconciler {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Reconciler{
		store:     store,
		engine:    eng,
		prefix:    prefix,
		retention: retention,
		now:       time.Now,
	}
}

// Reconcile runs one pass: adopt, then demote, then evict. Adoption runs
// first so a container that is up is never adopted and demoted in the same
// pass. Returns nil immediately when a pass is already in flight.
func (r *Reconciler) Reconcile(ctx context.Context) error {
	if !r.inFlight.CompareAndSwap(false, true) {
		return nil
	}
	defer r.inFlight.Store(false)

	containers, err := r.engine.List(ctx, r.prefix)
	if err != nil {
		return fmt.Errorf("failed to list containers: %w", err)
	}

	live := make(map[string]engine.ContainerInfo, len(containers))
	for _, c := range containers {
		live[c.Name] = c
	}

	// Eviction judges the pre-pass snapshot so a record demoted in this
	// pass is never deleted in the same pass.
	snapshot := r.store.Values()

	adopted := r.adopt(ctx, containers)
	demoted := r.demote(live)
	evicted := r.evict(snapshot)

	metrics.ReconcilePasses.Inc()
	if adopted+demoted+evicted > 0 {
		log.Info("reconciliation pass changed state",
			"adopted", adopted, "demoted", demoted, "evicted", evicted)
	}
	return nil
}

// adopt synthesizes running records for live containers the table does not
// know, recovering the token and credentials from the container environment.
func (r *Reconciler) adopt(ctx context.Context, containers []engine.ContainerInfo) int {
	adopted := 0
	for _, c := range containers {
		if !c.Running() || !strings.HasPrefix(c.Name, r.prefix) {
			continue
		}
		id := strings.TrimPrefix(c.Name, r.prefix)
		if id == "" || r.store.Has(id) {
			continue
		}

		out, err := r.engine.Exec(ctx, c.Name, "env")
		if err != nil {
			log.Warn("failed to read environment of orphaned container",
				"container", c.Name, "error", err)
			continue
		}
		env := engine.ParseEnvOutput(out)

		in := instance.Instance{
			ID:              id,
			ContainerRef:    c.Name,
			ControlPort:     c.HostPort,
			AuthToken:       env[engine.EnvToken],
			Status:          instance.StatusRunning,
			OwnerID:         env[engine.EnvOwner],
			Provider:        env[engine.EnvProvider],
			ModelID:         env[engine.EnvModel],
			WorkloadProfile: env[engine.EnvProfile],
			CreatedAt:       r.now().UTC(),
		}
		if c.HostPort > 0 {
			in.Addr = fmt.Sprintf("127.0.0.1:%d", c.HostPort)
		}
		in.AppendLog("adopted from running container")
		r.store.Set(id, in)
		adopted++
		metrics.ReconcileAdopted.Inc()
		log.Info("adopted orphaned container", "instance", id, "container", c.Name)
	}
	return adopted
}

// demote marks starting/running records whose container is absent from the
// live list as stopped and clears their routable address. Records are never
// deleted in the same pass.
func (r *Reconciler) demote(live map[string]engine.ContainerInfo) int {
	demoted := 0
	for _, in := range r.store.Values() {
		if !in.Active() {
			continue
		}
		if c, ok := live[in.ContainerRef]; ok && c.Running() {
			continue
		}
		in.Status = instance.StatusStopped
		in.Addr = ""
		in.AppendLog("container no longer reported running")
		r.store.Set(in.ID, in)
		demoted++
		metrics.ReconcileDemoted.Inc()
		log.Info("demoted vanished instance", "instance", in.ID)
	}
	return demoted
}

// evict removes terminal records older than the retention window from both
// the overlay and durable storage. The snapshot predates this pass's
// demotions.
func (r *Reconciler) evict(snapshot []instance.Instance) int {
	cutoff := r.now().Add(-r.retention)
	evicted := 0
	for _, in := range snapshot {
		if !in.Terminal() || !in.CreatedAt.Before(cutoff) {
			continue
		}
		if err := r.store.Delete(in.ID); err != nil {
			log.Warn("failed to evict stale instance record", "instance", in.ID, "error", err)
			continue
		}
		evicted++
		metrics.ReconcileEvicted.Inc()
		log.Info("evicted stale instance record", "instance", in.ID)
	}
	return evicted
}

// RunPeriodic reconciles on the given interval until ctx is done. Pass
// failures are logged and swallowed; the store keeps its last-known state.
func (r *Reconciler) RunPeriodic(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Reconcile(ctx); err != nil {
				log.Warn("reconciliation pass failed", "error", err)
			}
		}
	}
}
