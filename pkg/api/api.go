// Package api is the REST surface mounted as the gateway's secondary
// handler: instance CRUD, the synchronous chat path, health, and metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/warrenhq/warren/pkg/fleet"
	"github.com/warrenhq/warren/pkg/instance"
	"github.com/warrenhq/warren/pkg/log"
)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 1 << 20

// Fleet is the slice of the fleet manager the API needs.
type Fleet interface {
	Launch(ctx context.Context, opts fleet.LaunchOptions) (instance.Instance, error)
	Destroy(ctx context.Context, id string) error
	SendMessage(ctx context.Context, id, text string) (string, error)
}

// Handler serves the REST API.
type Handler struct {
	store *instance.Store
	fleet Fleet
}

// NewHandler creates the API handler over the given store and fleet.
func NewHandler(store *instance.Store, f Fleet) *Handler {
	return &Handler{store: store, fleet: f}
}

// Router builds the chi route tree.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.healthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/instances", func(r chi.Router) {
		r.Get("/", h.list)
		r.Post("/", h.create)
		r.Delete("/{id}", h.destroy)
		r.Post("/{id}/chat", h.chat)
		r.Get("/{id}/logs", h.logs)
	})
	return r
}

// instanceView is the wire shape of a record. The auth token never leaves
// the process.
type instanceView struct {
	ID              string    `json:"id"`
	Status          string    `json:"status"`
	Addr            string    `json:"addr,omitempty"`
	ControlPort     int       `json:"control_port"`
	OwnerID         string    `json:"owner_id,omitempty"`
	Provider        string    `json:"provider,omitempty"`
	ModelID         string    `json:"model_id,omitempty"`
	WorkloadProfile string    `json:"workload_profile,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

func viewOf(in instance.Instance) instanceView {
	return instanceView{
		ID:              in.ID,
		Status:          string(in.Status),
		Addr:            in.Addr,
		ControlPort:     in.ControlPort,
		OwnerID:         in.OwnerID,
		Provider:        in.Provider,
		ModelID:         in.ModelID,
		WorkloadProfile: in.WorkloadProfile,
		CreatedAt:       in.CreatedAt,
	}
}

func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	records := h.store.Values()
	views := make([]instanceView, 0, len(records))
	for _, in := range records {
		views = append(views, viewOf(in))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"instances": views})
}

type createRequest struct {
	OwnerID         string `json:"owner_id"`
	Provider        string `json:"provider"`
	ModelID         string `json:"model_id"`
	WorkloadProfile string `json:"workload_profile"`
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	in, err := h.fleet.Launch(r.Context(), fleet.LaunchOptions{
		OwnerID:         req.OwnerID,
		Provider:        req.Provider,
		ModelID:         req.ModelID,
		WorkloadProfile: req.WorkloadProfile,
	})
	if err != nil {
		log.Warn("instance launch failed", "error", err)
		writeFleetError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewOf(in))
}

func (h *Handler) destroy(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.fleet.Destroy(r.Context(), id); err != nil {
		writeFleetError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type chatRequest struct {
	Text string `json:"text"`
}

func (h *Handler) chat(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req chatRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Text == "" {
		writeError(w, http.StatusBadRequest, "text cannot be empty")
		return
	}

	reply, err := h.fleet.SendMessage(r.Context(), id, req.Text)
	if err != nil {
		writeFleetError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"reply": reply})
}

func (h *Handler) logs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	in, ok := h.store.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "instance not found")
		return
	}
	logs := in.Logs
	if logs == nil {
		logs = []instance.LogEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"logs": logs})
}

func writeFleetError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, fleet.ErrNotFound):
		writeError(w, http.StatusNotFound, "instance not found")
	case errors.Is(err, fleet.ErrNotRunning):
		writeError(w, http.StatusConflict, "instance not running")
	case errors.Is(err, fleet.ErrNoFreePorts):
		writeError(w, http.StatusServiceUnavailable, "no free control ports")
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
