// Package handlers provides the REST endpoints the offline proxy serves
// under /offline/.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/Jessealbonian/Athletrack-Capstone-sub000/internal/logging"
	"github.com/Jessealbonian/Athletrack-Capstone-sub000/internal/models"
	"github.com/Jessealbonian/Athletrack-Capstone-sub000/internal/sync/queue"
	"github.com/Jessealbonian/Athletrack-Capstone-sub000/internal/sync/scheduler"
)

// redacted replaces credential header values in queue listings.
const redacted = "[redacted]"

// OfflineService is the part of the offline layer the handlers need.
// *offline.Service satisfies it.
type OfflineService interface {
	Status(ctx context.Context) scheduler.Status
	SyncPendingRequests(ctx context.Context) queue.DrainResult
	PendingRequests(ctx context.Context) ([]models.PendingSyncItem, error)
	SetOnline(online bool)
	SetInstallable(v bool)
	SetUpdateAvailable(v bool)
	Degraded() bool
}

// WSSyncBroadcaster interface for sync WebSocket events.
type WSSyncBroadcaster interface {
	BroadcastSyncCompleted(result queue.DrainResult, duration time.Duration)
}

// OfflineHandler handles status, queue and connectivity requests.
type OfflineHandler struct {
	svc   OfflineService
	wsHub WSSyncBroadcaster
}

// NewOfflineHandler creates a new OfflineHandler.
func NewOfflineHandler(svc OfflineService) *OfflineHandler {
	return &OfflineHandler{svc: svc}
}

// SetWebSocketHub sets the WebSocket hub for broadcasting sync events.
func (h *OfflineHandler) SetWebSocketHub(wsHub WSSyncBroadcaster) {
	h.wsHub = wsHub
}

// QueuedRequest is a pending request as listed by ListQueue.
type QueuedRequest struct {
	ID         string            `json:"id"`
	Method     string            `json:"method"`
	URL        string            `json:"url"`
	Headers    map[string]string `json:"headers,omitempty"`
	BodyBytes  int               `json:"bodyBytes"`
	EnqueuedAt time.Time         `json:"enqueuedAt"`
	Retries    int               `json:"retries"`
	LastError  string            `json:"lastError,omitempty"`
}

// ConnectivityRequest is the body of POST /offline/connectivity.
type ConnectivityRequest struct {
	Online *bool `json:"online"`
}

// AppStateRequest is the body of POST /offline/app-state. Omitted fields
// are left unchanged.
type AppStateRequest struct {
	Installable     *bool `json:"installable"`
	UpdateAvailable *bool `json:"updateAvailable"`
}

// Health handles GET /offline/health.
func (h *OfflineHandler) Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	storage := "durable"
	if h.svc.Degraded() {
		storage = "memory"
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"storage": storage,
	})
}

// GetStatus handles GET /offline/status.
func (h *OfflineHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, h.svc.Status(r.Context()))
}

// TriggerSync handles POST /offline/sync.
// Drains the queue now; a skipped drain still answers 200 with skipped set.
func (h *OfflineHandler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// a client hanging up must not abort replays already under way
	start := time.Now()
	result := h.svc.SyncPendingRequests(context.WithoutCancel(r.Context()))
	if h.wsHub != nil && !result.Skipped {
		h.wsHub.BroadcastSyncCompleted(result, time.Since(start))
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"result": result,
		"status": h.svc.Status(r.Context()),
	})
}

// ListQueue handles GET /offline/queue.
func (h *OfflineHandler) ListQueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	items, err := h.svc.PendingRequests(r.Context())
	if err != nil {
		logging.Error("Failed to list pending requests", err)
		http.Error(w, "Failed to list pending requests", http.StatusInternalServerError)
		return
	}

	out := make([]QueuedRequest, len(items))
	for i, item := range items {
		out[i] = QueuedRequest{
			ID:         item.ID.String(),
			Method:     item.Method,
			URL:        item.URL,
			Headers:    redactHeaders(item.Headers),
			BodyBytes:  len(item.Body),
			EnqueuedAt: item.EnqueuedAtTime().UTC(),
			Retries:    item.Retries,
			LastError:  item.LastError,
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"items": out,
		"count": len(out),
	})
}

// SetConnectivity handles POST /offline/connectivity.
// Lets the host report connectivity, e.g. from an OS network callback.
func (h *OfflineHandler) SetConnectivity(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req ConnectivityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Online == nil {
		http.Error(w, "online is required", http.StatusBadRequest)
		return
	}

	h.svc.SetOnline(*req.Online)
	writeJSON(w, http.StatusOK, h.svc.Status(r.Context()))
}

// SetAppState handles POST /offline/app-state.
// The host app reports its install and update state, which status carries.
func (h *OfflineHandler) SetAppState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req AppStateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Installable == nil && req.UpdateAvailable == nil {
		http.Error(w, "installable or updateAvailable is required", http.StatusBadRequest)
		return
	}

	if req.Installable != nil {
		h.svc.SetInstallable(*req.Installable)
	}
	if req.UpdateAvailable != nil {
		h.svc.SetUpdateAvailable(*req.UpdateAvailable)
	}
	writeJSON(w, http.StatusOK, h.svc.Status(r.Context()))
}

func redactHeaders(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		switch http.CanonicalHeaderKey(k) {
		case "Authorization", "Cookie", "Proxy-Authorization":
			out[k] = redacted
		default:
			out[k] = v
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Warn("Failed to encode response", map[string]interface{}{"error": err.Error()})
	}
}
