package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"fieldlink-cloud/internal/audit"
	"fieldlink-cloud/internal/auth"
	commandsapp "fieldlink-cloud/internal/commands/application"
	configcacheapp "fieldlink-cloud/internal/configcache/application"
)

// Handler serves the configuration cache and sync endpoints.
type Handler struct {
	cache       *configcacheapp.Cache
	coordinator *configcacheapp.Coordinator
	auditLogger audit.Logger
}

// NewHandler constructs a handler.
func NewHandler(cache *configcacheapp.Cache, coordinator *configcacheapp.Coordinator, auditLogger audit.Logger) (*Handler, error) {
	if cache == nil {
		return nil, errors.New("configcache handler: nil cache")
	}
	if coordinator == nil {
		return nil, errors.New("configcache handler: nil coordinator")
	}
	return &Handler{cache: cache, coordinator: coordinator, auditLogger: auditLogger}, nil
}

// ServeHTTP routes /config and /sync requests.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	switch {
	case path == "/config" && r.Method == http.MethodGet:
		h.handleList(w, r)
	case path == "/config/cache" && r.Method == http.MethodDelete:
		h.handleResetAll(w, r)
	case strings.HasPrefix(path, "/config/"):
		h.routeConfig(w, r, strings.TrimPrefix(path, "/config/"))
	case path == "/sync/status" && r.Method == http.MethodGet:
		h.handleSyncStatus(w, r)
	case path == "/sync/bulk" && r.Method == http.MethodPost:
		h.handleBulkSync(w, r)
	case strings.HasPrefix(path, "/sync/") && r.Method == http.MethodPost:
		h.handleSync(w, r, strings.TrimPrefix(path, "/sync/"))
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) routeConfig(w http.ResponseWriter, r *http.Request, rest string) {
	parts := strings.Split(rest, "/")
	if len(parts) < 1 || parts[0] == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	deviceID := parts[0]
	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		h.handleGet(w, r, deviceID)
	case len(parts) == 2 && parts[1] == "request" && r.Method == http.MethodPost:
		h.handleRequestKey(w, r, deviceID)
	case len(parts) == 2 && parts[1] == "cache" && r.Method == http.MethodDelete:
		h.handleReset(w, r, deviceID)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request, deviceID string) {
	snapshot, err := h.cache.Get(r.Context(), deviceID)
	if err != nil {
		if errors.Is(err, configcacheapp.ErrSnapshotNotFound) {
			http.Error(w, "device configuration not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, snapshot)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	snapshots, err := h.cache.List(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, snapshots)
}

func (h *Handler) handleRequestKey(w http.ResponseWriter, r *http.Request, deviceID string) {
	var req struct {
		Key string `json:"key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Key == "" {
		http.Error(w, "key is required", http.StatusBadRequest)
		return
	}
	commandID, err := h.coordinator.RequestKey(r.Context(), deviceID, req.Key)
	if err != nil {
		respondSyncError(w, err)
		return
	}
	writeJSONStatus(w, http.StatusAccepted, map[string]any{"command_id": commandID})
	h.logAudit(r, "config.request", commandID, deviceID, map[string]any{"key": req.Key})
}

func (h *Handler) handleReset(w http.ResponseWriter, r *http.Request, deviceID string) {
	if err := h.cache.Reset(r.Context(), deviceID); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
	h.logAudit(r, "config.cache.reset", "", deviceID, nil)
}

func (h *Handler) handleResetAll(w http.ResponseWriter, r *http.Request) {
	count, err := h.cache.ResetAll(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{"reset": count})
	h.logAudit(r, "config.cache.reset_all", "", "", map[string]any{"reset": count})
}

func (h *Handler) handleSync(w http.ResponseWriter, r *http.Request, deviceID string) {
	if deviceID == "" || strings.Contains(deviceID, "/") {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	commandID, err := h.coordinator.SyncDevice(r.Context(), deviceID)
	if err != nil {
		respondSyncError(w, err)
		return
	}
	writeJSONStatus(w, http.StatusAccepted, map[string]any{"command_id": commandID})
	h.logAudit(r, "config.sync", commandID, deviceID, nil)
}

func (h *Handler) handleBulkSync(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DeviceIDs []string `json:"device_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if len(req.DeviceIDs) == 0 {
		http.Error(w, "device_ids is required", http.StatusBadRequest)
		return
	}
	// Partial failure is reported per device; the aggregate call succeeds.
	results := h.coordinator.BulkSync(r.Context(), req.DeviceIDs)
	writeJSONStatus(w, http.StatusOK, map[string]any{"results": results})
	h.logAudit(r, "config.sync.bulk", "", "", map[string]any{"devices": len(req.DeviceIDs)})
}

func (h *Handler) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	tally, err := h.cache.Tally(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, tally)
}

func (h *Handler) logAudit(r *http.Request, action, commandID, deviceID string, meta map[string]any) {
	if h.auditLogger == nil {
		return
	}
	payload, _ := json.Marshal(meta)
	_ = h.auditLogger.Log(r.Context(), audit.Entry{
		Actor:        auth.SubjectFromContext(r.Context()),
		Role:         string(auth.RoleFromContext(r.Context())),
		Action:       action,
		ResourceType: "config_snapshot",
		ResourceID:   commandID,
		DeviceID:     deviceID,
		Metadata:     payload,
		IP:           audit.ClientIP(r),
		UserAgent:    r.UserAgent(),
	})
}

func respondSyncError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, commandsapp.ErrDeviceNotConnected):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	case errors.Is(err, commandsapp.ErrInvalidRequest):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, value any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(value)
}

func writeJSONStatus(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(value)
}
