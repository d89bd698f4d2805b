package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"fieldlink-cloud/internal/audit"
	"fieldlink-cloud/internal/auth"
	commandsapp "fieldlink-cloud/internal/commands/application"
	commands "fieldlink-cloud/internal/commands/domain"
)

// Handler serves the command dispatch and acknowledgment endpoints.
type Handler struct {
	dispatcher  *commandsapp.Dispatcher
	tracker     *commandsapp.Tracker
	scheduler   *commandsapp.RetryScheduler
	auditLogger audit.Logger
}

// NewHandler constructs a handler.
func NewHandler(dispatcher *commandsapp.Dispatcher, tracker *commandsapp.Tracker, scheduler *commandsapp.RetryScheduler, auditLogger audit.Logger) (*Handler, error) {
	if dispatcher == nil {
		return nil, errors.New("commands handler: nil dispatcher")
	}
	if tracker == nil {
		return nil, errors.New("commands handler: nil tracker")
	}
	if scheduler == nil {
		return nil, errors.New("commands handler: nil scheduler")
	}
	return &Handler{dispatcher: dispatcher, tracker: tracker, scheduler: scheduler, auditLogger: auditLogger}, nil
}

// ServeHTTP routes /command, /device and /system requests.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	switch {
	case path == "/command" && r.Method == http.MethodPost:
		h.handleDispatch(w, r)
	case strings.HasPrefix(path, "/command/"):
		h.routeCommand(w, r, strings.TrimPrefix(path, "/command/"))
	case strings.HasPrefix(path, "/device/"):
		h.routeDevice(w, r, strings.TrimPrefix(path, "/device/"))
	case path == "/system/overview" && r.Method == http.MethodGet:
		h.handleOverview(w, r)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) routeCommand(w http.ResponseWriter, r *http.Request, rest string) {
	parts := strings.Split(rest, "/")
	if len(parts) < 1 || parts[0] == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	commandID := parts[0]
	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		h.handleStatus(w, r, commandID)
	case len(parts) == 2 && parts[1] == "retry" && r.Method == http.MethodPost:
		h.handleRetry(w, r, commandID)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) routeDevice(w http.ResponseWriter, r *http.Request, rest string) {
	parts := strings.Split(rest, "/")
	if len(parts) < 1 || parts[0] == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	deviceID := parts[0]
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	switch {
	case len(parts) == 1:
		h.handleHistory(w, r, deviceID)
	case len(parts) == 2 && parts[1] == "stats":
		h.handleStats(w, r, deviceID)
	case len(parts) == 2 && parts[1] == "pending":
		h.handlePending(w, r, deviceID)
	case len(parts) == 2 && parts[1] == "export":
		h.handleExport(w, r, deviceID)
	case len(parts) == 2 && parts[1] == "report.pdf":
		h.handleReport(w, r, deviceID)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DeviceID   string         `json:"device_id"`
		Type       string         `json:"type"`
		Parameters map[string]any `json:"parameters"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	cmd, err := h.dispatcher.Send(r.Context(), req.DeviceID, commands.Type(req.Type), req.Parameters)
	if err != nil {
		if errors.Is(err, commandsapp.ErrDeviceNotConnected) {
			// The command exists in FAILED state; the caller still gets the
			// id so the refusal is inspectable afterwards.
			writeJSONStatus(w, http.StatusServiceUnavailable, map[string]any{
				"command_id": cmd.ID,
				"state":      cmd.State,
				"error":      cmd.LastError,
			})
			return
		}
		if errors.Is(err, commandsapp.ErrInvalidRequest) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSONStatus(w, http.StatusCreated, map[string]any{
		"command_id": cmd.ID,
		"state":      cmd.State,
	})
	h.logAudit(r, "command.issue", cmd.ID, cmd.DeviceID, map[string]any{"type": string(cmd.Type)})
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request, commandID string) {
	cmd, err := h.tracker.GetCommandStatus(r.Context(), commandID)
	if err != nil {
		respondCommandError(w, err)
		return
	}
	writeJSON(w, cmd)
}

func (h *Handler) handleRetry(w http.ResponseWriter, r *http.Request, commandID string) {
	cmd, err := h.scheduler.RetryCommand(r.Context(), commandID)
	if err != nil {
		respondCommandError(w, err)
		return
	}
	writeJSON(w, map[string]any{
		"command_id":    cmd.ID,
		"state":         cmd.State,
		"attempt_count": cmd.AttemptCount,
	})
	h.logAudit(r, "command.retry", cmd.ID, cmd.DeviceID, map[string]any{"mode": "manual-override"})
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request, deviceID string) {
	page := 1
	if raw := r.URL.Query().Get("page"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			http.Error(w, "page must be a positive integer", http.StatusBadRequest)
			return
		}
		page = parsed
	}
	list, err := h.tracker.DeviceAcknowledgments(r.Context(), deviceID, page)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{
		"device_id": deviceID,
		"page":      page,
		"page_size": commandsapp.DefaultPageSize,
		"commands":  list,
	})
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request, deviceID string) {
	stats, err := h.tracker.GetDeviceAckStats(r.Context(), deviceID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, stats)
}

func (h *Handler) handlePending(w http.ResponseWriter, r *http.Request, deviceID string) {
	list, err := h.tracker.PendingAcknowledgments(r.Context(), deviceID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{"device_id": deviceID, "commands": list})
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request, deviceID string) {
	list, err := h.tracker.DeviceAcknowledgments(r.Context(), deviceID, historyExportPage(r))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	data, err := BuildHistoryXLSX(deviceID, list)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", deviceID+"-commands.xlsx"))
	_, _ = w.Write(data)
	h.logAudit(r, "command.export", "", deviceID, map[string]any{"format": "xlsx"})
}

func (h *Handler) handleReport(w http.ResponseWriter, r *http.Request, deviceID string) {
	stats, err := h.tracker.GetDeviceAckStats(r.Context(), deviceID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	list, err := h.tracker.PendingAcknowledgments(r.Context(), deviceID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	data, err := BuildAckReportPDF(stats, list)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", deviceID+"-ack-report.pdf"))
	_, _ = w.Write(data)
	h.logAudit(r, "command.report", "", deviceID, map[string]any{"format": "pdf"})
}

func (h *Handler) handleOverview(w http.ResponseWriter, r *http.Request) {
	overview, err := h.tracker.GetSystemAckOverview(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, overview)
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
		ResourceType: "command",
		ResourceID:   commandID,
		DeviceID:     deviceID,
		Metadata:     payload,
		IP:           audit.ClientIP(r),
		UserAgent:    r.UserAgent(),
	})
}

func historyExportPage(r *http.Request) int {
	raw := r.URL.Query().Get("page")
	if raw == "" {
		return 1
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed < 1 {
		return 1
	}
	return parsed
}

func respondCommandError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, commandsapp.ErrNotFound):
		http.Error(w, "command not found", http.StatusNotFound)
	case errors.Is(err, commandsapp.ErrNotRetryable):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, commandsapp.ErrDeviceNotConnected):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
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
