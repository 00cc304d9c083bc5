package maintenance

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"member-auth/internal/observability"
)

// StaleDeleter removes rows older than cutoff, at most batchSize per call.
type StaleDeleter interface {
	DeleteStale(ctx context.Context, cutoff time.Time, batchSize int) (int64, error)
}

// Task is one cleanup step: rows older than Retention are deleted from Store.
type Task struct {
	Name      string
	Store     StaleDeleter
	Retention time.Duration
}

type CleanupHandler struct {
	tasks      []Task
	logger     *observability.Logger
	cronSecret string
	batchSize  int
	now        func() time.Time
}

func NewCleanupHandler(logger *observability.Logger, cronSecret string, batchSize int, tasks ...Task) *CleanupHandler {
	return &CleanupHandler{
		tasks:      tasks,
		logger:     logger,
		cronSecret: strings.TrimSpace(cronSecret),
		batchSize:  batchSize,
		now:        time.Now,
	}
}

func (h *CleanupHandler) Handle(w http.ResponseWriter, r *http.Request) {
	if h.cronSecret == "" {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}

	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	if !h.authorized(r) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	now := h.now().UTC()
	result := make(map[string]int64, len(h.tasks))
	for _, task := range h.tasks {
		deleted, err := task.Store.DeleteStale(r.Context(), now.Add(-task.Retention), h.batchSize)
		if err != nil {
			observability.CaptureError(h.logger, "auth_cleanup_failed", err, map[string]any{"task": task.Name})
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "cleanup failed"})
			return
		}
		result[task.Name] = deleted
	}

	fields := make(map[string]any, len(result))
	for name, deleted := range result {
		fields["deleted_"+name] = deleted
	}
	h.logger.Info("auth_cleanup_completed", fields)

	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"result": result,
	})
}

func (h *CleanupHandler) authorized(r *http.Request) bool {
	scheme, secret, ok := strings.Cut(strings.TrimSpace(r.Header.Get("Authorization")), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(strings.TrimSpace(secret)), []byte(h.cronSecret)) == 1
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
