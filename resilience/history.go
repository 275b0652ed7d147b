package resilience

import (
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"harvest/shared"
)

// maxHistoryAttempts bounds the persisted attempt log per service.
const maxHistoryAttempts = 100

// RecoveryAttempt records one retry attempt against a service.
type RecoveryAttempt struct {
	Timestamp     time.Time `json:"timestamp"`
	AttemptNumber int       `json:"attempt_number"`
	ErrorKind     string    `json:"exception_type,omitempty"`
	ErrorMessage  string    `json:"exception_message,omitempty"`
	DelayBefore   float64   `json:"delay_before_retry"`
	Success       bool      `json:"success"`
}

// serviceHistory is the persisted document for one service.
type serviceHistory struct {
	Name        string            `json:"name"`
	LastUpdated time.Time         `json:"last_updated"`
	Attempts    []RecoveryAttempt `json:"attempts"`
}

// History keeps a bounded, persisted recovery-attempt log per service.
type History struct {
	dir string
	log *zap.SugaredLogger

	mu       sync.Mutex
	services map[string]*serviceHistory
}

// NewHistory creates a history store rooted at dir. An empty dir keeps the
// history in memory only.
func NewHistory(dir string, log *zap.SugaredLogger) *History {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &History{
		dir:      dir,
		log:      log.With("component", "recovery-history"),
		services: make(map[string]*serviceHistory),
	}
}

func (h *History) file(service string) string {
	return filepath.Join(h.dir, "recovery_"+service+".json")
}

// Record appends an attempt for a service, trimming to the bound, and
// persists the updated document.
func (h *History) Record(service string, attempt RecoveryAttempt) {
	h.mu.Lock()
	defer h.mu.Unlock()

	sh := h.loadLocked(service)
	sh.Attempts = append(sh.Attempts, attempt)
	if len(sh.Attempts) > maxHistoryAttempts {
		sh.Attempts = sh.Attempts[len(sh.Attempts)-maxHistoryAttempts:]
	}
	sh.LastUpdated = time.Now()

	if h.dir != "" {
		if err := shared.WriteJSONAtomic(h.file(service), sh); err != nil {
			h.log.Warnw("failed to persist recovery history", "service", service, "error", err)
		}
	}
}

// Attempts returns a copy of the recorded attempts for a service.
func (h *History) Attempts(service string) []RecoveryAttempt {
	h.mu.Lock()
	defer h.mu.Unlock()

	sh := h.loadLocked(service)
	out := make([]RecoveryAttempt, len(sh.Attempts))
	copy(out, sh.Attempts)
	return out
}

// LastAttempt returns the most recent attempt for a service, or nil.
func (h *History) LastAttempt(service string) *RecoveryAttempt {
	h.mu.Lock()
	defer h.mu.Unlock()

	sh := h.loadLocked(service)
	if len(sh.Attempts) == 0 {
		return nil
	}
	last := sh.Attempts[len(sh.Attempts)-1]
	return &last
}

func (h *History) loadLocked(service string) *serviceHistory {
	if sh, ok := h.services[service]; ok {
		return sh
	}
	sh := &serviceHistory{Name: service}
	if h.dir != "" {
		if err := shared.ReadJSON(h.file(service), sh); err != nil {
			h.log.Warnw("failed to load recovery history", "service", service, "error", err)
		}
		sh.Name = service
	}
	h.services[service] = sh
	return sh
}
