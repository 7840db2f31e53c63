// Package eventbus provides the in-process publish/subscribe channel used by
// every component to announce state changes without direct coupling.
//
// Delivery is synchronous: Emit returns after every handler subscribed to the
// event name at emit time has run. Nothing is persisted.
package eventbus

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/ledger-runtime/internal/diagnostics"
)

// Event names published by the runtime.
const (
	TransactionsUpdated = "TRANSACTIONS_UPDATED"
	AccountUpdated      = "ACCOUNT_UPDATED"
	AccountsUpdated     = "ACCOUNTS_UPDATED"
	FileUploaded        = "FILE_UPLOADED"
	FileDeleted         = "FILE_DELETED"
	DataCleared         = "DATA_CLEARED"
	StorageCleaned      = "STORAGE_CLEANED"
	QuotaAlert          = "QUOTA_ALERT"

	ServiceReady  = "SERVICE_READY"
	ServiceFailed = "SERVICE_FAILED"
	SystemReady   = "SYSTEM_READY"
)

// DefaultHistorySize bounds Recent().
const DefaultHistorySize = 100

// Event is one published occurrence.
type Event struct {
	ID        string
	Name      string
	Payload   any
	Source    string
	Timestamp time.Time
}

// Handler consumes events.
type Handler func(Event)

type handlerEntry struct {
	id      uint64
	handler Handler
}

// Bus is the in-process event bus. The zero value is not usable; use New.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]handlerEntry
	nextID   uint64
	history  []Event
	limit    int
	diag     diagnostics.Sink
}

// New creates a Bus. diag receives handler panics and may be nil.
func New(diag diagnostics.Sink) *Bus {
	if diag == nil {
		diag = diagnostics.Nop{}
	}
	return &Bus{
		handlers: make(map[string][]handlerEntry),
		limit:    DefaultHistorySize,
		diag:     diag,
	}
}

// On subscribes handler to name and returns an idempotent unsubscribe func.
func (b *Bus) On(name string, handler Handler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.handlers[name] = append(b.handlers[name], handlerEntry{id: id, handler: handler})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			entries := b.handlers[name]
			for i, e := range entries {
				if e.id == id {
					b.handlers[name] = append(entries[:i:i], entries[i+1:]...)
					break
				}
			}
			if len(b.handlers[name]) == 0 {
				delete(b.handlers, name)
			}
		})
	}
}

// Emit delivers payload to every current subscriber of name.
func (b *Bus) Emit(name string, payload any, source string) {
	ev := Event{
		ID:        uuid.NewString(),
		Name:      name,
		Payload:   payload,
		Source:    source,
		Timestamp: time.Now().UTC(),
	}

	b.mu.Lock()
	b.history = append(b.history, ev)
	if len(b.history) > b.limit {
		b.history = b.history[len(b.history)-b.limit:]
	}
	entries := make([]handlerEntry, len(b.handlers[name]))
	copy(entries, b.handlers[name])
	b.mu.Unlock()

	// handlers run outside the lock so they may emit or subscribe
	for _, e := range entries {
		b.deliver(ev, e.handler)
	}
}

func (b *Bus) deliver(ev Event, h Handler) {
	defer func() {
		if r := recover(); r != nil {
			b.diag.LogError("eventbus", "deliver:"+ev.Name, fmt.Errorf("handler panic: %v", r),
				diagnostics.SeverityHigh, map[string]any{"source": ev.Source})
		}
	}()
	h(ev)
}

// Recent returns up to n most recent events, oldest first.
func (b *Bus) Recent(n int) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if n <= 0 || n > len(b.history) {
		n = len(b.history)
	}
	out := make([]Event, n)
	copy(out, b.history[len(b.history)-n:])
	return out
}

// SubscriberCount reports how many handlers are subscribed to name.
func (b *Bus) SubscriberCount(name string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[name])
}

// Payloads published by the data store, quota monitor and orchestrator.
type (
	TransactionsUpdatedPayload struct {
		Count        int    `json:"count,omitempty"`
		DeletedCount int    `json:"deletedCount,omitempty"`
		AccountID    string `json:"accountId,omitempty"`
	}

	AccountUpdatedPayload struct {
		AccountID string `json:"accountId"`
		Action    string `json:"action"`
	}

	AccountsUpdatedPayload struct {
		UpdatedAccountIDs []string `json:"updatedAccountIds"`
	}

	FileUploadedPayload struct {
		FileID   string `json:"fileId"`
		FileName string `json:"fileName"`
	}

	FileDeletedPayload struct {
		FileID string `json:"fileId"`
	}

	DataClearedPayload struct {
		Counts map[string]int `json:"counts"`
	}

	StorageCleanedPayload struct {
		Strategy   string `json:"strategy"`
		SpaceFreed int64  `json:"spaceFreed"`
	}

	QuotaAlertPayload struct {
		Severity string `json:"severity"`
		Message  string `json:"message"`
	}

	ServicePayload struct {
		Name  string `json:"name"`
		Error string `json:"error,omitempty"`
	}

	SystemPayload struct {
		Status string   `json:"status"`
		Failed []string `json:"failed,omitempty"`
	}
)
