package datastore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ChuLiYu/ledger-runtime/internal/diagnostics"
	"github.com/ChuLiYu/ledger-runtime/internal/storage/kv"
	"github.com/ChuLiYu/ledger-runtime/pkg/types"
)

// ============================================================================
// Transaction handle
// ============================================================================

type queuedEvent struct {
	name    string
	payload any
}

// Tx is the handle an op uses to read and mutate the live collections.
// Writes through Tx are tracked so only touched collections are persisted;
// events queued with Emit are delivered only after the commit.
type Tx struct {
	name    string
	now     time.Time
	cols    *types.Collections
	touched map[types.Collection]bool
	writes  map[string]string
	events  []queuedEvent
}

func newTx(name string, cols *types.Collections, now time.Time) *Tx {
	return &Tx{
		name:    name,
		now:     now,
		cols:    cols,
		touched: make(map[types.Collection]bool),
		writes:  make(map[string]string),
	}
}

// Name returns the transaction name.
func (tx *Tx) Name() string { return tx.name }

// Now returns the transaction timestamp.
func (tx *Tx) Now() time.Time { return tx.now }

func (tx *Tx) touch(c types.Collection) { tx.touched[c] = true }

// Emit queues an event for delivery after a successful commit.
func (tx *Tx) Emit(name string, payload any) {
	tx.events = append(tx.events, queuedEvent{name: name, payload: payload})
}

// PutRaw persists an extra backend key with the commit; removed again if the
// commit fails.
func (tx *Tx) PutRaw(key, value string) {
	tx.writes[key] = value
}

// ---- accounts ----

// Account returns one account.
func (tx *Tx) Account(id string) (types.Account, bool) {
	a, ok := tx.cols.Accounts[id]
	return a, ok
}

// PutAccount inserts or replaces an account.
func (tx *Tx) PutAccount(a types.Account) error {
	if a.ID == "" {
		return fmt.Errorf("%w: account without id", ErrInvalidRecord)
	}
	tx.cols.Accounts[a.ID] = a
	tx.touch(types.CollectionAccounts)
	return nil
}

// RemoveAccount deletes an account; reports whether it existed.
func (tx *Tx) RemoveAccount(id string) bool {
	if _, ok := tx.cols.Accounts[id]; !ok {
		return false
	}
	delete(tx.cols.Accounts, id)
	tx.touch(types.CollectionAccounts)
	return true
}

// ---- transactions ----

// Transaction returns one transaction.
func (tx *Tx) Transaction(id string) (types.Transaction, bool) {
	t, ok := tx.cols.Transactions[id]
	return t, ok
}

// HasTransaction reports whether id exists.
func (tx *Tx) HasTransaction(id string) bool {
	_, ok := tx.cols.Transactions[id]
	return ok
}

// AccountTransactions returns the transactions of one account, oldest first.
func (tx *Tx) AccountTransactions(accountID string) []types.Transaction {
	var out []types.Transaction
	for _, t := range tx.cols.Transactions {
		if t.AccountID == accountID {
			out = append(out, t)
		}
	}
	SortTransactions(out)
	return out
}

// PutTransaction inserts or replaces a transaction. The account (and file,
// when set) must exist.
func (tx *Tx) PutTransaction(t types.Transaction) error {
	if t.ID == "" {
		return fmt.Errorf("%w: transaction without id", ErrInvalidRecord)
	}
	if _, ok := tx.cols.Accounts[t.AccountID]; !ok {
		return fmt.Errorf("%w: transaction %s references %q", ErrUnknownAccount, t.ID, t.AccountID)
	}
	if t.FileID != "" {
		if _, ok := tx.cols.Files[t.FileID]; !ok {
			return fmt.Errorf("%w: transaction %s references %q", ErrUnknownFile, t.ID, t.FileID)
		}
	}
	tx.cols.Transactions[t.ID] = t
	tx.touch(types.CollectionTransactions)
	return nil
}

// RemoveTransaction deletes a transaction and its category assignments.
func (tx *Tx) RemoveTransaction(id string) bool {
	if _, ok := tx.cols.Transactions[id]; !ok {
		return false
	}
	delete(tx.cols.Transactions, id)
	tx.touch(types.CollectionTransactions)
	for aid, a := range tx.cols.CategoryAssignments {
		if a.TransactionID == id {
			delete(tx.cols.CategoryAssignments, aid)
			tx.touch(types.CollectionCategoryAssignments)
		}
	}
	return true
}

// ---- files ----

// File returns one file record.
func (tx *Tx) File(id string) (types.FileRecord, bool) {
	f, ok := tx.cols.Files[id]
	return f, ok
}

// PutFile inserts or replaces a file record.
func (tx *Tx) PutFile(f types.FileRecord) error {
	if f.ID == "" {
		return fmt.Errorf("%w: file without id", ErrInvalidRecord)
	}
	tx.cols.Files[f.ID] = f
	tx.touch(types.CollectionFiles)
	return nil
}

// RemoveFile deletes a file record and clears references to it.
func (tx *Tx) RemoveFile(id string) bool {
	if _, ok := tx.cols.Files[id]; !ok {
		return false
	}
	delete(tx.cols.Files, id)
	tx.touch(types.CollectionFiles)
	for tid, t := range tx.cols.Transactions {
		if t.FileID == id {
			t.FileID = ""
			tx.cols.Transactions[tid] = t
			tx.touch(types.CollectionTransactions)
		}
	}
	return true
}

// ---- categories ----

// Category returns one category.
func (tx *Tx) Category(id string) (types.Category, bool) {
	c, ok := tx.cols.Categories[id]
	return c, ok
}

// PutCategory inserts or replaces a category. The parent must exist.
func (tx *Tx) PutCategory(c types.Category) error {
	if c.ID == "" {
		return fmt.Errorf("%w: category without id", ErrInvalidRecord)
	}
	if c.ParentID != "" {
		if _, ok := tx.cols.Categories[c.ParentID]; !ok {
			return fmt.Errorf("%w: parent %q of %s", ErrUnknownCategory, c.ParentID, c.ID)
		}
	}
	tx.cols.Categories[c.ID] = c
	tx.touch(types.CollectionCategories)
	return nil
}

// PutAssignment inserts or replaces a category assignment. Both ends must
// exist.
func (tx *Tx) PutAssignment(a types.CategoryAssignment) error {
	if a.ID == "" {
		return fmt.Errorf("%w: assignment without id", ErrInvalidRecord)
	}
	if _, ok := tx.cols.Transactions[a.TransactionID]; !ok {
		return fmt.Errorf("%w: transaction %q", ErrNotFound, a.TransactionID)
	}
	if _, ok := tx.cols.Categories[a.CategoryID]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownCategory, a.CategoryID)
	}
	tx.cols.CategoryAssignments[a.ID] = a
	tx.touch(types.CollectionCategoryAssignments)
	return nil
}

// RemoveAssignment deletes a category assignment.
func (tx *Tx) RemoveAssignment(id string) bool {
	if _, ok := tx.cols.CategoryAssignments[id]; !ok {
		return false
	}
	delete(tx.cols.CategoryAssignments, id)
	tx.touch(types.CollectionCategoryAssignments)
	return true
}

// Replace overwrites every collection with a copy of c.
func (tx *Tx) Replace(c types.Collections) {
	c = c.Clone()
	c.Normalize()
	*tx.cols = c
	for _, col := range types.AllCollections {
		tx.touch(col)
	}
}

func (tx *Tx) touchedList() []types.Collection {
	var out []types.Collection
	for _, c := range types.AllCollections {
		if tx.touched[c] {
			out = append(out, c)
		}
	}
	return out
}

// ============================================================================
// ExecuteTransaction
// ============================================================================

// Result describes the outcome of ExecuteTransaction.
type Result struct {
	Name       string             `json:"name"`
	Success    bool               `json:"success"`
	Error      string             `json:"error,omitempty"`
	SnapshotID string             `json:"snapshot_id,omitempty"`
	Touched    []types.Collection `json:"touched,omitempty"`
	Retried    bool               `json:"retried,omitempty"`
	Duration   time.Duration      `json:"duration"`
}

type execOptions struct {
	durableSnapshot bool // take a ring snapshot (false: private in-memory copy)
	retryOnQuota    bool // run emergency cleanup and retry once on quota errors
}

type outcome struct {
	result        Result
	events        []queuedEvent
	err           error
	persistFailed bool
}

// ExecuteTransaction snapshots the collections, runs op against them and
// persists what op touched. If op fails (or panics) or the commit cannot be
// persisted, all collections are restored from the snapshot and the error is
// returned together with a failed Result.
//
// When persisting fails on quota, the aggressive cleanup is run and op is
// applied once more to the post-cleanup state. op must therefore derive
// everything it does from the Tx it is given.
func (s *Store) ExecuteTransaction(ctx context.Context, name string, op func(*Tx) error) (Result, error) {
	return s.execute(ctx, name, op, execOptions{durableSnapshot: true, retryOnQuota: true})
}

func (s *Store) execute(ctx context.Context, name string, op func(*Tx) error, opts execOptions) (Result, error) {
	ctx, span := s.tracer.Start(ctx, "datastore.transaction",
		trace.WithAttributes(attribute.String("tx.name", name)))
	defer span.End()

	start := time.Now()
	out := s.attempt(name, op, opts.durableSnapshot)

	if out.persistFailed && kv.IsQuotaExceeded(out.err) && opts.retryOnQuota {
		h := s.pressureHandler()
		fields := map[string]any{"transaction": name}
		if h != nil {
			fields["utilization"] = h.Utilization()
		}
		s.diag.LogError("datastore", "persist:"+name, out.err, diagnostics.SeverityCritical, fields)

		if h != nil {
			span.AddEvent("emergency_cleanup")
			if err := runCleanup(ctx, h); err != nil {
				log.Warn("Emergency cleanup did not complete", "transaction", name, "error", err)
			}
			if ctx.Err() == nil {
				out = s.attempt(name, op, false)
				out.result.Retried = true
			}
		}
	}

	out.result.Duration = time.Since(start)
	s.metrics.RecordTransaction(out.err == nil, out.result.Duration)

	if out.err != nil {
		out.result.Success = false
		out.result.Error = out.err.Error()
		span.RecordError(out.err)
		span.SetStatus(codes.Error, out.err.Error())
		log.Debug("Transaction rolled back", "name", name, "error", out.err)
		return out.result, out.err
	}

	for _, ev := range out.events {
		if s.bus != nil {
			s.bus.Emit(ev.name, ev.payload, source)
		}
	}
	if h := s.pressureHandler(); h != nil && len(out.result.Touched) > 0 {
		if _, err := h.Observe(); err != nil {
			log.Warn("Quota observation failed", "error", err)
		}
	}
	return out.result, nil
}

// runCleanup runs the emergency cleanup on its own goroutine and waits for it
// without holding the store lock.
func runCleanup(ctx context.Context, h PressureHandler) error {
	done := make(chan error, 1)
	go func() { done <- h.EmergencyCleanup(ctx) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Store) attempt(name string, op func(*Tx) error, durable bool) outcome {
	s.mu.Lock()
	defer s.mu.Unlock()

	res := Result{Name: name}
	if !s.loaded {
		return outcome{result: res, err: ErrNotLoaded}
	}

	var before types.Collections
	if durable {
		snap, err := s.ring.Take(name, s.cols)
		if err != nil {
			// rollback still works from the in-memory copy
			s.diag.LogError("datastore", "snapshot:"+name, err, diagnostics.SeverityCritical,
				map[string]any{"utilization": s.utilizationLocked()})
		}
		before = snap.Collections
		res.SnapshotID = snap.ID
	} else {
		before = s.cols.Clone()
	}

	tx := newTx(name, &s.cols, s.now())
	if err := runOp(op, tx); err != nil {
		s.cols = before.Clone()
		return outcome{result: res, err: err}
	}

	if err := s.persistLocked(tx); err != nil {
		s.cols = before.Clone()
		s.repersistLocked(tx)
		return outcome{result: res, err: fmt.Errorf("persist %s: %w", name, err), persistFailed: true}
	}

	res.Success = true
	res.Touched = tx.touchedList()
	return outcome{result: res, events: tx.events}
}

func runOp(op func(*Tx) error, tx *Tx) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("transaction %s panicked: %v", tx.name, r)
		}
	}()
	return op(tx)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// persistLocked writes touched collections, extra writes and metadata.
func (s *Store) persistLocked(tx *Tx) error {
	if len(tx.touched) == 0 && len(tx.writes) == 0 {
		return nil
	}

	for _, c := range tx.touchedList() {
		data, err := encodeCollection(s.cols, c)
		if err != nil {
			return fmt.Errorf("encode %s: %w", c, err)
		}
		if err := s.backend.Set(collectionKey(c), data); err != nil {
			return fmt.Errorf("write %s: %w", c, err)
		}
	}
	for _, k := range sortedKeys(tx.writes) {
		if err := s.backend.Set(k, tx.writes[k]); err != nil {
			return fmt.Errorf("write %s: %w", k, err)
		}
	}

	meta := types.Metadata{Version: SchemaVersion, LastUpdated: tx.now, LastTxName: tx.name}
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	if err := s.backend.Set(MetadataKey, string(data)); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}
	s.meta = meta
	return nil
}

// repersistLocked puts the restored collections back after a failed commit
// left some of them half written. Best effort.
func (s *Store) repersistLocked(tx *Tx) {
	for _, c := range tx.touchedList() {
		data, err := encodeCollection(s.cols, c)
		if err == nil {
			err = s.backend.Set(collectionKey(c), data)
		}
		if err != nil {
			s.diag.LogError("datastore", "restore:"+string(c), err, diagnostics.SeverityHigh,
				map[string]any{"transaction": tx.name})
		}
	}
	for k := range tx.writes {
		if err := s.backend.Remove(k); err != nil {
			s.diag.LogError("datastore", "restore:"+k, err, diagnostics.SeverityHigh,
				map[string]any{"transaction": tx.name})
		}
	}
}
