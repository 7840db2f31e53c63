package datastore

import (
	"context"
	"fmt"
	"sort"

	"github.com/ChuLiYu/ledger-runtime/internal/eventbus"
	"github.com/ChuLiYu/ledger-runtime/internal/snapshot"
	"github.com/ChuLiYu/ledger-runtime/pkg/types"
)

// Export returns a version-tagged copy of every collection.
func (s *Store) Export() types.ExportedState {
	return types.ExportedState{
		Version:     types.ExportVersion,
		ExportedAt:  s.now().UTC(),
		Collections: s.state(),
	}
}

// Import replaces all collections with state. A state of another version is
// rejected before anything changes.
func (s *Store) Import(ctx context.Context, state types.ExportedState) error {
	if state.Version != types.ExportVersion {
		return fmt.Errorf("%w: export has version %d, this store reads version %d",
			ErrVersionMismatch, state.Version, types.ExportVersion)
	}
	_, err := s.ExecuteTransaction(ctx, "import", func(tx *Tx) error {
		tx.Replace(state.Collections)
		announceReplace(tx)
		return nil
	})
	return err
}

// ExportFile writes Export() to path atomically.
func (s *Store) ExportFile(path string) error {
	return snapshot.WriteFile(path, s.Export())
}

// ImportFile reads an export from path and imports it.
func (s *Store) ImportFile(ctx context.Context, path string) error {
	state, err := snapshot.ReadFile(path)
	if err != nil {
		return err
	}
	return s.Import(ctx, state)
}

// Snapshots lists the retained snapshots, oldest first.
func (s *Store) Snapshots() []snapshot.Info {
	return s.ring.List()
}

// RestoreSnapshot replaces all collections with a retained snapshot.
func (s *Store) RestoreSnapshot(ctx context.Context, id string) error {
	snap, ok := s.ring.Get(id)
	if !ok {
		return fmt.Errorf("%w: snapshot %q", ErrNotFound, id)
	}
	_, err := s.ExecuteTransaction(ctx, "restore_snapshot", func(tx *Tx) error {
		tx.Replace(snap.Collections)
		announceReplace(tx)
		return nil
	})
	return err
}

func announceReplace(tx *Tx) {
	ids := make([]string, 0, len(tx.cols.Accounts))
	for id := range tx.cols.Accounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	tx.Emit(eventbus.AccountsUpdated, eventbus.AccountsUpdatedPayload{UpdatedAccountIDs: ids})
	tx.Emit(eventbus.TransactionsUpdated, eventbus.TransactionsUpdatedPayload{Count: len(tx.cols.Transactions)})
}
