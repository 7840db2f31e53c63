package datastore

import (
	"context"
	"fmt"

	"github.com/ChuLiYu/ledger-runtime/internal/eventbus"
	"github.com/ChuLiYu/ledger-runtime/pkg/types"
)

// InsertResult reports what InsertTransactions did.
type InsertResult struct {
	Inserted int      `json:"inserted"`
	Skipped  int      `json:"skipped"`
	Accounts []string `json:"accounts"`
}

// InsertTransactions adds a batch of transactions. Ids that already exist,
// or repeat within the batch, are dropped silently. Balances of the affected
// accounts are recomputed in the same transaction.
func (s *Store) InsertTransactions(ctx context.Context, txns []types.Transaction) (InsertResult, error) {
	var res InsertResult
	_, err := s.ExecuteTransaction(ctx, "insert_transactions", func(tx *Tx) error {
		res = InsertResult{}
		seen := make(map[string]bool, len(txns))
		var affected []string
		for _, t := range txns {
			if seen[t.ID] || tx.HasTransaction(t.ID) {
				res.Skipped++
				continue
			}
			seen[t.ID] = true
			if err := tx.PutTransaction(t); err != nil {
				return err
			}
			res.Inserted++
			affected = append(affected, t.AccountID)
		}
		if res.Inserted == 0 {
			return nil
		}
		res.Accounts = tx.RecomputeBalances(affected...)
		tx.Emit(eventbus.TransactionsUpdated, eventbus.TransactionsUpdatedPayload{Count: res.Inserted})
		return nil
	})
	return res, err
}

// DeleteTransactions removes transactions by id (unknown ids are ignored)
// and recomputes the affected balances.
func (s *Store) DeleteTransactions(ctx context.Context, ids []string) (int, error) {
	deleted := 0
	_, err := s.ExecuteTransaction(ctx, "delete_transactions", func(tx *Tx) error {
		deleted = 0
		var affected []string
		for _, id := range ids {
			t, ok := tx.Transaction(id)
			if !ok {
				continue
			}
			tx.RemoveTransaction(id)
			affected = append(affected, t.AccountID)
			deleted++
		}
		if deleted == 0 {
			return nil
		}
		tx.RecomputeBalances(affected...)
		tx.Emit(eventbus.TransactionsUpdated, eventbus.TransactionsUpdatedPayload{DeletedCount: deleted})
		return nil
	})
	return deleted, err
}

// UpsertAccount creates or updates an account. The balance is always
// derived from the account's transactions.
func (s *Store) UpsertAccount(ctx context.Context, a types.Account) error {
	_, err := s.ExecuteTransaction(ctx, "upsert_account", func(tx *Tx) error {
		action := "created"
		if _, ok := tx.Account(a.ID); ok {
			action = "updated"
		}
		a.UpdatedAt = tx.Now()
		if err := tx.PutAccount(a); err != nil {
			return err
		}
		tx.Emit(eventbus.AccountUpdated, eventbus.AccountUpdatedPayload{AccountID: a.ID, Action: action})
		tx.RecomputeBalances(a.ID)
		return nil
	})
	return err
}

// DeleteAccount removes an account together with its transactions.
func (s *Store) DeleteAccount(ctx context.Context, id string) (int, error) {
	deleted := 0
	_, err := s.ExecuteTransaction(ctx, "delete_account", func(tx *Tx) error {
		deleted = 0
		if !tx.RemoveAccount(id) {
			return fmt.Errorf("%w: account %q", ErrNotFound, id)
		}
		for _, t := range tx.AccountTransactions(id) {
			tx.RemoveTransaction(t.ID)
			deleted++
		}
		tx.Emit(eventbus.AccountUpdated, eventbus.AccountUpdatedPayload{AccountID: id, Action: "deleted"})
		if deleted > 0 {
			tx.Emit(eventbus.TransactionsUpdated, eventbus.TransactionsUpdatedPayload{DeletedCount: deleted, AccountID: id})
		}
		return nil
	})
	return deleted, err
}

// AddFile records an uploaded statement file.
func (s *Store) AddFile(ctx context.Context, f types.FileRecord) error {
	_, err := s.ExecuteTransaction(ctx, "add_file", func(tx *Tx) error {
		if f.AccountID != "" {
			if _, ok := tx.Account(f.AccountID); !ok {
				return fmt.Errorf("%w: file %s references %q", ErrUnknownAccount, f.ID, f.AccountID)
			}
		}
		if f.UploadedAt.IsZero() {
			f.UploadedAt = tx.Now()
		}
		if err := tx.PutFile(f); err != nil {
			return err
		}
		tx.Emit(eventbus.FileUploaded, eventbus.FileUploadedPayload{FileID: f.ID, FileName: f.Name})
		return nil
	})
	return err
}

// DeleteFile removes a file record; transactions imported from it keep
// existing but lose the reference.
func (s *Store) DeleteFile(ctx context.Context, id string) error {
	_, err := s.ExecuteTransaction(ctx, "delete_file", func(tx *Tx) error {
		if !tx.RemoveFile(id) {
			return fmt.Errorf("%w: file %q", ErrNotFound, id)
		}
		tx.Emit(eventbus.FileDeleted, eventbus.FileDeletedPayload{FileID: id})
		return nil
	})
	return err
}

// UpsertCategory creates or updates a category.
func (s *Store) UpsertCategory(ctx context.Context, c types.Category) error {
	_, err := s.ExecuteTransaction(ctx, "upsert_category", func(tx *Tx) error {
		return tx.PutCategory(c)
	})
	return err
}

// AssignCategory links a transaction to a category. A transaction has at
// most one assignment; assigning again replaces it.
func (s *Store) AssignCategory(ctx context.Context, a types.CategoryAssignment) error {
	_, err := s.ExecuteTransaction(ctx, "assign_category", func(tx *Tx) error {
		a.ID = a.TransactionID
		if a.Source == "" {
			a.Source = "manual"
		}
		if a.AssignedAt.IsZero() {
			a.AssignedAt = tx.Now()
		}
		if err := tx.PutAssignment(a); err != nil {
			return err
		}
		tx.Emit(eventbus.TransactionsUpdated, eventbus.TransactionsUpdatedPayload{Count: 1})
		return nil
	})
	return err
}

// ClearAll removes every record of every collection.
func (s *Store) ClearAll(ctx context.Context) (map[types.Collection]int, error) {
	var counts map[types.Collection]int
	_, err := s.ExecuteTransaction(ctx, "clear_all", func(tx *Tx) error {
		counts = tx.cols.Counts()
		tx.Replace(types.NewCollections())

		payload := eventbus.DataClearedPayload{Counts: make(map[string]int, len(counts))}
		for c, n := range counts {
			payload.Counts[string(c)] = n
		}
		tx.Emit(eventbus.DataCleared, payload)
		return nil
	})
	return counts, err
}
