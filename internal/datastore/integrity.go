package datastore

import (
	"context"
	"sort"

	"github.com/ChuLiYu/ledger-runtime/internal/eventbus"
	"github.com/ChuLiYu/ledger-runtime/pkg/types"
)

// IntegrityReport lists records that break referential integrity.
type IntegrityReport struct {
	OrphanedTransactions []string `json:"orphaned_transactions"` // account missing
	OrphanedFileRefs     []string `json:"orphaned_file_refs"`    // transaction ids whose file is missing
	OrphanedAssignments  []string `json:"orphaned_assignments"`  // transaction or category missing
}

// OK reports whether nothing is orphaned.
func (r IntegrityReport) OK() bool { return r.Total() == 0 }

// Total is the number of findings.
func (r IntegrityReport) Total() int {
	return len(r.OrphanedTransactions) + len(r.OrphanedFileRefs) + len(r.OrphanedAssignments)
}

// RepairResult counts what RepairIntegrity changed.
type RepairResult struct {
	TransactionsDeleted int `json:"transactions_deleted"`
	FileRefsCleared     int `json:"file_refs_cleared"`
	AssignmentsDeleted  int `json:"assignments_deleted"`
}

func scan(c types.Collections) IntegrityReport {
	var r IntegrityReport
	for id, t := range c.Transactions {
		if _, ok := c.Accounts[t.AccountID]; !ok {
			r.OrphanedTransactions = append(r.OrphanedTransactions, id)
			continue
		}
		if t.FileID != "" {
			if _, ok := c.Files[t.FileID]; !ok {
				r.OrphanedFileRefs = append(r.OrphanedFileRefs, id)
			}
		}
	}
	for id, a := range c.CategoryAssignments {
		_, txOK := c.Transactions[a.TransactionID]
		_, catOK := c.Categories[a.CategoryID]
		if !txOK || !catOK {
			r.OrphanedAssignments = append(r.OrphanedAssignments, id)
		}
	}
	sort.Strings(r.OrphanedTransactions)
	sort.Strings(r.OrphanedFileRefs)
	sort.Strings(r.OrphanedAssignments)
	return r
}

// CheckIntegrity scans the collections without changing anything.
func (s *Store) CheckIntegrity() IntegrityReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return scan(s.cols)
}

// RepairIntegrity deletes orphaned transactions and assignments and clears
// dangling file references, all in one transaction. Assignments that become
// orphaned by the transaction deletions are removed too.
func (s *Store) RepairIntegrity(ctx context.Context) (RepairResult, error) {
	var res RepairResult
	_, err := s.ExecuteTransaction(ctx, "repair_integrity", func(tx *Tx) error {
		res = RepairResult{}
		report := scan(*tx.cols)
		if report.OK() {
			return nil
		}

		for _, id := range report.OrphanedTransactions {
			delete(tx.cols.Transactions, id)
			tx.touch(types.CollectionTransactions)
			res.TransactionsDeleted++
		}
		for _, id := range report.OrphanedFileRefs {
			t := tx.cols.Transactions[id]
			t.FileID = ""
			tx.cols.Transactions[id] = t
			tx.touch(types.CollectionTransactions)
			res.FileRefsCleared++
		}
		// rescan assignments after the transaction deletions
		for _, id := range scan(*tx.cols).OrphanedAssignments {
			tx.RemoveAssignment(id)
			res.AssignmentsDeleted++
		}

		if res.TransactionsDeleted > 0 {
			tx.Emit(eventbus.TransactionsUpdated, eventbus.TransactionsUpdatedPayload{DeletedCount: res.TransactionsDeleted})
		}
		return nil
	})
	if err == nil && (res != RepairResult{}) {
		log.Info("Integrity repaired",
			"transactions", res.TransactionsDeleted,
			"file_refs", res.FileRefsCleared,
			"assignments", res.AssignmentsDeleted)
	}
	return res, err
}
