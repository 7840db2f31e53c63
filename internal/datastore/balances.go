package datastore

import (
	"sort"

	"github.com/ChuLiYu/ledger-runtime/internal/eventbus"
	"github.com/ChuLiYu/ledger-runtime/pkg/types"
)

// BalanceUpdated is the ACCOUNT_UPDATED action for recomputed balances.
const BalanceUpdated = "balance_updated"

// later reports whether a sorts after b: posted time first, then the plain
// date, then id so the order is total.
func later(a, b types.Transaction) bool {
	if !a.PostedAt.Equal(b.PostedAt) {
		return a.PostedAt.After(b.PostedAt)
	}
	if !a.Date.Equal(b.Date) {
		return a.Date.After(b.Date)
	}
	return a.ID > b.ID
}

// SortTransactions orders transactions oldest first.
func SortTransactions(txns []types.Transaction) {
	sort.Slice(txns, func(i, j int) bool { return later(txns[j], txns[i]) })
}

// RecomputeBalances sets each existing account's balance to the running
// balance of its latest transaction (zero without transactions), then queues
// one ACCOUNT_UPDATED per account and a single ACCOUNTS_UPDATED.
// Unknown ids are ignored. Returns the updated ids, sorted.
func (tx *Tx) RecomputeBalances(accountIDs ...string) []string {
	wanted := make(map[string]bool, len(accountIDs))
	for _, id := range accountIDs {
		if _, ok := tx.cols.Accounts[id]; ok {
			wanted[id] = true
		}
	}
	if len(wanted) == 0 {
		return nil
	}

	latest := make(map[string]types.Transaction, len(wanted))
	for _, t := range tx.cols.Transactions {
		if !wanted[t.AccountID] {
			continue
		}
		if cur, ok := latest[t.AccountID]; !ok || later(t, cur) {
			latest[t.AccountID] = t
		}
	}

	ids := make([]string, 0, len(wanted))
	for id := range wanted {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		acct := tx.cols.Accounts[id]
		acct.Balance = 0
		if t, ok := latest[id]; ok {
			acct.Balance = t.RunningBalance
		}
		acct.UpdatedAt = tx.now
		tx.cols.Accounts[id] = acct
		tx.touch(types.CollectionAccounts)

		tx.Emit(eventbus.AccountUpdated, eventbus.AccountUpdatedPayload{AccountID: id, Action: BalanceUpdated})
	}
	tx.Emit(eventbus.AccountsUpdated, eventbus.AccountsUpdatedPayload{UpdatedAccountIDs: ids})
	return ids
}
