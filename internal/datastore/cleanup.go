package datastore

// ============================================================================
// 清理策略（由資料儲存層提供給配額監控器）
//
//   moderate:   trim_snapshots           只保留最新 2 個快照
//   aggressive: drop_snapshots           移除所有快照
//               archive_old_transactions 一年以上的交易壓縮封存
//
// 策略在 store lock 之外被呼叫；封存走內部交易路徑（不建立環快照、
// 配額失敗不再觸發緊急清理），避免清理過程自我遞迴。
// ============================================================================

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/ChuLiYu/ledger-runtime/internal/quota"
	"github.com/ChuLiYu/ledger-runtime/internal/storage/kv"
	"github.com/ChuLiYu/ledger-runtime/pkg/types"
)

// KeepSnapshotsModerate 中度清理保留的快照數
const KeepSnapshotsModerate = 2

// ArchivedBatch 封存內容（gzip 壓縮前的 JSON）
type ArchivedBatch struct {
	ArchivedAt          types.Metadata             `json:"meta"`
	Transactions        []types.Transaction        `json:"transactions"`
	CategoryAssignments []types.CategoryAssignment `json:"category_assignments,omitempty"`
}

// RegisterCleanup 將儲存層的策略註冊到監控器
func (s *Store) RegisterCleanup(m *quota.Monitor) {
	m.Register(quota.LevelModerate, quota.Strategy{
		Name:  "trim_snapshots",
		Order: 10,
		Run: func(context.Context) (int64, error) {
			return s.ring.Trim(KeepSnapshotsModerate), nil
		},
	})
	m.Register(quota.LevelAggressive, quota.Strategy{
		Name:  "drop_snapshots",
		Order: 10,
		Run: func(context.Context) (int64, error) {
			return s.ring.Trim(0), nil
		},
	})
	m.Register(quota.LevelAggressive, quota.Strategy{
		Name:  "archive_old_transactions",
		Order: 30,
		Run:   s.ArchiveOldTransactions,
	})
}

// ArchiveOldTransactions 將超過 archiveAge 的交易移入壓縮封存 key，
// 回傳釋放的位元組數（不會為負）。帳戶餘額不重算：封存的是歷史，不是現況。
func (s *Store) ArchiveOldTransactions(ctx context.Context) (int64, error) {
	before, err := kv.Usage(s.backend)
	if err != nil {
		return 0, err
	}

	archived := 0
	_, err = s.execute(ctx, "archive_old_transactions", func(tx *Tx) error {
		archived = 0
		cutoff := tx.Now().Add(-s.archiveAge)

		var old []types.Transaction
		ids := make(map[string]bool)
		for _, t := range tx.cols.Transactions {
			if t.Date.Before(cutoff) {
				old = append(old, t)
				ids[t.ID] = true
			}
		}
		if len(old) == 0 {
			return nil
		}
		SortTransactions(old)

		// 分類對應隨交易一起封存
		var assignments []types.CategoryAssignment
		for _, a := range tx.cols.CategoryAssignments {
			if ids[a.TransactionID] {
				assignments = append(assignments, a)
			}
		}
		sort.Slice(assignments, func(i, j int) bool { return assignments[i].ID < assignments[j].ID })

		payload, err := compress(ArchivedBatch{
			ArchivedAt:          types.Metadata{Version: SchemaVersion, LastUpdated: tx.Now(), LastTxName: tx.Name()},
			Transactions:        old,
			CategoryAssignments: assignments,
		})
		if err != nil {
			return err
		}
		tx.PutRaw(ArchiveKeyPrefix+strconv.FormatInt(tx.Now().UnixNano(), 10), payload)

		for _, t := range old {
			tx.RemoveTransaction(t.ID)
		}
		archived = len(old)
		return nil
	}, execOptions{})
	if err != nil {
		return 0, err
	}
	if archived == 0 {
		return 0, nil
	}

	after, err := kv.Usage(s.backend)
	if err != nil {
		return 0, err
	}
	log.Info("Transactions archived", "count", archived, "freed", before-after)
	if before < after {
		return 0, nil
	}
	return before - after, nil
}

// Archives 讀回所有封存批次（診斷與測試用）
func (s *Store) Archives() ([]ArchivedBatch, error) {
	keys, err := kv.KeysWithPrefix(s.backend, ArchiveKeyPrefix)
	if err != nil {
		return nil, err
	}
	var out []ArchivedBatch
	for _, k := range keys {
		raw, ok, err := s.backend.Get(k)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		batch, err := decompress(raw)
		if err != nil {
			return nil, fmt.Errorf("archive %s: %w", k, err)
		}
		out = append(out, batch)
	}
	return out, nil
}

func compress(batch ArchivedBatch) (string, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if err := json.NewEncoder(zw).Encode(batch); err != nil {
		return "", fmt.Errorf("encode archive: %w", err)
	}
	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("compress archive: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func decompress(raw string) (ArchivedBatch, error) {
	var batch ArchivedBatch
	data, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return batch, err
	}
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return batch, err
	}
	defer zr.Close()
	err = json.NewDecoder(zr).Decode(&batch)
	return batch, err
}
