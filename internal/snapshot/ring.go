package snapshot

// ============================================================================
// 快照環（Snapshot Ring）
// 職責：
// 1. 在每次交易性變更前保存五個集合的完整拷貝
// 2. 有界保留（預設 5 個），最舊者先淘汰
// 3. 每個快照以獨立 key 持久化到 kv 後端，配額不足時降級為僅記憶體
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/ledger-runtime/internal/storage/kv"
	"github.com/ChuLiYu/ledger-runtime/pkg/types"
)

var log = slog.Default()

// KeyPrefix 快照在後端的 key 前綴
const KeyPrefix = "snapshot:"

// DefaultCapacity 預設保留數量
const DefaultCapacity = 5

// ErrNotPersisted 快照僅存在於記憶體（後端寫入失敗）
var ErrNotPersisted = errors.New("snapshot kept in memory only")

// Snapshot 不可變的五集合完整拷貝
type Snapshot struct {
	ID          string            `json:"id"`
	Seq         uint64            `json:"seq"`
	CreatedAt   time.Time         `json:"created_at"`
	Reason      string            `json:"reason"` // 觸發的交易名稱
	Collections types.Collections `json:"collections"`
	Persisted   bool              `json:"-"`
}

// Info 快照摘要（不含資料本體）
type Info struct {
	ID        string    `json:"id"`
	Seq       uint64    `json:"seq"`
	CreatedAt time.Time `json:"created_at"`
	Reason    string    `json:"reason"`
	Records   int       `json:"records"`
	Persisted bool      `json:"persisted"`
}

// Ring 有界快照環
type Ring struct {
	mu       sync.Mutex
	backend  kv.Backend
	capacity int
	items    []Snapshot // 依 Seq 由舊到新
	nextSeq  uint64
}

// NewRing 建立快照環；capacity <= 0 時使用 DefaultCapacity
func NewRing(backend kv.Backend, capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ring{
		backend:  backend,
		capacity: capacity,
		nextSeq:  1,
	}
}

func keyFor(seq uint64) string {
	return fmt.Sprintf("%s%020d", KeyPrefix, seq)
}

// Load 從後端載入已持久化的快照（啟動時呼叫）
//
// 損壞的項目會被跳過並記錄警告；超過容量的舊快照會被移除。
func (r *Ring) Load() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys, err := kv.KeysWithPrefix(r.backend, KeyPrefix)
	if err != nil {
		return fmt.Errorf("list snapshots: %w", err)
	}

	var loaded []Snapshot
	for _, k := range keys {
		raw, ok, err := r.backend.Get(k)
		if err != nil {
			return fmt.Errorf("read snapshot %s: %w", k, err)
		}
		if !ok {
			continue
		}
		var s Snapshot
		if err := json.Unmarshal([]byte(raw), &s); err != nil {
			log.Warn("skipping corrupted snapshot", "key", k, "error", err)
			continue
		}
		s.Collections.Normalize()
		s.Persisted = true
		loaded = append(loaded, s)
	}

	sort.Slice(loaded, func(i, j int) bool { return loaded[i].Seq < loaded[j].Seq })
	r.items = loaded
	for _, s := range loaded {
		if s.Seq >= r.nextSeq {
			r.nextSeq = s.Seq + 1
		}
	}
	r.evictLocked()
	return nil
}

// Take 建立新快照並加入環
//
// 回傳的快照一律可用於程序內回滾；err 非 nil 只代表持久化失敗
// （此時 Persisted 為 false，錯誤包裝 ErrNotPersisted）。
//
// 配額不足時的降級流程：
//  1. 移除所有較舊的快照，只持久化新快照
//  2. 仍失敗則僅保留於記憶體
func (r *Ring) Take(reason string, c types.Collections) (Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := Snapshot{
		ID:          uuid.NewString(),
		Seq:         r.nextSeq,
		CreatedAt:   time.Now().UTC(),
		Reason:      reason,
		Collections: c.Clone(),
	}
	r.nextSeq++

	err := r.persistLocked(s)
	if kv.IsQuotaExceeded(err) {
		log.Warn("snapshot hit quota, dropping older snapshots", "reason", reason, "older", len(r.items))
		r.dropLocked(len(r.items))
		err = r.persistLocked(s)
	}
	if err == nil {
		s.Persisted = true
	}

	r.items = append(r.items, s)
	r.evictLocked()

	if err != nil {
		return s, fmt.Errorf("%w: %v", ErrNotPersisted, err)
	}
	return s, nil
}

func (r *Ring) persistLocked(s Snapshot) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	return r.backend.Set(keyFor(s.Seq), string(data))
}

// evictLocked 淘汰超出容量的最舊快照
func (r *Ring) evictLocked() {
	if over := len(r.items) - r.capacity; over > 0 {
		r.dropLocked(over)
	}
}

// dropLocked 移除最舊的 n 個快照，回傳釋放的位元組數
func (r *Ring) dropLocked(n int) int64 {
	if n > len(r.items) {
		n = len(r.items)
	}
	var freed int64
	for _, s := range r.items[:n] {
		key := keyFor(s.Seq)
		raw, ok, err := r.backend.Get(key)
		if err != nil {
			log.Warn("read snapshot before removal failed", "key", key, "error", err)
		}
		if err := r.backend.Remove(key); err != nil {
			log.Warn("remove snapshot failed", "key", key, "error", err)
			continue
		}
		if ok {
			freed += kv.EntrySize(key, raw)
		}
	}
	r.items = append([]Snapshot(nil), r.items[n:]...)
	return freed
}

// Trim 只保留最新的 keep 個快照，回傳釋放的位元組數（清理策略使用）
func (r *Ring) Trim(keep int) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if keep < 0 {
		keep = 0
	}
	if len(r.items) <= keep {
		return 0
	}
	return r.dropLocked(len(r.items) - keep)
}

// Get 依 ID 取得快照
func (r *Ring) Get(id string) (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.items {
		if s.ID == id {
			return s, true
		}
	}
	return Snapshot{}, false
}

// List 列出所有快照摘要（由舊到新）
func (r *Ring) List() []Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Info, 0, len(r.items))
	for _, s := range r.items {
		records := 0
		for _, n := range s.Collections.Counts() {
			records += n
		}
		out = append(out, Info{
			ID:        s.ID,
			Seq:       s.Seq,
			CreatedAt: s.CreatedAt,
			Reason:    s.Reason,
			Records:   records,
			Persisted: s.Persisted,
		})
	}
	return out
}

// Len 目前保留的快照數
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}

// Capacity 環容量
func (r *Ring) Capacity() int {
	return r.capacity
}
