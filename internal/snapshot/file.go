package snapshot

// ============================================================================
// 職責說明：
// 1. 將完整匯出狀態（五個集合 + 版本標記）序列化為 JSON 檔案
// 2. 使用原子性寫入（temp file + rename）防止損壞
// 3. 載入時偵測損壞的檔案；版本驗證由資料儲存層的 Import 負責
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/ChuLiYu/ledger-runtime/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	ErrCorruptedSnapshot = errors.New("snapshot file is corrupted")
	ErrSnapshotNotFound  = errors.New("snapshot file not found")
)

// Manager 匯出檔管理器
type Manager struct {
	path string     // 匯出檔案路徑
	mu   sync.Mutex // 保護檔案操作
}

// NewManager 建立匯出檔管理器實例
func NewManager(path string) *Manager {
	return &Manager{path: path}
}

// Write 原子性寫入匯出狀態
//
// 流程：
// 1. 寫入臨時檔案（.tmp）
// 2. 使用 os.Rename 原子性替換原始檔案
//
// 版本號由呼叫者設定（通常為 types.ExportVersion），此處不覆寫，
// 讓測試可以刻意寫出不相容版本。
func (m *Manager) Write(state types.ExportedState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// 帶縮排，方便人工閱讀與除錯
	jsonBytes, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal export: %w", err)
	}

	tmpPath := m.path + ".tmp"

	if err := os.WriteFile(tmpPath, jsonBytes, 0644); err != nil {
		return fmt.Errorf("failed to write temp export: %w", err)
	}

	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename export: %w", err)
	}

	return nil
}

// Load 載入匯出檔
//
// 與啟動用快照不同，匯入時檔案不存在是錯誤（ErrSnapshotNotFound）。
func (m *Manager) Load() (types.ExportedState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var state types.ExportedState

	jsonBytes, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return state, fmt.Errorf("%w: %s", ErrSnapshotNotFound, m.path)
		}
		return state, fmt.Errorf("failed to read export: %w", err)
	}

	if err := json.Unmarshal(jsonBytes, &state); err != nil {
		return state, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}

	// 確保 map 不為 nil
	state.Collections.Normalize()

	return state, nil
}

// Exists 檢查匯出檔案是否存在
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// GetPath 取得檔案路徑（用於測試與除錯）
func (m *Manager) GetPath() string {
	return m.path
}

// WriteFile 便利函式：寫入單一匯出檔
func WriteFile(path string, state types.ExportedState) error {
	return NewManager(path).Write(state)
}

// ReadFile 便利函式：讀取單一匯出檔
func ReadFile(path string) (types.ExportedState, error) {
	return NewManager(path).Load()
}
