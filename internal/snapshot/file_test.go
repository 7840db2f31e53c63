package snapshot

// ============================================================================
// 匯出檔測試
// 職責：驗證原子性寫入、載入與錯誤處理
// ============================================================================

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/ledger-runtime/pkg/types"
)

func sampleState(accountName string) types.ExportedState {
	c := types.NewCollections()
	c.Accounts["a1"] = types.Account{ID: "a1", Name: accountName, Balance: 12345}
	c.Transactions["t1"] = types.Transaction{ID: "t1", AccountID: "a1", Amount: -500, RunningBalance: 12345}
	return types.ExportedState{
		Version:     types.ExportVersion,
		ExportedAt:  time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Collections: c,
	}
}

// TestWriteAndLoad 測試寫入與載入
func TestWriteAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "export.json")
	manager := NewManager(path)
	assert.Equal(t, path, manager.GetPath())
	assert.False(t, manager.Exists())

	original := sampleState("checking")
	require.NoError(t, manager.Write(original))
	assert.True(t, manager.Exists())

	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.Equal(t, original.Version, loaded.Version)
	assert.True(t, original.ExportedAt.Equal(loaded.ExportedAt))
	assert.Equal(t, original.Collections.Accounts, loaded.Collections.Accounts)
	assert.Equal(t, original.Collections.Transactions["t1"].Amount, loaded.Collections.Transactions["t1"].Amount)

	// 空集合載入後不為 nil
	assert.NotNil(t, loaded.Collections.Files)
	assert.NotNil(t, loaded.Collections.CategoryAssignments)

	// 臨時檔案不應殘留
	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err), "temp file should not exist after write")
}

// TestAtomicWrite 寫入期間讀取只會看到完整的舊檔或新檔
func TestAtomicWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "export.json")
	manager := NewManager(path)
	require.NoError(t, manager.Write(sampleState("old")))

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		assert.NoError(t, manager.Write(sampleState("new")))
	}()

	var loaded types.ExportedState
	go func() {
		defer wg.Done()
		time.Sleep(5 * time.Millisecond)
		s, err := manager.Load()
		assert.NoError(t, err)
		loaded = s
	}()

	wg.Wait()

	name := loaded.Collections.Accounts["a1"].Name
	assert.True(t, name == "old" || name == "new", "got %q", name)
}

// TestLoadMissingFile 匯入不存在的檔案為錯誤
func TestLoadMissingFile(t *testing.T) {
	_, err := ReadFile(filepath.Join(t.TempDir(), "missing.json"))
	assert.ErrorIs(t, err, ErrSnapshotNotFound)
}

// TestCorrupted 半截斷的 JSON
func TestCorrupted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "export.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"version": 1, "collections": {"accounts": {`), 0644))

	_, err := ReadFile(path)
	assert.ErrorIs(t, err, ErrCorruptedSnapshot)
}

// TestWriteFailure 目錄不存在時寫入失敗
func TestWriteFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "no", "such", "dir", "export.json")
	assert.Error(t, WriteFile(path, sampleState("x")))
}

// TestVersionIsNotRewritten 版本號原樣寫出，交由 Import 驗證
func TestVersionIsNotRewritten(t *testing.T) {
	path := filepath.Join(t.TempDir(), "export.json")
	state := sampleState("x")
	state.Version = 99
	require.NoError(t, WriteFile(path, state))

	loaded, err := ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 99, loaded.Version)
}
