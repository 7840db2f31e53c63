package worker

import (
	"context"
	"time"
)

// Task 代表要執行的任務
type Task struct {
	Name    string                          // 任務名稱（結果以此對應）
	Timeout time.Duration                   // 執行超時時間；0 表示不限
	Run     func(ctx context.Context) error // 實際工作
}

// Result 代表任務執行結果
type Result struct {
	Name     string        // 任務名稱
	Success  bool          // 執行是否成功
	Error    error         // 錯誤訊息（如果有）
	Duration time.Duration // 實際執行時間
}
