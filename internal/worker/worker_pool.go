// ============================================================================
// Ledger Runtime Worker Pool - 並發任務執行器
// ============================================================================
//
// Package: internal/worker
// 文件: worker_pool.go
// 功能: 管理多個 Worker goroutine 的生命週期和任務分發
//
// 設計模式:
//   採用 Worker Pool 模式：
//   1. 固定數量的 Worker goroutine 持續運行
//   2. 通過共享的任務 channel 分發任務
//   3. 通過結果 channel 收集執行結果
//
// 架構組件:
//   ┌──────────────┐
//   │ Orchestrator │ --Submit()--> taskCh
//   └──────────────┘
//         ↑
//    ReceiveResult()
//         ↑
//   ┌─────────────┐
//   │   Pool      │
//   │  ┌────────┐ │
//   │  │Worker 1│←── taskCh
//   │  │Worker 2│←── taskCh   ──→ resultCh
//   │  │Worker N│←── taskCh
//   │  └────────┘ │
//   └─────────────┘
//
// 生命週期:
//   1. NewPool() - 創建 Pool，初始化 channels
//   2. Start(n) / StartContext(ctx, n) - 啟動 n 個 Worker goroutines
//   3. Submit(task) - 提交任務到 taskCh
//   4. ReceiveResult() - 從 resultCh 讀取結果
//   5. Stop() - 關閉 stopCh，等待所有 Worker 退出
//
// 並發控制:
//   - taskCh 不會被關閉；Worker 透過 stopCh 退出，因此 Submit 與 Stop
//     之間不存在向已關閉 channel 發送的可能
//   - resultCh 在所有 Worker 退出後關閉
//
// 編排器使用 RunUntil：每個 tier 以 maxParallel 個 Worker 扇出，
// 收齊全部結果後才回傳；關鍵失敗後尚未取出的任務不再執行。
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrPoolClosed 表示當前 Pool 已關閉，無法提交新任務
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted 表示 Pool 尚未啟動，無法提交任務
	ErrPoolNotStarted = errors.New("worker pool not started")
	// ErrAborted 表示任務在中止後才被取出，因此未執行
	ErrAborted = errors.New("worker run aborted before task started")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Pool 代表 Worker 池，管理多個並發的 Worker
type Pool struct {
	workers  []*Worker      // 所有啟動的 Worker 實例
	taskCh   chan Task      // 任務通道
	resultCh chan Result    // 結果通道
	stopCh   chan struct{}  // 停止訊號
	wg       sync.WaitGroup // 等待所有 Worker 完成
	started  bool
	stopped  bool
	mu       sync.Mutex // 保護 started 和 stopped 狀態
}

// NewPool 建立新的 Worker Pool
//
// 參數：
//   - bufferSize: 任務和結果通道的緩衝大小
func NewPool(bufferSize int) *Pool {
	return &Pool{
		workers:  make([]*Worker, 0),
		taskCh:   make(chan Task, bufferSize),
		resultCh: make(chan Result, bufferSize),
		stopCh:   make(chan struct{}),
	}
}

// Start 啟動指定數量的 Worker（任務 Context 來自 context.Background）
func (p *Pool) Start(workerCount int) error {
	return p.StartContext(context.Background(), workerCount)
}

// StartContext 啟動指定數量的 Worker，所有任務的 Context 皆衍生自 ctx
func (p *Pool) StartContext(ctx context.Context, workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return errors.New("pool already started")
	}
	if workerCount < 1 {
		workerCount = 1
	}

	for i := 0; i < workerCount; i++ {
		worker := newWorker(ctx, i, p.taskCh, p.resultCh, p.stopCh)
		p.workers = append(p.workers, worker)

		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run()
		}(worker)
	}

	p.started = true
	return nil
}

// Submit 提交任務到 Worker Pool（緩衝已滿時阻塞，直到有 Worker 取走或 Pool 停止）
func (p *Pool) Submit(task Task) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return ErrPoolNotStarted
	}
	if p.stopped {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.mu.Unlock()

	select {
	case p.taskCh <- task:
		return nil
	case <-p.stopCh:
		return ErrPoolClosed
	}
}

// ReceiveResult 從結果通道接收執行結果
func (p *Pool) ReceiveResult() (Result, error) {
	select {
	case result, ok := <-p.resultCh:
		if !ok {
			return Result{}, ErrPoolClosed
		}
		return result, nil
	case <-p.stopCh:
		return Result{}, ErrPoolClosed
	}
}

// Stop 關閉 Worker Pool
//
// 關閉流程：
//  1. 設定 stopped 標誌
//  2. 關閉 stopCh，Worker 完成當前任務後退出；排隊中的任務被捨棄
//  3. 等待所有 Worker 退出
//  4. 關閉 resultCh
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	close(p.stopCh)
	p.wg.Wait()
	close(p.resultCh)
}

// GetWorkerCount 返回當前 Worker 數量
func (p *Pool) GetWorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// IsStarted 檢查 Pool 是否已啟動
func (p *Pool) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}

// RunAll 以最多 workers 個並發執行全部任務，回傳順序與 tasks 相同的結果
func RunAll(ctx context.Context, workers int, tasks []Task) []Result {
	return RunUntil(ctx, workers, tasks, nil)
}

// RunUntil 與 RunAll 相同，但 stop 對某個結果回傳 true 後，
// 尚未被 Worker 取出的任務直接以 ErrAborted 結束；執行中的任務照常完成。
//
// 提交在獨立 goroutine 中進行，主 goroutine 同時收集結果，
// 因此任務數量不受通道緩衝大小限制。
func RunUntil(ctx context.Context, workers int, tasks []Task, stop func(Result) bool) []Result {
	results := make([]Result, len(tasks))
	if len(tasks) == 0 {
		return results
	}
	if workers > len(tasks) {
		workers = len(tasks)
	}

	pool := NewPool(len(tasks))
	if err := pool.StartContext(ctx, workers); err != nil {
		for i, t := range tasks {
			results[i] = Result{Name: t.Name, Error: err}
		}
		return results
	}
	defer pool.Stop()

	index := make(map[string][]int, len(tasks))
	for i, t := range tasks {
		index[t.Name] = append(index[t.Name], i)
	}

	var aborted atomic.Bool
	guarded := make([]Task, len(tasks))
	for i, t := range tasks {
		guarded[i] = guard(t, &aborted, stop)
	}

	go func() {
		for _, t := range guarded {
			if err := pool.Submit(t); err != nil {
				return
			}
		}
	}()

	for range tasks {
		r, err := pool.ReceiveResult()
		if err != nil {
			break
		}
		slots := index[r.Name]
		results[slots[0]] = r
		index[r.Name] = slots[1:]
	}
	return results
}

// guard 在任務被取出時檢查中止旗標，並在任務結束時（Worker 取下一個任務之前）評估 stop
func guard(t Task, aborted *atomic.Bool, stop func(Result) bool) Task {
	run := t.Run
	if run == nil {
		return t
	}
	name := t.Name
	t.Run = func(ctx context.Context) error {
		if aborted.Load() {
			return ErrAborted
		}
		err := run(ctx)
		if stop != nil && stop(Result{Name: name, Success: err == nil, Error: err}) {
			aborted.Store(true)
		}
		return err
	}
	return t
}
