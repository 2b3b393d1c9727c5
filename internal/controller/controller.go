// ============================================================================
// Archive Deposit 控制器 - 外部輪詢器
// ============================================================================
//
// Package: internal/controller
// 文件: controller.go
// 功能: 持有所有 parent depositable，週期性推進狀態機並持久化狀態
//
// 架構設計:
//   協調以下組件：
//   - deposit.Factory: 建立狀態、提交任務
//   - throttle.Queue:  節流佇列，由 drain 循環推進
//   - events.Channel:  狀態變更事件
//   - journal:         事件日誌（歷史與快照後的變更）
//   - snapshot:        所有 depositable 的快照
//
// 核心循環 (4 個並發 Goroutine):
//   1. Progress Loop - 對每個未完成的 parent 呼叫 Progress（不同 parent 併發）
//   2. Drain Loop    - 呼叫 Queue.Drain，啟動有空位的任務類型
//   3. Event Loop    - 消費事件：寫入 journal、更新 metrics
//   4. Snapshot Loop - 定期旋轉 journal 並寫入快照
//
// 崩潰恢復流程:
//   1. 載入快照，以 deposit.Restore 重建每個 parent
//   2. 重放 journal 中晚於快照時間的事件 (Parent.Apply)
//   3. 之後由 Progress 以確定性任務 ID 重新輪詢/提交，已完成的任務不會重跑
//
// 並發安全:
//   - 每個 parent 有自己的 mutex，同一 parent 的 Progress/Recover/Advance 序列化
//   - registry 由 RWMutex 保護
//   - Progress Loop 以 errgroup.SetLimit 限制併發度
//
// 隔離:
//   Progress 回傳 ErrIllegalEvent 的 parent 被隔離，不再推進，直到 Recover 或 Release
//
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/archive-deposit/internal/deposit"
	"github.com/ChuLiYu/archive-deposit/internal/events"
	"github.com/ChuLiYu/archive-deposit/internal/metrics"
	"github.com/ChuLiYu/archive-deposit/internal/snapshot"
	"github.com/ChuLiYu/archive-deposit/internal/storage/journal"
	"github.com/ChuLiYu/archive-deposit/internal/throttle"
	"github.com/ChuLiYu/archive-deposit/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	ErrAlreadyRegistered = errors.New("controller: depositable already registered")
	ErrAlreadyRunning    = errors.New("controller: already running")
	ErrClosed            = errors.New("controller: closed")
	ErrNoQueue           = errors.New("controller: no throttled queue configured")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Config Controller 配置
type Config struct {
	PollInterval      time.Duration // Progress 間隔
	DrainInterval     time.Duration // Queue.Drain 間隔
	SnapshotInterval  time.Duration // 快照間隔
	Concurrency       int           // 同時推進的 parent 數
	JournalPath       string        // 日誌檔案路徑
	SnapshotPath      string        // 快照檔案路徑
	JournalSync       bool          // 寫入後 fsync
	JournalBufferSize int           // 日誌批次緩衝大小
	JournalBackups    int           // 保留的舊日誌數，負數表示全部保留
	SnapshotBackups   int           // 保留的舊快照數
	EventBuffer       int           // 事件通道緩衝大小
}

// Deps 外部協作者
type Deps struct {
	Factory *deposit.Factory
	Queue   *throttle.Queue    // nil: 不執行 drain 循環
	Metrics *metrics.Collector // nil: 不記錄指標
}

// Controller 核心控制器
type Controller struct {
	config   Config
	factory  *deposit.Factory
	queue    *throttle.Queue
	metrics  *metrics.Collector
	sink     *events.Channel
	journal  *journal.Journal
	snapshot *snapshot.Manager

	mu      sync.RWMutex      // 保護 entries
	entries map[string]*entry // parent uniqueIdentifier → entry

	runMu     sync.Mutex // 保護以下生命週期欄位
	running   bool
	closed    bool
	restored  bool
	cancel    context.CancelFunc
	startTime time.Time
	loopWg    sync.WaitGroup // 等待 progress/drain/snapshot 循環退出
	eventWg   sync.WaitGroup // 等待 event 循環退出

	snapMu sync.Mutex // 序列化快照
}

type entry struct {
	mu          sync.Mutex
	parent      *deposit.Parent
	quarantined string // 隔離原因，空字串表示未隔離
}

// ============================================================================
// 核心方法實作
// ============================================================================

// New 建立 Controller；開啟 journal，但不載入快照
func New(config Config, deps Deps) (*Controller, error) {
	if deps.Factory == nil {
		return nil, errors.New("controller: factory is required")
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 5 * time.Second
	}
	if config.DrainInterval <= 0 {
		config.DrainInterval = time.Second
	}
	if config.SnapshotInterval <= 0 {
		config.SnapshotInterval = time.Minute
	}
	if config.Concurrency <= 0 {
		config.Concurrency = 1
	}

	if dir := filepath.Dir(config.JournalPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create journal directory: %w", err)
		}
	}
	j, err := journal.Open(config.JournalPath, journal.Options{
		SyncOnAppend: config.JournalSync,
		BufferSize:   config.JournalBufferSize,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	return &Controller{
		config:   config,
		factory:  deps.Factory,
		queue:    deps.Queue,
		metrics:  deps.Metrics,
		sink:     events.NewChannel(config.EventBuffer),
		journal:  j,
		snapshot: snapshot.NewManager(config.SnapshotPath),
		entries:  make(map[string]*entry),
	}, nil
}

// Restore 從快照與 journal 恢復狀態，只執行一次
//
// 離線命令（recover、status）在不啟動循環的情況下直接呼叫
func (c *Controller) Restore() error {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	return c.restoreLocked()
}

func (c *Controller) restoreLocked() error {
	if c.closed {
		return ErrClosed
	}
	if c.restored {
		return nil
	}
	start := time.Now()

	data, err := c.snapshot.Load()
	if err != nil {
		return fmt.Errorf("failed to load snapshot: %w", err)
	}

	c.mu.Lock()
	for _, r := range data.Depositables {
		p, err := deposit.Restore(c.factory, r)
		if err != nil {
			slog.Error("Failed to restore depositable", "uid", r.UniqueIdentifier(), "error", err)
			continue
		}
		p.SetSink(c.sink)
		c.entries[p.UniqueIdentifier()] = &entry{parent: p}
	}
	c.mu.Unlock()

	if c.queue != nil && data.QueuePaused {
		c.queue.SetPaused(true)
	}

	replayed, err := c.replayJournal(data.TakenAt)
	if err != nil {
		return fmt.Errorf("failed to replay journal: %w", err)
	}
	c.restored = true

	recoveryTime := time.Since(start)
	if c.metrics != nil {
		c.metrics.SetRecoveryTime(recoveryTime.Seconds())
	}
	slog.Info("Recovery completed",
		"duration", recoveryTime,
		"depositables", len(data.Depositables),
		"replayed_events", replayed)
	return nil
}

// replayJournal 套用快照時間之後的事件
//
// 較早的事件已反映在快照中；找不到的 depositable 只記錄警告
func (c *Controller) replayJournal(since time.Time) (int, error) {
	replayed := 0
	err := c.journal.Replay(func(e journal.Entry) error {
		if !e.Event.Time.After(since) {
			return nil
		}
		c.mu.RLock()
		en, ok := c.entries[parentUID(e.Event.UniqueIdentifier)]
		c.mu.RUnlock()
		if !ok {
			slog.Warn("Journal event for unknown depositable", "uid", e.Event.UniqueIdentifier, "seq", e.Seq)
			return nil
		}
		if err := en.parent.Apply(e.Event); err != nil {
			slog.Warn("Failed to apply journal event", "uid", e.Event.UniqueIdentifier, "seq", e.Seq, "error", err)
			return nil
		}
		replayed++
		return nil
	})
	return replayed, err
}

// Start 恢復狀態並啟動四個核心循環
func (c *Controller) Start(ctx context.Context) error {
	c.runMu.Lock()
	defer c.runMu.Unlock()

	if c.running {
		return ErrAlreadyRunning
	}
	if err := c.restoreLocked(); err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.running = true
	c.startTime = time.Now()

	c.eventWg.Add(1)
	go c.eventLoop()

	c.loopWg.Add(2)
	go c.progressLoop(loopCtx)
	go c.snapshotLoop(loopCtx)
	if c.queue != nil {
		c.loopWg.Add(1)
		go c.drainLoop(loopCtx)
	}

	slog.Info("Controller started",
		"poll_interval", c.config.PollInterval,
		"concurrency", c.config.Concurrency)
	return nil
}

// Running 回傳循環是否執行中
func (c *Controller) Running() bool {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	return c.running
}

// ============================================================================
// 四個核心循環
// ============================================================================

func (c *Controller) progressLoop(ctx context.Context) {
	defer c.loopWg.Done()
	ticker := time.NewTicker(c.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Progress loop stopped")
			return
		case <-ticker.C:
			c.ProgressOnce(ctx)
		}
	}
}

func (c *Controller) drainLoop(ctx context.Context) {
	defer c.loopWg.Done()
	ticker := time.NewTicker(c.config.DrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Drain loop stopped")
			return
		case <-ticker.C:
			if started := c.queue.Drain(ctx); started > 0 {
				slog.Debug("Queued jobs started", "count", started)
			}
			c.updateQueueGauges()
		}
	}
}

// eventLoop 一直執行到事件通道關閉
func (c *Controller) eventLoop() {
	defer c.eventWg.Done()
	c.sink.Consume(context.Background(), c.handleEvent)
	slog.Info("Event loop stopped")
}

func (c *Controller) snapshotLoop(ctx context.Context) {
	defer c.loopWg.Done()
	ticker := time.NewTicker(c.config.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Snapshot loop stopped")
			return
		case <-ticker.C:
			if err := c.TakeSnapshot(); err != nil {
				slog.Error("Failed to take snapshot", "error", err)
			}
		}
	}
}

// ProgressOnce 對所有可推進的 parent 執行一輪 Progress
//
// 不同 parent 併發，同一 parent 由其 mutex 序列化
func (c *Controller) ProgressOnce(ctx context.Context) {
	start := time.Now()
	stop := c.consumeDuring()

	var g errgroup.Group
	g.SetLimit(c.config.Concurrency)
	for _, e := range c.sortedEntries() {
		g.Go(func() error {
			c.progressEntry(ctx, e)
			return nil
		})
	}
	_ = g.Wait()

	stop()
	if c.metrics != nil {
		c.metrics.ObserveProgressPass(time.Since(start).Seconds())
		c.metrics.UpdateDepositables(c.stateCounts())
	}
}

func (c *Controller) progressEntry(ctx context.Context, e *entry) {
	e.mu.Lock()
	defer e.mu.Unlock()

	p := e.parent
	if e.quarantined != "" || p.IsDeposited() || p.IsFailedDeposit() || ctx.Err() != nil {
		return
	}

	err := p.Progress(ctx)
	if err == nil {
		return
	}
	if errors.Is(err, deposit.ErrIllegalEvent) {
		e.quarantined = err.Error()
		slog.Error("Depositable quarantined", "uid", p.UniqueIdentifier(), "error", err)
		if c.metrics != nil {
			c.metrics.RecordIllegalEvent()
		}
		return
	}
	slog.Warn("Progress failed", "uid", p.UniqueIdentifier(), "error", err)
}

// handleEvent 寫入 journal 並更新 metrics；終態事件立即落盤
func (c *Controller) handleEvent(e deposit.Event) {
	if _, err := c.journal.Append(e, e.To.IsTerminal()); err != nil {
		slog.Error("Failed to append journal event", "uid", e.UniqueIdentifier, "error", err)
		if c.metrics != nil {
			c.metrics.RecordJournalError()
		}
	}
	if c.metrics != nil {
		c.metrics.RecordTransition(e.Kind, e.From, e.To)
	}
	slog.Debug("State changed", "uid", e.UniqueIdentifier, "from", e.From, "to", e.To)
}

// consumeDuring 未啟動循環時在操作期間併行消費事件；Emit 在緩衝區滿時阻塞
//
// 回傳的 stop 結束消費並處理剩餘事件
func (c *Controller) consumeDuring() (stop func()) {
	c.runMu.Lock()
	running := c.running
	c.runMu.Unlock()
	if running {
		return func() {}
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.sink.Consume(ctx, c.handleEvent)
	}()
	return func() {
		cancel()
		<-done
	}
}

// TakeSnapshot 旋轉 journal 並寫入快照
//
// 先旋轉再記錄快照時間：舊日誌中的事件都早於快照時間，必已反映在快照中
func (c *Controller) TakeSnapshot() error {
	c.snapMu.Lock()
	defer c.snapMu.Unlock()
	start := time.Now()

	if c.journal.LastSeq() > 0 {
		if _, err := c.journal.Rotate(); err != nil {
			return fmt.Errorf("failed to rotate journal: %w", err)
		}
		if err := journal.PruneBackups(c.journal.Path(), c.config.JournalBackups); err != nil {
			slog.Warn("Failed to prune journal backups", "error", err)
		}
	}

	data := snapshot.Data{TakenAt: time.Now().UTC()}
	if c.queue != nil {
		data.QueuePaused = c.queue.Paused()
	}
	for _, e := range c.sortedEntries() {
		e.mu.Lock()
		data.Depositables = append(data.Depositables, e.parent.Record())
		e.mu.Unlock()
	}
	data.LastSeq = c.journal.LastSeq()

	if err := c.snapshot.WriteWithBackup(data, c.config.SnapshotBackups); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}

	slog.Info("Snapshot taken",
		"duration", time.Since(start),
		"depositables", len(data.Depositables))
	return nil
}

// Stop 優雅關閉 Controller
//
// 關閉順序：
//  1. cancel → progress/drain/snapshot 循環退出，不再產生事件
//  2. 關閉事件通道 → event 循環處理完緩衝後退出
//  3. Close → 最後一次快照並關閉 journal
func (c *Controller) Stop() {
	c.runMu.Lock()
	if !c.running {
		c.runMu.Unlock()
		c.Close()
		return
	}
	c.running = false
	cancel := c.cancel
	c.runMu.Unlock()

	slog.Info("Stopping controller...")
	cancel()
	c.loopWg.Wait()

	c.sink.Close()
	c.eventWg.Wait()

	c.Close()
	slog.Info("Controller stopped")
}

// Close 寫入最後的快照並關閉 journal；重複呼叫無作用
//
// 執行中時應改用 Stop
func (c *Controller) Close() error {
	c.runMu.Lock()
	if c.closed || c.running {
		c.runMu.Unlock()
		return nil
	}
	restored := c.restored
	c.closed = true
	c.runMu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c.sink.Consume(ctx, c.handleEvent)
	c.sink.Close()

	var err error
	// 未恢復過的 registry 不可覆寫既有快照
	if restored {
		if err = c.TakeSnapshot(); err != nil {
			slog.Error("Failed to take final snapshot", "error", err)
		}
	}
	if cerr := c.journal.Close(); cerr != nil {
		slog.Error("Failed to close journal", "error", cerr)
		if err == nil {
			err = cerr
		}
	}
	return err
}

// ============================================================================
// 內部輔助方法
// ============================================================================

func (c *Controller) sortedEntries() []*entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]string, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]*entry, 0, len(keys))
	for _, k := range keys {
		out = append(out, c.entries[k])
	}
	return out
}

func (c *Controller) stateCounts() map[types.StateType]int {
	counts := make(map[types.StateType]int)
	for _, e := range c.sortedEntries() {
		e.mu.Lock()
		counts[e.parent.StateType()]++
		e.mu.Unlock()
	}
	return counts
}

func (c *Controller) updateQueueGauges() {
	if c.metrics == nil || c.queue == nil {
		return
	}
	snap := c.queue.Snapshot()
	c.metrics.SetQueuePaused(snap.Paused)
	for _, t := range snap.Types {
		c.metrics.UpdateQueueStats(t.Type, len(t.Queued), len(t.Running))
	}
}

// parentUID 取出 uniqueIdentifier 的前兩段（<segment>/<id>）
func parentUID(uid string) string {
	parts := strings.SplitN(uid, "/", 3)
	if len(parts) < 2 {
		return uid
	}
	return parts[0] + "/" + parts[1]
}
