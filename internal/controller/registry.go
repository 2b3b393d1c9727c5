package controller

// ============================================================================
// Registry - depositable 的註冊、查詢與操作員動作
// ============================================================================

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/archive-deposit/internal/deposit"
	"github.com/ChuLiYu/archive-deposit/internal/throttle"
	"github.com/ChuLiYu/archive-deposit/pkg/types"
)

// Status 單一 parent 的觀察視圖
type Status struct {
	deposit.Record
	UID         string `json:"uid"`
	Quarantined string `json:"quarantined,omitempty"`
}

// Manifest 待存檔清單檔案格式
//
//	depositables:
//	  - kind: observation
//	    id: "12345"
//	    children:
//	      - kind: catalogue
//	        filename: selavy-island.xml
//	        catalogue_type: continuum-island
type Manifest struct {
	Depositables []deposit.Record `yaml:"depositables"`
}

// Register 加入新的 parent 並立即寫入快照，重啟後不會遺失
func (c *Controller) Register(p *deposit.Parent) error {
	if err := c.Restore(); err != nil {
		return err
	}
	if err := c.add(p); err != nil {
		return err
	}
	slog.Info("Depositable registered", "uid", p.UniqueIdentifier(), "children", len(p.Children()))
	return c.TakeSnapshot()
}

func (c *Controller) add(p *deposit.Parent) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	uid := p.UniqueIdentifier()
	if _, exists := c.entries[uid]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, uid)
	}
	p.SetSink(c.sink)
	c.entries[uid] = &entry{parent: p}
	return nil
}

// LoadManifest 載入清單並註冊尚未存在的 parent
//
// 返回值：
//   - int: 新註冊數量
//   - error: 讀取或解析錯誤；單筆記錄無效時回傳錯誤且不註冊任何一筆
func (c *Controller) LoadManifest(path string) (int, error) {
	if err := c.Restore(); err != nil {
		return 0, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return 0, fmt.Errorf("failed to parse manifest: %w", err)
	}

	parents := make([]*deposit.Parent, 0, len(m.Depositables))
	for _, r := range m.Depositables {
		p, err := deposit.Restore(c.factory, r)
		if err != nil {
			return 0, fmt.Errorf("manifest entry %s: %w", r.UniqueIdentifier(), err)
		}
		parents = append(parents, p)
	}

	added := 0
	for _, p := range parents {
		if err := c.add(p); err != nil {
			slog.Info("Manifest entry already registered", "uid", p.UniqueIdentifier())
			continue
		}
		added++
	}
	slog.Info("Manifest loaded", "path", path, "entries", len(parents), "added", added)
	if added == 0 {
		return 0, nil
	}
	return added, c.TakeSnapshot()
}

// List 回傳所有 parent 的狀態，依 uniqueIdentifier 排序
func (c *Controller) List() []Status {
	entries := c.sortedEntries()
	out := make([]Status, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.status())
	}
	return out
}

// Get 回傳單一 parent 的狀態；uid 可為 child 的 uniqueIdentifier
func (c *Controller) Get(uid string) (Status, error) {
	e, _, err := c.resolve(uid)
	if err != nil {
		return Status{}, err
	}
	return e.status(), nil
}

// Recover 從 FAILED 恢復 parent 或 child，並解除隔離
func (c *Controller) Recover(ctx context.Context, uid string) error {
	e, d, err := c.resolve(uid)
	if err != nil {
		return err
	}

	stop := c.consumeDuring()
	e.mu.Lock()
	err = d.Recover(ctx)
	if err == nil {
		e.quarantined = ""
	}
	state, failures := d.StateType(), d.FailureCount()
	e.mu.Unlock()

	stop()
	if err != nil {
		return err
	}
	slog.Info("Depositable recovered", "uid", uid, "state", state, "failureCount", failures)
	return nil
}

// Advance 將等待工具推進的狀態移到 target
func (c *Controller) Advance(ctx context.Context, uid string, target types.StateType) error {
	e, d, err := c.resolve(uid)
	if err != nil {
		return err
	}

	stop := c.consumeDuring()
	e.mu.Lock()
	err = d.Advance(ctx, target)
	e.mu.Unlock()

	stop()
	if err != nil {
		return err
	}
	slog.Info("Depositable advanced", "uid", uid, "to", target)
	return nil
}

// Release 解除隔離但不改變狀態
func (c *Controller) Release(uid string) error {
	e, _, err := c.resolve(uid)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.quarantined = ""
	return nil
}

// Stats 回傳各狀態的 parent 數量
func (c *Controller) Stats() map[string]int {
	stats := map[string]int{"total": 0, "quarantined": 0}
	for _, e := range c.sortedEntries() {
		e.mu.Lock()
		stats[string(e.parent.StateType())]++
		if e.quarantined != "" {
			stats["quarantined"]++
		}
		e.mu.Unlock()
		stats["total"]++
	}
	return stats
}

// GetStatus 取得系統狀態
func (c *Controller) GetStatus() map[string]any {
	c.runMu.Lock()
	running, started := c.running, c.startTime
	c.runMu.Unlock()

	status := map[string]any{
		"running":      running,
		"depositables": c.Stats(),
		"journal_seq":  c.journal.LastSeq(),
	}
	if running {
		status["uptime"] = time.Since(started).Round(time.Second).String()
	}
	if c.queue != nil {
		status["queue"] = c.queue.Stats()
		status["queue_paused"] = c.queue.Paused()
	}
	return status
}

// SetQueuePaused 暫停或恢復節流佇列，並寫入快照使其在重啟後保留
func (c *Controller) SetQueuePaused(paused bool) error {
	if c.queue == nil {
		return ErrNoQueue
	}
	if err := c.Restore(); err != nil {
		return err
	}
	c.queue.SetPaused(paused)
	slog.Info("Queue pause changed", "paused", paused)
	return c.TakeSnapshot()
}

// Queue 回傳節流佇列（可能為 nil）
func (c *Controller) Queue() *throttle.Queue { return c.queue }

// JournalPath 回傳日誌檔案路徑
func (c *Controller) JournalPath() string { return c.journal.Path() }

// ============================================================================
// 內部輔助方法
// ============================================================================

func (c *Controller) resolve(uid string) (*entry, deposit.Depositable, error) {
	c.mu.RLock()
	e, ok := c.entries[parentUID(uid)]
	c.mu.RUnlock()
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", deposit.ErrUnknownDepositable, uid)
	}
	if uid == e.parent.UniqueIdentifier() {
		return e, e.parent, nil
	}
	if ch := e.parent.Child(uid); ch != nil {
		return e, ch, nil
	}
	return nil, nil, fmt.Errorf("%w: %s", deposit.ErrUnknownDepositable, uid)
}

func (e *entry) status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Status{
		Record:      e.parent.Record(),
		UID:         e.parent.UniqueIdentifier(),
		Quarantined: e.quarantined,
	}
}
