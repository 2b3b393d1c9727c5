package journal

// ============================================================================
// Journal 核心實作
// 職責：
// 1. 追加狀態變更事件到日誌檔案（append-only, JSON lines）
// 2. 提供重放功能，供 history 與稽核使用
// 3. 支援日誌旋轉（快照後另存舊檔）
// 4. 確保寫入持久性與資料完整性（CRC32）
// ============================================================================

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/ChuLiYu/archive-deposit/internal/deposit"
)

// FileInterface 定義檔案操作所需的方法
// 這允許在測試中對檔案操作進行模擬
type FileInterface interface {
	Write(p []byte) (n int, err error)
	Sync() error
	Close() error
}

// Options 日誌配置
type Options struct {
	SyncOnAppend  bool          // 每次 flush 是否 fsync
	BufferSize    int           // 緩衝事件數上限，<=1 表示每次 Append 立即寫入
	FlushInterval time.Duration // 緩衝事件最長等待時間
}

// Journal 狀態變更日誌實例
type Journal struct {
	mu      sync.Mutex
	file    FileInterface
	encoder *json.Encoder
	path    string
	seq     uint64
	opts    Options
	closed  bool

	buffer        []Entry
	lastFlushTime time.Time
}

// ============================================================================
// 公開介面
// ============================================================================

/*
Open 建立或開啟一個日誌

行為：
- 如果檔案不存在，建立新檔案，seq 從 0 開始
- 如果檔案已存在，讀取最後一筆的 seq 並繼續
- 以追加模式（O_APPEND）開啟，確保寫入不覆蓋
*/
func Open(path string, opts Options) (*Journal, error) {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 1
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = time.Second
	}

	var seq uint64
	last, err := LastEntry(path)
	switch {
	case err == nil:
		seq = last.Seq
	case err == ErrEmptyJournal || os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("journal: read last entry of %s: %w", path, err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}

	return &Journal{
		file:          file,
		encoder:       json.NewEncoder(file),
		path:          path,
		seq:           seq,
		opts:          opts,
		buffer:        make([]Entry, 0, opts.BufferSize),
		lastFlushTime: time.Now(),
	}, nil
}

// Append 追加一筆事件，回傳分配的序號
//
// 緩衝滿、超過 FlushInterval 或 force 為 true 時寫入檔案
func (j *Journal) Append(e deposit.Event, force bool) (uint64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return 0, ErrClosed
	}

	j.seq++
	entry := Entry{Seq: j.seq, Event: e}
	entry.Checksum = CalculateChecksum(entry)
	j.buffer = append(j.buffer, entry)

	needFlush := force || len(j.buffer) >= j.opts.BufferSize || time.Since(j.lastFlushTime) > j.opts.FlushInterval
	if needFlush {
		if err := j.flushLocked(); err != nil {
			return entry.Seq, err
		}
	}
	return entry.Seq, nil
}

// Flush 將緩衝寫入檔案
func (j *Journal) Flush() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrClosed
	}
	return j.flushLocked()
}

// Replay 重放所有已寫入的事件（會先 flush 緩衝）
func (j *Journal) Replay(handler EntryHandler) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if !j.closed {
		if err := j.flushLocked(); err != nil {
			return err
		}
	}
	return ReplayFile(j.path, handler)
}

// Rotate 旋轉日誌檔案：舊檔以時間戳記另存，新檔從 seq 0 開始
//
// 回傳另存的檔案路徑
func (j *Journal) Rotate() (string, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return "", ErrClosed
	}
	if err := j.flushLocked(); err != nil {
		return "", err
	}
	if err := j.file.Close(); err != nil {
		return "", err
	}

	stamp := time.Now().Format("20060102_150405.000000")
	backupPath := j.path + "." + stamp
	for i := 1; fileExists(backupPath); i++ {
		backupPath = fmt.Sprintf("%s.%s-%d", j.path, stamp, i)
	}
	if err := os.Rename(j.path, backupPath); err != nil {
		return "", err
	}

	newFile, err := os.OpenFile(j.path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0644)
	if err != nil {
		return "", err
	}

	j.file = newFile
	j.encoder = json.NewEncoder(newFile)
	j.seq = 0
	j.lastFlushTime = time.Now()
	return backupPath, nil
}

// Close 關閉日誌；關閉後的實例不可重用
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil
	}
	err := j.flushLocked()
	if cerr := j.file.Close(); err == nil {
		err = cerr
	}
	j.closed = true
	return err
}

// LastSeq 取得目前的序號
func (j *Journal) LastSeq() uint64 {
	if j == nil {
		return 0
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seq
}

// Path 回傳日誌檔案路徑
func (j *Journal) Path() string { return j.path }

// ============================================================================
// 內部輔助方法（私有）
// ============================================================================

// flushLocked 假設調用者已經持有 j.mu 鎖
func (j *Journal) flushLocked() error {
	for i, entry := range j.buffer {
		if err := j.encoder.Encode(entry); err != nil {
			j.buffer = j.buffer[i:]
			return err
		}
	}
	j.buffer = j.buffer[:0]
	j.lastFlushTime = time.Now()
	if j.opts.SyncOnAppend {
		if err := j.file.Sync(); err != nil {
			return fmt.Errorf("%w: %v", ErrSyncFailed, err)
		}
	}
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
