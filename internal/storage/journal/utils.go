package journal

// ============================================================================
// 日誌工具函式
// 職責：離線讀取、計數與驗證日誌檔案
// ============================================================================

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// maxLineSize 單筆紀錄上限（任務輸出不寫入日誌，1 MiB 足夠）
const maxLineSize = 1 << 20

// ReplayFile 從頭讀取檔案，驗證每筆校驗和後呼叫 handler
//
// 任一紀錄損壞或 handler 回傳錯誤即停止
func ReplayFile(path string, handler EntryHandler) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}

		var entry Entry
		if err := json.Unmarshal(raw, &entry); err != nil {
			return &CorruptionError{Line: line, Cause: err}
		}
		if !VerifyChecksum(entry) {
			return &ChecksumError{Seq: entry.Seq, Expected: CalculateChecksum(entry), Actual: entry.Checksum}
		}
		if err := handler(entry); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return &CorruptionError{Line: line + 1, Cause: err}
	}
	return nil
}

// LastEntry 讀取最後一筆紀錄（從頭掃描）
//
// 檔案為空回傳 ErrEmptyJournal
func LastEntry(path string) (*Entry, error) {
	var last *Entry
	err := ReplayFile(path, func(e Entry) error {
		cp := e
		last = &cp
		return nil
	})
	if err != nil {
		return nil, err
	}
	if last == nil {
		return nil, ErrEmptyJournal
	}
	return last, nil
}

// CountEntries 計算檔案中的紀錄數
func CountEntries(path string) (int, error) {
	n := 0
	err := ReplayFile(path, func(Entry) error {
		n++
		return nil
	})
	return n, err
}

// Validate 驗證檔案完整性：格式、校驗和、seq 從 1 起連續
func Validate(path string) error {
	var lastSeq uint64
	return ReplayFile(path, func(e Entry) error {
		if e.Seq != lastSeq+1 {
			return fmt.Errorf("%w: expected seq %d, got %d", ErrSequenceGap, lastSeq+1, e.Seq)
		}
		lastSeq = e.Seq
		return nil
	})
}

// Backups 回傳 Rotate 另存的舊檔，由舊到新
func Backups(path string) ([]string, error) {
	matches, err := filepath.Glob(path + ".*")
	if err != nil {
		return nil, err
	}
	// 時間戳記格式固定，字典序即時間序
	sort.Strings(matches)
	return matches, nil
}

// PruneBackups 只保留最新的 keep 個舊檔；keep 為負數時不處理
func PruneBackups(path string, keep int) error {
	if keep < 0 {
		return nil
	}
	backups, err := Backups(path)
	if err != nil {
		return err
	}
	for len(backups) > keep {
		if err := os.Remove(backups[0]); err != nil {
			return fmt.Errorf("journal: remove old backup: %w", err)
		}
		backups = backups[1:]
	}
	return nil
}

// ReplayAll 依時間順序重放所有舊檔，最後是目前的檔案
//
// 各檔案的 seq 各自從 1 開始
func ReplayAll(path string, handler EntryHandler) error {
	backups, err := Backups(path)
	if err != nil {
		return err
	}
	for _, p := range append(backups, path) {
		if err := ReplayFile(p, handler); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return fmt.Errorf("%s: %w", p, err)
		}
	}
	return nil
}
