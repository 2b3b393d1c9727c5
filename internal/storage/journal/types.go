package journal

import "github.com/ChuLiYu/archive-deposit/internal/deposit"

// ============================================================================
// Journal Type Definitions
// Responsibility: Define core data structures for the journal
// ============================================================================

// Entry is one journal record
type Entry struct {
	Seq      uint64        `json:"seq"`      // Entry sequence number (monotonically increasing)
	Event    deposit.Event `json:"event"`    // State change
	Checksum uint32        `json:"checksum"` // CRC32 checksum
}

// EntryHandler is the function type for processing journal entries
// Used during Replay; returning an error aborts the replay
type EntryHandler func(entry Entry) error
