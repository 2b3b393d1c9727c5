package journal

// ============================================================================
// 校驗和計算
// 職責：計算與驗證日誌紀錄的 CRC32 校驗和
// ============================================================================

import (
	"hash/crc32"
	"strconv"
	"strings"
)

// CalculateChecksum 計算紀錄的 CRC32 校驗和
//
// 校驗範圍：Seq + 事件 ID + uniqueIdentifier + From + To + FailureCount
// 不包含 Time，避免時區與精度差異影響校驗
func CalculateChecksum(entry Entry) uint32 {
	e := entry.Event
	var b strings.Builder
	b.WriteString(strconv.FormatUint(entry.Seq, 10))
	for _, s := range []string{e.ID, e.UniqueIdentifier, string(e.Kind), string(e.From), string(e.To)} {
		b.WriteByte('|')
		b.WriteString(s)
	}
	b.WriteByte('|')
	b.WriteString(strconv.Itoa(e.FailureCount))

	return crc32.ChecksumIEEE([]byte(b.String()))
}

// VerifyChecksum 驗證紀錄的校驗和是否正確
func VerifyChecksum(entry Entry) bool {
	return entry.Checksum == CalculateChecksum(entry)
}
