package journal

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/archive-deposit/internal/deposit"
	"github.com/ChuLiYu/archive-deposit/pkg/types"
)

func testEvent(i int) deposit.Event {
	return deposit.Event{
		ID:               fmt.Sprintf("01J%023d", i),
		UniqueIdentifier: "observations/12345/catalogues/a.xml",
		Kind:             types.KindCatalogue,
		From:             types.StateProcessing,
		To:               types.StateProcessed,
		FailureCount:     i % 3,
		Time:             time.Date(2026, 1, 1, 0, 0, i, 0, time.UTC),
	}
}

func collect(t *testing.T, path string) []Entry {
	t.Helper()
	var out []Entry
	require.NoError(t, ReplayFile(path, func(e Entry) error {
		out = append(out, e)
		return nil
	}))
	return out
}

func TestAppendAndReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.log")
	j, err := Open(path, Options{SyncOnAppend: true})
	require.NoError(t, err)

	for i := 1; i <= 5; i++ {
		seq, err := j.Append(testEvent(i), false)
		require.NoError(t, err)
		assert.Equal(t, uint64(i), seq)
	}
	assert.Equal(t, uint64(5), j.LastSeq())

	var replayed []Entry
	require.NoError(t, j.Replay(func(e Entry) error {
		replayed = append(replayed, e)
		return nil
	}))
	require.Len(t, replayed, 5)
	assert.Equal(t, testEvent(3), replayed[2].Event)
	require.NoError(t, j.Close())

	require.NoError(t, Validate(path))
	n, err := CountEntries(path)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
}

func TestOpen_ContinuesSequence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.log")
	j, err := Open(path, Options{})
	require.NoError(t, err)
	_, err = j.Append(testEvent(1), true)
	require.NoError(t, err)
	_, err = j.Append(testEvent(2), true)
	require.NoError(t, err)
	require.NoError(t, j.Close())

	j, err = Open(path, Options{})
	require.NoError(t, err)
	defer j.Close()
	assert.Equal(t, uint64(2), j.LastSeq())

	seq, err := j.Append(testEvent(3), true)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), seq)
	assert.NoError(t, Validate(path))
}

func TestBuffering(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.log")
	j, err := Open(path, Options{BufferSize: 10, FlushInterval: time.Hour})
	require.NoError(t, err)
	defer j.Close()

	for i := 1; i <= 3; i++ {
		_, err := j.Append(testEvent(i), false)
		require.NoError(t, err)
	}
	assert.Empty(t, collect(t, path), "buffered entries are not on disk yet")

	require.NoError(t, j.Flush())
	assert.Len(t, collect(t, path), 3)

	_, err = j.Append(testEvent(4), true)
	require.NoError(t, err)
	assert.Len(t, collect(t, path), 4)
}

func TestChecksumMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.log")
	j, err := Open(path, Options{})
	require.NoError(t, err)
	_, err = j.Append(testEvent(1), true)
	require.NoError(t, err)
	require.NoError(t, j.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := strings.Replace(string(data), `"to":"PROCESSED"`, `"to":"DEPOSITED"`, 1)
	require.NotEqual(t, string(data), tampered)
	require.NoError(t, os.WriteFile(path, []byte(tampered), 0o644))

	err = ReplayFile(path, func(Entry) error { return nil })
	assert.ErrorIs(t, err, ErrChecksumMismatch)
	var ce *ChecksumError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, uint64(1), ce.Seq)
	assert.Contains(t, ce.Error(), "seq=1")
}

func TestCorruptedLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.log")
	require.NoError(t, os.WriteFile(path, []byte("{not json\n"), 0o644))

	err := ReplayFile(path, func(Entry) error { return nil })
	assert.ErrorIs(t, err, ErrCorruptedJournal)

	_, err = Open(path, Options{})
	assert.Error(t, err)
}

func TestValidate_SequenceGap(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.log")
	var lines []string
	for _, seq := range []uint64{1, 3} {
		e := Entry{Seq: seq, Event: testEvent(int(seq))}
		e.Checksum = CalculateChecksum(e)
		lines = append(lines, fmt.Sprintf(`{"seq":%d,"event":{"id":%q,"uniqueIdentifier":%q,"kind":%q,"from":%q,"to":%q,"failureCount":%d,"time":"2026-01-01T00:00:00Z"},"checksum":%d}`,
			e.Seq, e.Event.ID, e.Event.UniqueIdentifier, e.Event.Kind, e.Event.From, e.Event.To, e.Event.FailureCount, e.Checksum))
	}
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))

	assert.ErrorIs(t, Validate(path), ErrSequenceGap)
}

func TestRotate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.log")
	j, err := Open(path, Options{})
	require.NoError(t, err)
	defer j.Close()

	_, err = j.Append(testEvent(1), true)
	require.NoError(t, err)
	backup, err := j.Rotate()
	require.NoError(t, err)

	assert.Len(t, collect(t, backup), 1)
	assert.Empty(t, collect(t, path))
	assert.Equal(t, uint64(0), j.LastSeq())

	seq, err := j.Append(testEvent(2), true)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq)
}

func TestClosed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.log")
	j, err := Open(path, Options{})
	require.NoError(t, err)
	require.NoError(t, j.Close())
	require.NoError(t, j.Close())

	_, err = j.Append(testEvent(1), true)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = j.Rotate()
	assert.ErrorIs(t, err, ErrClosed)

	_, err = LastEntry(path)
	assert.ErrorIs(t, err, ErrEmptyJournal)
}

func TestReplayAllAndPruneBackups(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.log")
	j, err := Open(path, Options{})
	require.NoError(t, err)
	defer j.Close()

	for i := 1; i <= 3; i++ {
		_, err := j.Append(testEvent(i), true)
		require.NoError(t, err)
		_, err = j.Rotate()
		require.NoError(t, err)
	}
	_, err = j.Append(testEvent(4), true)
	require.NoError(t, err)

	backups, err := Backups(path)
	require.NoError(t, err)
	require.Len(t, backups, 3)

	var ids []string
	require.NoError(t, ReplayAll(path, func(e Entry) error {
		ids = append(ids, e.Event.ID)
		return nil
	}))
	assert.Equal(t, []string{testEvent(1).ID, testEvent(2).ID, testEvent(3).ID, testEvent(4).ID}, ids)

	require.NoError(t, PruneBackups(path, 1))
	backups, err = Backups(path)
	require.NoError(t, err)
	require.Len(t, backups, 1)
	assert.Len(t, collect(t, backups[0]), 1)
	assert.Equal(t, testEvent(3).ID, collect(t, backups[0])[0].Event.ID)

	require.NoError(t, PruneBackups(path, -1))
	backups, err = Backups(path)
	require.NoError(t, err)
	assert.Len(t, backups, 1)
}
