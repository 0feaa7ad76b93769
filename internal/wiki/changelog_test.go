package wiki

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChangesNewestFirst(t *testing.T) {
	s := newTestStore(t)
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	for i := 1; i <= 3; i++ {
		err := s.AppendChange("", Change{
			Time:     base.Add(time.Duration(i) * time.Minute),
			Name:     "Alex",
			Revision: i,
			Code:     "1234",
		})
		require.NoError(t, err)
	}

	entries, err := s.Changes("", 0, -1)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, 3, entries[0].Revision)
	assert.Equal(t, 1, entries[2].Revision)
	assert.Equal(t, base.Add(3*time.Minute), entries[0].Time)
}

func TestChangesOffsetAndLimit(t *testing.T) {
	s := newTestStore(t)
	for i := 1; i <= 5; i++ {
		require.NoError(t, s.AppendChange("", Change{Name: "P", Revision: i, Code: "0"}))
	}

	entries, err := s.Changes("", 1, 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, 4, entries[0].Revision)
	assert.Equal(t, 3, entries[1].Revision)

	entries, err = s.Changes("", 10, 2)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestChangesSkipsPartialTail(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.AppendChange("", Change{Name: "Alex", Revision: 1, Code: "1234"}))

	// Simulate a torn write: an unterminated, incomplete record at the tail.
	f, err := os.OpenFile(s.changesPath(""), os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("17123")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	entries, err := s.Changes("", 0, -1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "Alex", entries[0].Name)
}

func TestChangesEmptyLogIsNotAnError(t *testing.T) {
	s := newTestStore(t)
	entries, err := s.Changes("", 0, -1)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestLastPageRevisionIgnoresFileEntries(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.AppendChange("", Change{Name: "Alex", Revision: 2, Code: "1234"}))
	require.NoError(t, s.AppendChange("", Change{Name: "Alex", Revision: 0, Code: "1234"}))

	assert.Equal(t, 2, s.LastPageRevision("", "Alex"))
	assert.Equal(t, 0, s.LastPageRevision("", "Unknown"))
}

func TestChangeLogRecordsWrites(t *testing.T) {
	s := newTestStore(t)
	_, err := s.WritePage("", "Alex", "one\n", "1234")
	require.NoError(t, err)
	require.NoError(t, s.WriteFile("", "img", []byte{1}, "image/png", "4321"))

	entries, err := s.Changes("", 0, -1)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, "img", entries[0].Name)
	assert.Equal(t, 0, entries[0].Revision)
	assert.Equal(t, "4321", entries[0].Code)

	assert.Equal(t, "Alex", entries[1].Name)
	assert.Equal(t, 1, entries[1].Revision)
	assert.Equal(t, "1234", entries[1].Code)
}

func TestParseChangeRejectsMalformedLines(t *testing.T) {
	for _, line := range []string{
		"",
		"no separators at all",
		"123\x1fname\x1fnotanumber\x1fcode",
		"123\x1fname\x1f-1\x1fcode",
		"123\x1fname\x1f1",
	} {
		_, ok := parseChange(line)
		assert.False(t, ok, "line %q", line)
	}

	c, ok := parseChange("1700000000\x1fAlex\x1f3\x1f1234")
	require.True(t, ok)
	assert.Equal(t, "Alex", c.Name)
	assert.Equal(t, 3, c.Revision)
	assert.Equal(t, "1234", c.Code)
	assert.Equal(t, int64(1700000000), c.Time.Unix())
}
