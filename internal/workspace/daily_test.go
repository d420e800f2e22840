package workspace

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func date(t *testing.T, s string) time.Time {
	t.Helper()
	parsed, err := time.Parse("2006-01-02", s)
	require.NoError(t, err)
	return parsed
}

func TestDailyEntryPath(t *testing.T) {
	assert.Equal(t, "daily/2026/08/2026-08-01.md", DailyEntryPath("daily", date(t, "2026-08-01")))
	assert.Equal(t, "2026/08/2026-08-01.md", DailyEntryPath("", date(t, "2026-08-01")))
}

// First call builds the whole hierarchy; the second is a no-op that
// returns the existing path.
func TestEnsureDailyEntryIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newWSFixture(t)
	day := date(t, "2026-08-01")

	path, err := f.ws.EnsureDailyEntry(ctx, "daily", day)
	require.NoError(t, err)
	assert.Equal(t, "daily/2026/08/2026-08-01.md", path)

	assert.True(t, f.exists(t, "daily/daily_index.md"))
	assert.True(t, f.exists(t, "daily/2026/2026_index.md"))
	assert.True(t, f.exists(t, "daily/2026/08/2026_august.md"))

	// Bidirectional links at every level.
	dailyMD := f.metadata(t, "daily/daily_index.md")
	assert.Contains(t, *dailyMD.Contents, "daily/2026/2026_index.md")
	yearMD := f.metadata(t, "daily/2026/2026_index.md")
	assert.Contains(t, *yearMD.Contents, "daily/2026/08/2026_august.md")
	monthMD := f.metadata(t, "daily/2026/08/2026_august.md")
	assert.Contains(t, *monthMD.Contents, path)
	entryMD := f.metadata(t, path)
	require.NotNil(t, entryMD.PartOf)
	assert.Equal(t, "daily/2026/08/2026_august.md", *entryMD.PartOf)

	sentBefore := len(f.sent)
	again, err := f.ws.EnsureDailyEntry(ctx, "daily", day)
	require.NoError(t, err)
	assert.Equal(t, path, again)
	assert.Len(t, f.sent, sentBefore, "second call emits nothing")
}

// Preexisting alternate index names at each level are honored: any file
// with a contents key counts as that level's index.
func TestEnsureDailyEntryHonorsAlternateIndexNames(t *testing.T) {
	ctx := context.Background()
	f := newWSFixture(t)
	f.write(t, "daily/2026/2026.md", "---\ntitle: '2026'\ncontents: []\n---\n")

	path, err := f.ws.EnsureDailyEntry(ctx, "daily", date(t, "2026-08-01"))
	require.NoError(t, err)

	assert.False(t, f.exists(t, "daily/2026/2026_index.md"), "existing year index reused")
	yearMD := f.metadata(t, "daily/2026/2026.md")
	assert.Contains(t, *yearMD.Contents, "daily/2026/08/2026_august.md")

	monthMD := f.metadata(t, "daily/2026/08/2026_august.md")
	require.NotNil(t, monthMD.PartOf)
	assert.Equal(t, "daily/2026/2026.md", *monthMD.PartOf)
	assert.Equal(t, "daily/2026/08/2026-08-01.md", path)
}

// A second entry in the same month reuses every index level.
func TestEnsureDailyEntrySameMonthReusesIndexes(t *testing.T) {
	ctx := context.Background()
	f := newWSFixture(t)

	first, err := f.ws.EnsureDailyEntry(ctx, "daily", date(t, "2026-08-01"))
	require.NoError(t, err)
	second, err := f.ws.EnsureDailyEntry(ctx, "daily", date(t, "2026-08-02"))
	require.NoError(t, err)
	require.NotEqual(t, first, second)

	monthMD := f.metadata(t, "daily/2026/08/2026_august.md")
	assert.Equal(t, []string{first, second}, *monthMD.Contents)
}
