package artifact

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func measureBlock(names ...string) string {
	var b strings.Builder
	for _, n := range names {
		fmt.Fprintf(&b, "- name: %s\n  # SUM('Fact'[%s])\n  expr: SUM(%s)\n", n, n, n)
	}
	return b.String()
}

func openStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStoreWriteHeaderAndBody(t *testing.T) {
	fixed := time.Date(2025, 3, 1, 14, 30, 5, 0, time.UTC)
	s := openStore(t, WithClock(func() time.Time { return fixed }))

	body := measureBlock("Total Revenue", "Total Quantity")
	path, err := s.Write(context.Background(), Record{Batch: 2, Units: 2, Body: body})
	require.NoError(t, err)

	name := filepath.Base(path)
	assert.True(t, strings.HasPrefix(name, "converted_metrics_20250301_143005_"), name)
	assert.True(t, strings.HasSuffix(name, ".txt"), name)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	content := string(data)
	assert.Contains(t, content, "# Generated on: 2025-03-01 14:30:05\n")
	assert.Contains(t, content, "# Batch: 2\n")
	assert.Contains(t, content, "# Metrics in batch: 2\n")
	assert.Contains(t, content, "# Total conversions: 2\n")
	assert.Equal(t, body, Body(content))
}

func TestStoreConcurrentWritesUniqueAndOrdered(t *testing.T) {
	defer goleak.VerifyNone(t)

	fixed := time.Date(2025, 3, 1, 14, 30, 5, 0, time.UTC)
	s, err := Open(t.TempDir(), WithClock(func() time.Time { return fixed }))
	require.NoError(t, err)

	const writers = 32
	paths := make([]string, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := s.Write(context.Background(), Record{Batch: i + 1, Units: 1, Body: measureBlock("m")})
			assert.NoError(t, err)
			paths[i] = p
		}(i)
	}
	wg.Wait()
	require.NoError(t, s.Close())

	seen := make(map[string]bool)
	for _, p := range paths {
		require.NotEmpty(t, p)
		require.False(t, seen[p], "duplicate artifact %s", p)
		seen[p] = true
	}

	listed, err := List(s.Dir())
	require.NoError(t, err)
	assert.Len(t, listed, writers)
	assert.True(t, sort.StringsAreSorted(listed))
}

func TestStoreSequentialNamesSortChronologically(t *testing.T) {
	s := openStore(t)

	var written []string
	for i := 1; i <= 5; i++ {
		p, err := s.Write(context.Background(), Record{Batch: i, Units: 1, Body: measureBlock("m")})
		require.NoError(t, err)
		written = append(written, p)
	}

	listed, err := List(s.Dir())
	require.NoError(t, err)
	assert.Equal(t, written, listed)
}

func TestStoreWriteAfterClose(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err = s.Write(context.Background(), Record{Batch: 1, Body: "x"})
	assert.ErrorIs(t, err, ErrStoreClosed)
}

func TestStoreWriteCancelledContext(t *testing.T) {
	s := openStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// Either outcome is valid when both channels are ready; a cancelled
	// context must never produce a partial file.
	if p, err := s.Write(ctx, Record{Batch: 1, Body: "x"}); err == nil {
		_, statErr := os.Stat(p)
		assert.NoError(t, statErr)
	} else {
		assert.ErrorIs(t, err, context.Canceled)
	}
}

func TestBody(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{
			name:    "header stripped",
			content: "# title\n# Generated on: x\n\n" + strings.Repeat("=", 80) + "\n\n- name: A\n  expr: 1\n",
			want:    "- name: A\n  expr: 1\n",
		},
		{
			name:    "comments inside body kept",
			content: "# h\n- name: A\n  # DAX\n  expr: 1\n",
			want:    "- name: A\n  # DAX\n  expr: 1\n",
		},
		{
			name:    "header only",
			content: "# h\n\n====\n",
			want:    "",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Body(tc.content))
		})
	}
}

func TestCombineNoArtifacts(t *testing.T) {
	dir := t.TempDir()

	c, err := Combine(dir)
	require.NoError(t, err)
	assert.Nil(t, c)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestCombineAggregatesInOrder(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	_, err := s.Write(ctx, Record{Batch: 1, Units: 5, Body: measureBlock("a1", "a2", "a3", "a4", "a5")})
	require.NoError(t, err)
	_, err = s.Write(ctx, Record{Batch: 2, Units: 5, Body: measureBlock("b1", "b2", "b3", "b4", "b5")})
	require.NoError(t, err)
	_, err = s.Write(ctx, Record{Batch: 3, Units: 2, Body: measureBlock("c1", "c2")})
	require.NoError(t, err)

	c, err := Combine(s.Dir())
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, 12, c.Conversions)
	assert.Len(t, c.Sources, 3)
	assert.True(t, strings.HasPrefix(filepath.Base(c.Path), CombinedPrefix))

	data, err := os.ReadFile(c.Path)
	require.NoError(t, err)
	content := string(data)

	assert.Contains(t, content, "# Combined from 3 batch files\n")
	assert.Contains(t, content, "# BATCH 1 - Source: "+c.Sources[0]+"\n")
	assert.Contains(t, content, "# BATCH 3 - Source: "+c.Sources[2]+"\n")
	assert.Contains(t, content, "# SUMMARY: Total 12 metrics converted from 3 batches\n")
	assert.NotContains(t, content, "# Metrics in batch:")

	a := strings.Index(content, "name: a1")
	b := strings.Index(content, "name: b1")
	cc := strings.Index(content, "name: c1")
	assert.True(t, a < b && b < cc, "bodies out of order")

	// Combined artifacts are not picked up as batch sources on a second pass.
	again, err := Combine(s.Dir())
	require.NoError(t, err)
	assert.Equal(t, 12, again.Conversions)
	assert.Len(t, again.Sources, 3)

	latest, err := Latest(s.Dir())
	require.NoError(t, err)
	assert.Equal(t, again.Path, latest)
}

func TestClear(t *testing.T) {
	s := openStore(t)
	for i := 1; i <= 3; i++ {
		_, err := s.Write(context.Background(), Record{Batch: i, Body: measureBlock("m")})
		require.NoError(t, err)
	}
	_, err := Combine(s.Dir())
	require.NoError(t, err)

	n, err := Clear(s.Dir())
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	left, err := List(s.Dir())
	require.NoError(t, err)
	assert.Empty(t, left)

	combined, err := ListCombined(s.Dir())
	require.NoError(t, err)
	assert.Len(t, combined, 1)
}

func TestCountRecords(t *testing.T) {
	assert.Equal(t, 0, CountRecords(""))
	assert.Equal(t, 2, CountRecords(measureBlock("x", "y")))
	assert.Equal(t, 1, CountRecords("  - name: z"))
}
