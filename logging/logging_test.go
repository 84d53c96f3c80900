package logging

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethereum-optimism/infra/op-testhost/types"
)

func TestTailBuffer(t *testing.T) {
	b := NewTailBuffer(8)
	_, _ = b.Write([]byte("hello"))
	assert.Equal(t, "hello", b.String())
	assert.False(t, b.Truncated())

	_, _ = b.Write([]byte(" world"))
	assert.Equal(t, "lo world", string(b.Bytes()))
	assert.Equal(t, int64(11), b.TotalBytes())
	assert.True(t, b.Truncated())
	assert.Equal(t, "...[truncated]...\nlo world", b.String())
}

func TestTailBuffer_DefaultSize(t *testing.T) {
	b := NewTailBuffer(0)
	_, _ = b.Write([]byte(strings.Repeat("x", DefaultTailBytes+10)))
	assert.Len(t, b.Bytes(), DefaultTailBytes)
}

func TestAsyncFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.log")
	f, err := NewAsyncFile(path)
	require.NoError(t, err)

	for _, line := range []string{"one\n", "two\n", "three\n"} {
		require.NoError(t, f.Write([]byte(line)))
	}
	require.NoError(t, f.Close())
	require.NoError(t, f.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "one\ntwo\nthree\n", string(data))

	assert.Error(t, f.Write([]byte("late")))
}

func TestRunLog(t *testing.T) {
	base := t.TempDir()
	l, err := NewRunLog(base, "abc")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(base, "testrun-abc"), l.Dir())

	require.NoError(t, l.LogHostOutput("host-1", "info", "\x1b[32mok\x1b[0m\n"))
	require.NoError(t, l.LogHostOutput("host-2", "error", "bad"))
	require.NoError(t, l.LogHostOutput("host-2", "info", ""))
	require.NoError(t, l.LogResults(ResultRecord{
		Sequence:    1,
		PartitionID: "p0",
		HostID:      "host-1",
		Results:     []types.TestResult{{TestCase: types.TestCase{ID: "a::T"}, Status: types.TestStatusPass}},
	}))
	require.NoError(t, l.LogResults(ResultRecord{Sequence: 2, PartitionID: "p1", HostID: "host-2"}))
	require.NoError(t, l.LogSummary("2 passed\n"))
	require.NoError(t, l.Close())

	host1, err := os.ReadFile(filepath.Join(l.Dir(), HostsDirName, "host-1.log"))
	require.NoError(t, err)
	assert.Equal(t, "[info] ok\n", string(host1))

	all, err := os.ReadFile(filepath.Join(l.Dir(), AllLogsFileName))
	require.NoError(t, err)
	assert.Equal(t, "host-1 [info] ok\nhost-2 [error] bad\n", string(all))

	results, err := os.Open(filepath.Join(l.Dir(), ResultsFileName))
	require.NoError(t, err)
	defer results.Close()
	var seqs []uint64
	scanner := bufio.NewScanner(results)
	for scanner.Scan() {
		var rec ResultRecord
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
		assert.False(t, rec.Time.IsZero())
		seqs = append(seqs, rec.Sequence)
	}
	assert.Equal(t, []uint64{1, 2}, seqs)

	summary, err := os.ReadFile(filepath.Join(l.Dir(), SummaryFileName))
	require.NoError(t, err)
	assert.Equal(t, "2 passed\n", string(summary))

	assert.Error(t, l.LogSummary("again"))
}

func TestNewRunLog_Validation(t *testing.T) {
	_, err := NewRunLog(t.TempDir(), "")
	assert.Error(t, err)
	_, err = NewRunLog("", "id")
	assert.Error(t, err)
}

func TestSafeFilename(t *testing.T) {
	tests := map[string]string{
		"host-1":                  "host-1",
		"github.com/org/repo/pkg": "github.com_org_repo_pkg",
		`C:\tmp\a b`:              "C__tmp_a_b",
		"what?*<>|\"":             "what______",
		"trailing...":             "trailing",
	}
	for in, want := range tests {
		assert.Equal(t, want, SafeFilename(in), in)
	}
}
