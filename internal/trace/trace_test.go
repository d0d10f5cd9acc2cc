package trace

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sentinel-hq/sentinel/internal/model"
)

func TestWriteAppendsJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.jsonl")
	w, err := NewWriter(path)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.Write(model.DecisionTraceEntry{Timestamp: time.Now(), PromptID: "p1", Action: model.ActionAutoReply, Reason: "matched"}))
	require.NoError(t, w.Write(model.DecisionTraceEntry{Timestamp: time.Now(), PromptID: "p2", Action: model.ActionDeny, Reason: "secret"}))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	require.Len(t, lines, 2)
	require.True(t, strings.Contains(lines[0], "p1"))
	require.True(t, strings.Contains(lines[1], "p2"))
}

func TestRotateShiftsArchivesAndKeepsAtMostThree(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.jsonl")
	w, err := NewWriter(path)
	require.NoError(t, err)
	defer w.Close()

	longReason := strings.Repeat("x", 1024)
	entry := model.DecisionTraceEntry{Timestamp: time.Now(), PromptID: "p", Action: model.ActionDeny, Reason: longReason}

	// Force several rotations by writing past maxFileBytes multiple times.
	for i := 0; i < 4; i++ {
		for w.written < maxFileBytes {
			require.NoError(t, w.Write(entry))
		}
	}

	for _, suffix := range []string{"", ".1", ".2"} {
		_, err := os.Stat(path + suffix)
		require.NoError(t, err, "expected archive %s to exist", suffix)
	}
	_, err = os.Stat(path + ".4")
	require.True(t, os.IsNotExist(err), "should not keep a 4th archive")
}
