//go:build unix

package detector

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTTYBlockedOnReadReportsBlockedWhenNothingQueued(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	blocked, err := TTYBlockedOnRead(int(r.Fd()))
	require.NoError(t, err)
	require.True(t, blocked)
}

func TestTTYBlockedOnReadReportsReadyAfterWrite(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	_, err = w.Write([]byte("x"))
	require.NoError(t, err)

	blocked, err := TTYBlockedOnRead(int(r.Fd()))
	require.NoError(t, err)
	require.False(t, blocked)
}
