package ptysup

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSupervisorStartInjectAndOutput(t *testing.T) {
	s := New(200*time.Millisecond, 100*time.Millisecond)
	err := s.Start(context.Background(), "cat", nil, []string{"PATH=/usr/bin:/bin"})
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Inject([]byte("hello\n")))

	select {
	case chunk := <-s.Output():
		require.Contains(t, string(chunk.Data), "hello")
		require.True(t, chunk.EchoSuspect, "output observed right after inject should be echo-suspect")
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for output")
	}
}

func TestSupervisorBufferBounded(t *testing.T) {
	s := New(200*time.Millisecond, 100*time.Millisecond)
	err := s.Start(context.Background(), "cat", nil, []string{"PATH=/usr/bin:/bin"})
	require.NoError(t, err)
	defer s.Close()

	big := make([]byte, 20000)
	for i := range big {
		big[i] = 'x'
	}
	require.NoError(t, s.Inject(big))
	require.NoError(t, s.Inject([]byte("\n")))

	deadline := time.After(3 * time.Second)
	for {
		select {
		case <-s.Output():
		case <-deadline:
			goto check
		case <-time.After(300 * time.Millisecond):
			goto check
		}
	}
check:
	snap := s.Snapshot()
	require.LessOrEqual(t, len(snap), bufferCap)
}

func TestSupervisorIdleSignal(t *testing.T) {
	s := New(50*time.Millisecond, 10*time.Millisecond)
	err := s.Start(context.Background(), "cat", nil, []string{"PATH=/usr/bin:/bin"})
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Inject([]byte("x")))

	select {
	case <-s.Idle():
	case <-time.After(3 * time.Second):
		t.Fatal("expected idle signal after silence threshold with non-empty buffer")
	}
}

func TestSupervisorDoneOnExit(t *testing.T) {
	s := New(200*time.Millisecond, 100*time.Millisecond)
	err := s.Start(context.Background(), "sh", []string{"-c", "exit 0"}, []string{"PATH=/usr/bin:/bin"})
	require.NoError(t, err)

	select {
	case <-s.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("expected Done() to close when child exits")
	}
}

func TestSupervisorStartFailureIsFatal(t *testing.T) {
	s := New(0, 0)
	err := s.Start(context.Background(), "/no/such/binary-xyz", nil, nil)
	require.Error(t, err)
}
