package promptfsm

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sentinel-hq/sentinel/internal/errs"
	"github.com/sentinel-hq/sentinel/internal/model"
)

func TestValidTransitionsHappyPath(t *testing.T) {
	steps := []model.PromptStatus{
		model.StatusCreated,
		model.StatusRouted,
		model.StatusAwaitingReply,
		model.StatusReplyReceived,
		model.StatusInjected,
		model.StatusResolved,
	}
	for i := 0; i < len(steps)-1; i++ {
		require.NoError(t, Validate(steps[i], steps[i+1]))
	}
}

func TestTerminalStatesRejectFurtherTransitions(t *testing.T) {
	for _, terminal := range []model.PromptStatus{
		model.StatusResolved, model.StatusExpired, model.StatusCanceled, model.StatusFailed,
	} {
		require.True(t, Terminal(terminal))
		err := Validate(terminal, model.StatusRouted)
		require.ErrorIs(t, err, errs.ErrInvalidTransition)
	}
}

func TestSkippingStatesIsRejected(t *testing.T) {
	err := Validate(model.StatusCreated, model.StatusAwaitingReply)
	require.ErrorIs(t, err, errs.ErrInvalidTransition)

	err = Validate(model.StatusCreated, model.StatusResolved)
	require.ErrorIs(t, err, errs.ErrInvalidTransition)
}

func TestDenyPathFromRouted(t *testing.T) {
	require.NoError(t, Validate(model.StatusRouted, model.StatusFailed))
}

func TestExpirySideBranch(t *testing.T) {
	require.NoError(t, Validate(model.StatusAwaitingReply, model.StatusExpired))
	require.Error(t, Validate(model.StatusReplyReceived, model.StatusExpired))
}

func TestUnknownStateRejected(t *testing.T) {
	err := Validate(model.PromptStatus("BOGUS"), model.StatusRouted)
	require.Error(t, err)
}
