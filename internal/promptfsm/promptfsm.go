// Package promptfsm enforces the prompt lifecycle's valid-transition graph
// (spec section 4.5). It is a pure validator: the fixed graph below is the
// only source of truth for which transitions are legal, and any attempted
// transition outside it is rejected.
package promptfsm

import (
	"fmt"

	"github.com/sentinel-hq/sentinel/internal/errs"
	"github.com/sentinel-hq/sentinel/internal/model"
)

// graph maps each status to the set of statuses it may transition to.
// CREATED -> ROUTED -> AWAITING_REPLY -> REPLY_RECEIVED -> INJECTED ->
// RESOLVED is the happy path; EXPIRED, CANCELED, and FAILED are terminal
// side-branches reachable from the states named in spec section 4.5.
var graph = map[model.PromptStatus]map[model.PromptStatus]bool{
	model.StatusCreated: {
		model.StatusRouted:   true,
		model.StatusFailed:   true,
		model.StatusCanceled: true,
	},
	model.StatusRouted: {
		model.StatusAwaitingReply: true,
		model.StatusFailed:        true,
		model.StatusCanceled:      true,
	},
	model.StatusAwaitingReply: {
		model.StatusReplyReceived: true,
		model.StatusExpired:       true,
		model.StatusCanceled:      true,
	},
	model.StatusReplyReceived: {
		model.StatusInjected: true,
		model.StatusFailed:   true,
	},
	model.StatusInjected: {
		model.StatusResolved: true,
		model.StatusFailed:   true,
	},
	model.StatusResolved: {},
	model.StatusExpired:  {},
	model.StatusCanceled: {},
	model.StatusFailed:   {},
}

// Terminal reports whether status has no outgoing transitions.
func Terminal(status model.PromptStatus) bool {
	next, ok := graph[status]
	return ok && len(next) == 0
}

// Validate reports whether transitioning from `from` to `to` is legal.
// The REPLY_RECEIVED -> INJECTED edge is mechanically legal here but may
// only be *initiated* by the router after a successful call to the store's
// atomic decision guard (spec section 4.5) — that precondition is an
// orchestration rule enforced by the router, not by this pure validator.
func Validate(from, to model.PromptStatus) error {
	next, ok := graph[from]
	if !ok {
		return fmt.Errorf("promptfsm: unknown state %q", from)
	}
	if !next[to] {
		return fmt.Errorf("promptfsm: %s -> %s: %w", from, to, errs.ErrInvalidTransition)
	}
	return nil
}
