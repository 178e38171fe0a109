package consensus

import (
	"context"
	"errors"
	"fmt"

	"github.com/quarrylabs/quarry/core/types"
)

// PayloadStatusCode is the engine's verdict on a directive.
type PayloadStatusCode string

const (
	StatusValid    PayloadStatusCode = "VALID"
	StatusInvalid  PayloadStatusCode = "INVALID"
	StatusSyncing  PayloadStatusCode = "SYNCING"
	StatusAccepted PayloadStatusCode = "ACCEPTED"
)

// PayloadStatus is the reply to a consensus-layer directive.
type PayloadStatus struct {
	Status          PayloadStatusCode
	LatestValidHash *types.Hash
	ValidationError string
}

// ForkchoiceState names the canonical head, safe, and finalized block
// hashes as directed by the consensus layer.
type ForkchoiceState struct {
	Head      types.Hash
	Safe      types.Hash
	Finalized types.Hash
}

type directiveKind int

const (
	kindForkchoiceUpdated directiveKind = iota
	kindNewPayload
)

func (k directiveKind) String() string {
	if k == kindForkchoiceUpdated {
		return "forkchoice_updated"
	}
	return "new_payload"
}

// directive is one inbound message. Directives are processed strictly
// in arrival order by the engine's single consumer loop.
type directive struct {
	kind    directiveKind
	fcu     ForkchoiceState
	payload *types.Block
	reply   chan PayloadStatus
}

// ErrEngineStopped is returned when enqueueing after shutdown.
var ErrEngineStopped = errors.New("consensus engine stopped")

// Handle is the external enqueue surface of the engine. External
// actors only enqueue messages; all state is mutated by the engine's
// own processing loop.
type Handle struct {
	e *Engine
}

// ForkchoiceUpdated enqueues a fork-choice directive and waits for the
// engine's reply. The inbound channel is bounded; a full queue applies
// backpressure through ctx.
func (h *Handle) ForkchoiceUpdated(ctx context.Context, fc ForkchoiceState) (PayloadStatus, error) {
	if h.e.dropFCU() {
		h.e.log.Debug("Dropping ForkchoiceUpdated at ingress", "head", fc.Head)
		return PayloadStatus{Status: StatusSyncing}, nil
	}
	return h.e.send(ctx, &directive{
		kind:  kindForkchoiceUpdated,
		fcu:   fc,
		reply: make(chan PayloadStatus, 1),
	})
}

// NewPayload enqueues a candidate block for validation and waits for
// the engine's reply.
func (h *Handle) NewPayload(ctx context.Context, blk *types.Block) (PayloadStatus, error) {
	if blk == nil || blk.Header == nil {
		return PayloadStatus{}, errors.New("nil payload")
	}
	if h.e.dropNewPayload() {
		h.e.log.Debug("Dropping NewPayload at ingress", "height", blk.Number())
		return PayloadStatus{Status: StatusSyncing}, nil
	}
	return h.e.send(ctx, &directive{
		kind:    kindNewPayload,
		payload: blk,
		reply:   make(chan PayloadStatus, 1),
	})
}

// Events returns the engine's state-transition event stream.
func (h *Handle) Events() <-chan TransitionEvent { return h.e.events }

// State returns the engine's current state.
func (h *Handle) State() EngineState { return h.e.State() }

// TransitionEvent reports a Syncing/Live state change.
type TransitionEvent struct {
	From EngineState
	To   EngineState
}

func (TransitionEvent) Source() string { return "engine" }

func (e TransitionEvent) String() string {
	return fmt.Sprintf("engine transition, from=%s to=%s", e.From, e.To)
}
