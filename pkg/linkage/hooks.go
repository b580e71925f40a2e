package linkage

import (
	"context"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/pipeline"
)

// Merge pairings.
const (
	PairingLocalToMaster  = "local_master"
	PairingMasterToMaster = "master_master"
	PairingLocalToLocal   = "local_local"
)

// MergeEvent describes one survivor/duplicate merge.
type MergeEvent struct {
	Principal    *models.Principal
	SurvivorKey  string
	DuplicateKey string
	Pairing      string
	// Sequence is the commit sequence, set on Merged only.
	Sequence int64
}

// UnmergeEvent describes detaching RecordKey from MasterKey.
type UnmergeEvent struct {
	Principal *models.Principal
	MasterKey string
	RecordKey string
	// NewMasterKey is set on UnMerged only.
	NewMasterKey string
}

// Listener observes merges and unmerges. Merging and UnMerging may cancel the operation.
type Listener interface {
	Merging(ctx context.Context, ev *MergeEvent) pipeline.Outcome
	Merged(ctx context.Context, ev *MergeEvent)
	UnMerging(ctx context.Context, ev *UnmergeEvent) pipeline.Outcome
	UnMerged(ctx context.Context, ev *UnmergeEvent)
}

// ListenerFuncs adapts plain functions to a Listener. Nil funcs proceed and do nothing.
type ListenerFuncs struct {
	OnMerging   func(ctx context.Context, ev *MergeEvent) pipeline.Outcome
	OnMerged    func(ctx context.Context, ev *MergeEvent)
	OnUnMerging func(ctx context.Context, ev *UnmergeEvent) pipeline.Outcome
	OnUnMerged  func(ctx context.Context, ev *UnmergeEvent)
}

func (l ListenerFuncs) Merging(ctx context.Context, ev *MergeEvent) pipeline.Outcome {
	if l.OnMerging == nil {
		return pipeline.Proceed()
	}
	return l.OnMerging(ctx, ev)
}

func (l ListenerFuncs) Merged(ctx context.Context, ev *MergeEvent) {
	if l.OnMerged != nil {
		l.OnMerged(ctx, ev)
	}
}

func (l ListenerFuncs) UnMerging(ctx context.Context, ev *UnmergeEvent) pipeline.Outcome {
	if l.OnUnMerging == nil {
		return pipeline.Proceed()
	}
	return l.OnUnMerging(ctx, ev)
}

func (l ListenerFuncs) UnMerged(ctx context.Context, ev *UnmergeEvent) {
	if l.OnUnMerged != nil {
		l.OnUnMerged(ctx, ev)
	}
}

func (e *Engine) merging(ctx context.Context, ev *MergeEvent) pipeline.Outcome {
	for _, l := range e.listeners {
		if out := l.Merging(ctx, ev); out.Canceled() {
			return out
		}
	}
	return pipeline.Proceed()
}

func (e *Engine) merged(ctx context.Context, ev *MergeEvent) {
	for _, l := range e.listeners {
		l.Merged(ctx, ev)
	}
}

func (e *Engine) unmerging(ctx context.Context, ev *UnmergeEvent) pipeline.Outcome {
	for _, l := range e.listeners {
		if out := l.UnMerging(ctx, ev); out.Canceled() {
			return out
		}
	}
	return pipeline.Proceed()
}

func (e *Engine) unmerged(ctx context.Context, ev *UnmergeEvent) {
	for _, l := range e.listeners {
		l.UnMerged(ctx, ev)
	}
}
