// Package metrics defines the observability contract used by replication
// (wired by engine): a small, capability-scoped Sink interface rather
// than a concrete metrics client, so the consensus packages never import a
// specific observability backend directly.
package metrics

import "time"

// Sink receives point-in-time observations from the running cluster. A nil
// Sink is never passed around; callers that don't care about metrics use
// Noop.
type Sink interface {
	// IncDecisionsCommitted counts one non-null decision reaching the
	// state machine.
	IncDecisionsCommitted()

	// IncNullDecisions counts one phase resolving to "no batch this
	// phase, try again."
	IncNullDecisions()

	// IncCoinSteps counts one phase that needed the randomized coin step
	// to break a round-2 tie.
	IncCoinSteps()

	// ObserveBatchSize records the number of commands in a committed
	// batch.
	ObserveBatchSize(n int)

	// ObserveDecisionLatency records the wall-clock time between a
	// decision being handed to the replication driver and its application
	// to the state machine.
	ObserveDecisionLatency(d time.Duration)

	// IncSyncRequests counts one SyncRequest sent to catch a lagging
	// node up.
	IncSyncRequests()

	// SetCurrentPhase reports the phase most recently applied to the state
	// machine.
	SetCurrentPhase(phase uint64)

	// SetActivePeers reports how many peers nodestate currently
	// considers healthy or suspected (not disabled).
	SetActivePeers(n int)

	// IncMessagesProcessed counts one inbound protocol message of the
	// given kind (e.g. "propose", "r1", "r2", "sync_request").
	IncMessagesProcessed(kind string)
}

// Noop discards every observation. It is the default Sink when a caller
// does not wire in a real backend.
type Noop struct{}

var _ Sink = Noop{}

func (Noop) IncDecisionsCommitted()             {}
func (Noop) IncNullDecisions()                  {}
func (Noop) IncCoinSteps()                       {}
func (Noop) ObserveBatchSize(int)                {}
func (Noop) ObserveDecisionLatency(time.Duration) {}
func (Noop) IncSyncRequests()                    {}
func (Noop) SetCurrentPhase(uint64)              {}
func (Noop) SetActivePeers(int)                  {}
func (Noop) IncMessagesProcessed(string)         {}
