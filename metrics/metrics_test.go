package metrics

import "testing"

// TestNoop_SatisfiesSinkWithoutPanicking exercises every method once; Noop
// has no observable state, so there is nothing to assert beyond "it doesn't
// panic."
func TestNoop_SatisfiesSinkWithoutPanicking(t *testing.T) {
	var s Sink = Noop{}
	s.IncDecisionsCommitted()
	s.IncNullDecisions()
	s.IncCoinSteps()
	s.ObserveBatchSize(3)
	s.ObserveDecisionLatency(0)
	s.IncSyncRequests()
	s.SetCurrentPhase(1)
	s.SetActivePeers(2)
	s.IncMessagesProcessed("propose")
}
