package tcp

import "time"

const (
	rttAlpha   = 0.125
	rttBeta    = 0.25
	minRTO     = 50 * time.Millisecond
	maxRTO     = 3 * time.Second
	initialRTO = 750 * time.Millisecond
)

// rttEstimator smooths round-trip samples into srtt/rttvar and derives the
// retransmission timeout, per the classic Jacobson/Karels formulas: srtt
// and rttvar are exponentially-weighted moving averages (alpha=1/8,
// beta=1/4) and rto = srtt + 4*rttvar. Before any sample has been taken it
// reports a conservative fixed initial RTO.
type rttEstimator struct {
	haveSample bool
	srtt       time.Duration
	rttvar     time.Duration
	initial    time.Duration
}

func newRTTEstimator(initial time.Duration) *rttEstimator {
	return &rttEstimator{initial: initial}
}

// update folds a fresh round-trip sample into the estimator. Callers must
// only pass samples measured from segments that were never retransmitted
// (Karn's rule) — an ambiguous sample would poison the estimate.
func (e *rttEstimator) update(sample time.Duration) {
	if !e.haveSample {
		e.srtt = sample
		e.rttvar = sample / 2
		e.haveSample = true
		return
	}
	diff := e.srtt - sample
	if diff < 0 {
		diff = -diff
	}
	e.rttvar = e.rttvar + time.Duration(rttBeta*float64(diff-e.rttvar))
	e.srtt = e.srtt + time.Duration(rttAlpha*float64(sample-e.srtt))
}

// rto returns the current retransmission timeout. Once a sample has been
// taken it is clamped to [minRTO, maxRTO]; before that, the configured
// initial value is returned as given.
func (e *rttEstimator) rto() time.Duration {
	if !e.haveSample {
		return e.initial
	}
	rto := e.srtt + 4*e.rttvar
	if rto < minRTO {
		return minRTO
	}
	if rto > maxRTO {
		return maxRTO
	}
	return rto
}
