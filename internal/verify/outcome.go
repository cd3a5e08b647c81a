package verify

import (
	"crosspost/internal/domain"
	"crosspost/internal/platform"
)

// Outcome classifies one status report. Still processing is a value, not
// an error, so Run switches over every case.
type Outcome int

const (
	OutcomeProcessing Outcome = iota
	OutcomeProcessed
	OutcomeRejected
	OutcomeFailed
	OutcomeVanished
)

func (o Outcome) String() string {
	switch o {
	case OutcomeProcessed:
		return "processed"
	case OutcomeRejected:
		return "rejected"
	case OutcomeFailed:
		return "failed"
	case OutcomeVanished:
		return "vanished"
	default:
		return "processing"
	}
}

// Classify maps a platform status report to an outcome. Unknown remote
// states count as still processing.
func Classify(r platform.StatusReport) Outcome {
	if !r.Exists {
		return OutcomeVanished
	}
	switch r.State {
	case platform.RemoteProcessed:
		return OutcomeProcessed
	case platform.RemoteRejected:
		return OutcomeRejected
	case platform.RemoteFailed:
		return OutcomeFailed
	default:
		return OutcomeProcessing
	}
}

// state is the terminal record state of a negative outcome.
func (o Outcome) state() domain.VerificationState {
	switch o {
	case OutcomeRejected:
		return domain.VerifyRejected
	case OutcomeVanished:
		return domain.VerifyDeleted
	default:
		return domain.VerifyFailed
	}
}
