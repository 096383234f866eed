package openid

// Recorder receives handshake counters.
type Recorder interface {
	RecordAssertion(outcome string)
	RecordNonce(accepted bool)
}

type nopRecorder struct{}

func (nopRecorder) RecordAssertion(string) {}
func (nopRecorder) RecordNonce(bool)       {}

const (
	outcomeCancelled = "cancelled"
	outcomeFailed    = "failed"
	outcomeSucceeded = "succeeded"
	outcomeMalformed = "malformed"
)
