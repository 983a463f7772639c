package itc

import "net/http"

// outcome is the business meaning of a tester endpoint status code, kept apart
// from transport errors.
type outcome int

const (
	outcomeAccepted outcome = iota
	// the portal answers 500 both for duplicate invites and failed removals
	outcomeRejected
)

func classifyTesterMutation(status int) outcome {
	if status == http.StatusInternalServerError {
		return outcomeRejected
	}
	return outcomeAccepted
}
