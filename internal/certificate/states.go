// Package certificate holds the issuance state machine and the render
// payload builder.
package certificate

// Issuance states. Ineligible is terminal; issued and callbackError can
// only be left through a reissue, which archives the prior transaction
// before returning to eligible.
const (
	StatusNotEvaluated  = "notEvaluated"
	StatusIneligible    = "ineligible"
	StatusEligible      = "eligible"
	StatusPayloadBuilt  = "payloadBuilt"
	StatusRequested     = "requested"
	StatusIssued        = "issued"
	StatusCallbackError = "callbackError"
)

var transitions = map[string][]string{
	StatusNotEvaluated:  {StatusIneligible, StatusEligible},
	StatusEligible:      {StatusPayloadBuilt},
	StatusPayloadBuilt:  {StatusRequested},
	StatusRequested:     {StatusIssued, StatusCallbackError},
	StatusIssued:        {StatusEligible},
	StatusCallbackError: {StatusEligible},
}

// CanTransition reports whether from -> to is a legal issuance step.
// An empty from is treated as notEvaluated.
func CanTransition(from, to string) bool {
	if from == "" {
		from = StatusNotEvaluated
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
