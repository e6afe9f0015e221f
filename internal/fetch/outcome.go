package fetch

// Outcome classifies the terminal result of one fetch for one parameter value.
//
// EmptyResult is deliberately not an error: the upstream source legitimately
// has no data for entities that predate an endpoint's feature window. It is
// never retried and never recorded as a failure by this package; whether it
// is excluded from future planning is the orchestrator's per-target policy.
type Outcome int

const (
	// OutcomeSuccess means the response contained at least one non-empty result set.
	OutcomeSuccess Outcome = iota

	// OutcomeEmpty means the response was absent or every result set was empty.
	OutcomeEmpty

	// OutcomeTransient means a retriable failure (network, timeout, throttling).
	OutcomeTransient

	// OutcomePermanent means a non-retriable failure (not found, malformed
	// parameter) or an exhausted retry budget.
	OutcomePermanent
)

// String returns the outcome name for logs and ledger records.
func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeEmpty:
		return "empty"
	case OutcomeTransient:
		return "transient"
	case OutcomePermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// ClassifyResponse classifies a raw upstream response as success or empty.
// A nil response, no result sets, or all-empty result sets are empty.
func ClassifyResponse(resp *Response) Outcome {
	if resp == nil || resp.IsEmpty() {
		return OutcomeEmpty
	}

	return OutcomeSuccess
}
