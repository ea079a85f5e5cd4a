package pipeline

// Status is what happened to one pipeline during a reconciliation.
type Status string

// Outcome statuses.
const (
	StatusUpdated Status = "updated"
	StatusSkipped Status = "skipped"
	StatusFailed  Status = "failed"
)

// Skip reasons.
const (
	ReasonNoCommitStage = "commit stage has no commits"
)

// Outcome is the result for one product collector item.
type Outcome struct {
	CollectorItemID uint
	Status          Status
	Reason          string
	Err             error
}

// Result collects the outcomes of one Reconcile call. It is empty when no
// pipeline was affected.
type Result struct {
	Outcomes []Outcome
}

// Count returns the number of outcomes with the given status.
func (r *Result) Count(status Status) int {
	n := 0

	for _, o := range r.Outcomes {
		if o.Status == status {
			n++
		}
	}

	return n
}

func (r *Result) add(o Outcome) {
	r.Outcomes = append(r.Outcomes, o)
}
