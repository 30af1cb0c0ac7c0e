package harness

import (
	"github.com/roach88/lockstep/internal/lockstep"
	"github.com/roach88/lockstep/internal/value"
)

// EndpointSummary is the final view of one endpoint.
type EndpointSummary struct {
	Name    string
	ID      lockstep.ClientID
	TickID  int64
	State   value.Value
	Started bool
	Frozen  bool
	// Events counts emitted events by kind name.
	Events map[string]int
	// Errors lists the codes of reported errors in order.
	Errors []string
}

// FutureOutcome is the final status of the future created by a send step.
type FutureOutcome struct {
	Step     int
	Endpoint string
	Status   string
	State    value.Value
	Error    string
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every assertion held.
	Pass bool

	// Errors contains assertion failure messages.
	Errors []string

	// Endpoints lists the host first, then clients in join order.
	Endpoints []EndpointSummary

	// Futures lists send step outcomes in step order.
	Futures []FutureOutcome
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{Pass: true, Errors: []string{}}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// Endpoint returns the summary of the named endpoint.
func (r *Result) Endpoint(name string) (EndpointSummary, bool) {
	for _, e := range r.Endpoints {
		if e.Name == name {
			return e, true
		}
	}
	return EndpointSummary{}, false
}

// Future returns the outcome of a send step.
func (r *Result) Future(step int) (FutureOutcome, bool) {
	for _, f := range r.Futures {
		if f.Step == step {
			return f, true
		}
	}
	return FutureOutcome{}, false
}
