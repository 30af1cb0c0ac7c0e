package harness

import (
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/lockstep/internal/value"
)

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s", e.Actual)
	return buf.String()
}

// evaluate runs every assertion and records failures on result.
func evaluate(s *Scenario, result *Result) {
	for _, a := range s.Assertions {
		if err := check(a, result); err != nil {
			result.AddError(err.Error())
		}
	}
}

func check(a Assertion, r *Result) error {
	switch a.Type {
	case AssertConverged:
		return assertConverged(r)
	case AssertFuture:
		return assertFuture(a, r)
	}

	ep, ok := r.Endpoint(a.Endpoint)
	if !ok {
		return &AssertionError{Type: a.Type, Expected: "endpoint " + a.Endpoint, Actual: "endpoint never joined"}
	}
	switch a.Type {
	case AssertFinalState:
		return assertState(a.Type, a.State, ep.State)
	case AssertTick:
		if ep.TickID != a.Tick {
			return &AssertionError{
				Type:     a.Type,
				Expected: fmt.Sprintf("%s at tick %d", ep.Name, a.Tick),
				Actual:   fmt.Sprintf("tick %d", ep.TickID),
			}
		}
	case AssertEventCount:
		if got := ep.Events[a.Event]; got != a.Count {
			return &AssertionError{
				Type:     a.Type,
				Expected: fmt.Sprintf("%d %s events on %s", a.Count, a.Event, ep.Name),
				Actual:   fmt.Sprintf("%d", got),
			}
		}
	case AssertErrorCode:
		if !slices.Contains(ep.Errors, a.Code) {
			return &AssertionError{
				Type:     a.Type,
				Expected: fmt.Sprintf("%s error on %s", a.Code, ep.Name),
				Actual:   fmt.Sprintf("%v", ep.Errors),
			}
		}
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return nil
}

func assertState(typ string, want any, got value.Value) error {
	expected, err := value.From(want)
	if err != nil {
		return fmt.Errorf("%s: expected state: %w", typ, err)
	}
	if !value.Equal(expected, got) {
		return &AssertionError{Type: typ, Expected: render(expected), Actual: render(got)}
	}
	return nil
}

// assertConverged checks that every started endpoint applied the same tick
// and holds the same state.
func assertConverged(r *Result) error {
	var ref *EndpointSummary
	for i := range r.Endpoints {
		ep := &r.Endpoints[i]
		if !ep.Started {
			continue
		}
		if ref == nil {
			ref = ep
			continue
		}
		if ep.TickID != ref.TickID || !value.Equal(ep.State, ref.State) {
			return &AssertionError{
				Type:     AssertConverged,
				Expected: fmt.Sprintf("%s at tick %d with %s", ref.Name, ref.TickID, render(ref.State)),
				Actual:   fmt.Sprintf("%s at tick %d with %s", ep.Name, ep.TickID, render(ep.State)),
			}
		}
	}
	return nil
}

func assertFuture(a Assertion, r *Result) error {
	f, ok := r.Future(a.Step)
	if !ok {
		return &AssertionError{Type: a.Type, Expected: fmt.Sprintf("future of step %d", a.Step), Actual: "no send at that step"}
	}
	if f.Status != a.Status {
		actual := f.Status
		if f.Error != "" {
			actual += ": " + f.Error
		}
		return &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("step %d %s", a.Step, a.Status),
			Actual:   actual,
		}
	}
	if a.State != nil {
		return assertState(a.Type, a.State, f.State)
	}
	return nil
}

func render(v value.Value) string {
	data, err := value.Marshal(v)
	if err != nil {
		return fmt.Sprintf("<%v>", err)
	}
	return string(data)
}
