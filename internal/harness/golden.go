package harness

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/lockstep/internal/value"
)

// Snapshot renders a result as indented canonical JSON. Object keys are
// sorted, so equal results always produce identical bytes.
func Snapshot(name string, r *Result) ([]byte, error) {
	endpoints := make(value.Array, 0, len(r.Endpoints))
	for _, ep := range r.Endpoints {
		events := value.Object{}
		for kind, n := range ep.Events {
			events[kind] = value.Int(n)
		}
		errs := make(value.Array, 0, len(ep.Errors))
		for _, code := range ep.Errors {
			errs = append(errs, value.String(code))
		}
		endpoints = append(endpoints, value.Object{
			"name":    value.String(ep.Name),
			"id":      value.Int(ep.ID),
			"tick":    value.Int(ep.TickID),
			"state":   stateOrNull(ep.State),
			"started": value.Bool(ep.Started),
			"frozen":  value.Bool(ep.Frozen),
			"events":  events,
			"errors":  errs,
		})
	}

	futures := make(value.Array, 0, len(r.Futures))
	for _, f := range r.Futures {
		obj := value.Object{
			"step":     value.Int(f.Step),
			"endpoint": value.String(f.Endpoint),
			"status":   value.String(f.Status),
		}
		if f.Status == StatusResolved {
			obj["state"] = stateOrNull(f.State)
		}
		if f.Error != "" {
			obj["error"] = value.String(f.Error)
		}
		futures = append(futures, obj)
	}

	canonical, err := value.MarshalCanonical(value.Object{
		"scenario":  value.String(name),
		"endpoints": endpoints,
		"futures":   futures,
	})
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, canonical, "", "  "); err != nil {
		return nil, err
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

func stateOrNull(v value.Value) value.Value {
	if v == nil {
		return value.Null{}
	}
	return v
}

// RunWithGolden executes a scenario and compares its snapshot against
// testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Returns error if scenario execution fails.
// Test failure (via goldie) occurs if the snapshot doesn't match.
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}
	if err := AssertGolden(t, scenario.Name, result); err != nil {
		return nil, err
	}
	return result, nil
}

// AssertGolden compares an existing result against its golden file without
// re-running the scenario.
func AssertGolden(t *testing.T, name string, result *Result) error {
	t.Helper()

	data, err := Snapshot(name, result)
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, data)
	return nil
}
