package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/lockstep/internal/config"
	"github.com/roach88/lockstep/internal/lockstep"
)

// HostName is the reserved endpoint name of the host.
const HostName = "host"

// Scenario is one scripted session.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Config holds session keys (dynamic, fixed_tick, ...). Missing keys
	// take config.Default values.
	Config map[string]any `yaml:"config,omitempty"`

	// Seed is the host calculator's initial stack.
	Seed []int64 `yaml:"seed,omitempty"`

	// Delay is the one-way network delay, e.g. "20ms".
	Delay string `yaml:"delay,omitempty"`

	// HostMeta is passed to Host.Start.
	HostMeta map[string]any `yaml:"host_meta,omitempty"`

	// Clients declares the clients that steps may refer to.
	Clients []ClientDef `yaml:"clients,omitempty"`

	Steps      []Step      `yaml:"steps"`
	Assertions []Assertion `yaml:"assertions"`
}

// ClientDef declares a client and its join metadata.
type ClientDef struct {
	Name string         `yaml:"name"`
	Meta map[string]any `yaml:"meta,omitempty"`
}

// Step is one scripted operation. Exactly one field is set.
type Step struct {
	Join    string    `yaml:"join,omitempty"`
	Leave   string    `yaml:"leave,omitempty"`
	Pause   string    `yaml:"pause,omitempty"`
	Resume  string    `yaml:"resume,omitempty"`
	Kick    string    `yaml:"kick,omitempty"`
	Stop    string    `yaml:"stop,omitempty"`
	Advance string    `yaml:"advance,omitempty"`
	Send    *SendStep `yaml:"send,omitempty"`
}

// SendStep queues an action on an endpoint.
type SendStep struct {
	From string         `yaml:"from"`
	Type string         `yaml:"type"`
	Args map[string]any `yaml:"args,omitempty"`
}

// Assertion validates the outcome of a run.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// Endpoint names the host or a client (final_state, tick, event_count,
	// error_code).
	Endpoint string `yaml:"endpoint,omitempty"`

	// State is the expected machine state (final_state, future).
	State any `yaml:"state,omitempty"`

	// Tick is the expected last applied tick (tick).
	Tick int64 `yaml:"tick,omitempty"`

	// Event and Count check event_count.
	Event string `yaml:"event,omitempty"`
	Count int    `yaml:"count,omitempty"`

	// Code is the expected error code (error_code).
	Code string `yaml:"code,omitempty"`

	// Step is the 1-based index of a send step (future).
	Step int `yaml:"step,omitempty"`

	// Status is resolved, rejected or pending (future).
	Status string `yaml:"status,omitempty"`
}

// Assertion type constants.
const (
	AssertFinalState = "final_state"
	AssertConverged  = "converged"
	AssertTick       = "tick"
	AssertEventCount = "event_count"
	AssertErrorCode  = "error_code"
	AssertFuture     = "future"
)

// Future statuses.
const (
	StatusResolved = "resolved"
	StatusRejected = "rejected"
	StatusPending  = "pending"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML with strict field checking.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}

	return &scenario, nil
}

// SessionConfig validates the config block through the config file loader.
func (s *Scenario) SessionConfig() (lockstep.Config, error) {
	if len(s.Config) == 0 {
		return config.Default().Session, nil
	}
	doc, err := yaml.Marshal(map[string]any{"session": s.Config})
	if err != nil {
		return lockstep.Config{}, fmt.Errorf("config: %w", err)
	}
	f, err := config.Parse(doc)
	if err != nil {
		return lockstep.Config{}, fmt.Errorf("config: %w", err)
	}
	return f.Session, nil
}

func (s *Scenario) client(name string) (ClientDef, bool) {
	for _, c := range s.Clients {
		if c.Name == name {
			return c, true
		}
	}
	return ClientDef{}, false
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}

	if s.Description == "" {
		return fmt.Errorf("description is required")
	}

	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	if _, err := s.SessionConfig(); err != nil {
		return err
	}

	if s.Delay != "" {
		if _, err := time.ParseDuration(s.Delay); err != nil {
			return fmt.Errorf("delay: %w", err)
		}
	}

	seen := make(map[string]bool)
	for i, c := range s.Clients {
		switch {
		case c.Name == "":
			return fmt.Errorf("clients[%d]: name is required", i)
		case c.Name == HostName:
			return fmt.Errorf("clients[%d]: %q is reserved", i, HostName)
		case seen[c.Name]:
			return fmt.Errorf("clients[%d]: duplicate name %q", i, c.Name)
		}
		seen[c.Name] = true
	}

	for i, step := range s.Steps {
		if err := s.validateStep(step); err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
	}

	for i, assertion := range s.Assertions {
		if err := s.validateAssertion(i, &assertion); err != nil {
			return err
		}
	}

	return nil
}

func (s *Scenario) validateStep(step Step) error {
	set := 0
	for _, v := range []string{step.Join, step.Leave, step.Pause, step.Resume, step.Kick, step.Stop, step.Advance} {
		if v != "" {
			set++
		}
	}
	if step.Send != nil {
		set++
	}
	if set != 1 {
		return fmt.Errorf("exactly one operation is required, found %d", set)
	}

	for _, name := range []string{step.Join, step.Leave, step.Pause, step.Resume, step.Kick} {
		if name == "" {
			continue
		}
		if _, ok := s.client(name); !ok {
			return fmt.Errorf("unknown client %q", name)
		}
	}
	if step.Stop != "" && !s.knownEndpoint(step.Stop) {
		return fmt.Errorf("unknown endpoint %q", step.Stop)
	}
	if step.Advance != "" {
		d, err := time.ParseDuration(step.Advance)
		if err != nil {
			return fmt.Errorf("advance: %w", err)
		}
		if d <= 0 {
			return fmt.Errorf("advance must be positive, got %s", d)
		}
	}
	if step.Send != nil {
		if !s.knownEndpoint(step.Send.From) {
			return fmt.Errorf("send: unknown endpoint %q", step.Send.From)
		}
		if step.Send.Type == "" {
			return fmt.Errorf("send: type is required")
		}
	}
	return nil
}

func (s *Scenario) knownEndpoint(name string) bool {
	if name == HostName {
		return true
	}
	_, ok := s.client(name)
	return ok
}

// validateAssertion validates a single assertion based on its type.
func (s *Scenario) validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	needEndpoint := func() error {
		if !s.knownEndpoint(a.Endpoint) {
			return fmt.Errorf("assertions[%d]: unknown endpoint %q for %s", index, a.Endpoint, a.Type)
		}
		return nil
	}

	switch a.Type {
	case AssertConverged:
	case AssertFinalState:
		if err := needEndpoint(); err != nil {
			return err
		}
		if a.State == nil {
			return fmt.Errorf("assertions[%d]: state is required for final_state", index)
		}
	case AssertTick:
		return needEndpoint()
	case AssertEventCount:
		if err := needEndpoint(); err != nil {
			return err
		}
		if _, ok := eventKinds[a.Event]; !ok {
			return fmt.Errorf("assertions[%d]: unknown event %q", index, a.Event)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for event_count", index)
		}
	case AssertErrorCode:
		if err := needEndpoint(); err != nil {
			return err
		}
		if a.Code == "" {
			return fmt.Errorf("assertions[%d]: code is required for error_code", index)
		}
	case AssertFuture:
		if a.Step < 1 || a.Step > len(s.Steps) || s.Steps[a.Step-1].Send == nil {
			return fmt.Errorf("assertions[%d]: step %d is not a send step", index, a.Step)
		}
		switch a.Status {
		case StatusResolved, StatusRejected, StatusPending:
		default:
			return fmt.Errorf("assertions[%d]: unknown status %q", index, a.Status)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}

	return nil
}

var eventKinds = map[string]lockstep.EventKind{
	"start":      lockstep.EventStart,
	"stop":       lockstep.EventStop,
	"connect":    lockstep.EventConnect,
	"disconnect": lockstep.EventDisconnect,
	"tick":       lockstep.EventTick,
	"freeze":     lockstep.EventFreeze,
	"unfreeze":   lockstep.EventUnfreeze,
	"error":      lockstep.EventError,
}
