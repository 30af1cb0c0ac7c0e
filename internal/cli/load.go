package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/roach88/lockstep/internal/config"
	"github.com/roach88/lockstep/internal/lockstep"
	"github.com/roach88/lockstep/internal/machine"
	"github.com/roach88/lockstep/internal/value"
)

// loadFile reads the session file (or the defaults) and applies LOCKSTEP_*
// overrides from the environment.
func loadFile(path string) (config.File, error) {
	f := config.Default()
	if path != "" {
		var err error
		f, err = config.Load(path)
		if err != nil {
			return config.File{}, err
		}
	}
	return config.ApplyEnv(f, nil)
}

// parseMeta merges key=value pairs over base. Values that parse as JSON are
// kept as such; anything else is a string.
func parseMeta(base value.Object, pairs []string) (value.Object, error) {
	meta := base.Clone()
	if meta == nil {
		meta = value.Object{}
	}
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid meta %q: expected key=value", pair)
		}
		parsed, err := value.Parse([]byte(v))
		if err != nil {
			parsed = value.String(v)
		}
		meta[k] = parsed
	}
	return meta, nil
}

// parseAction reads one calculator input line:
//
//	number 5
//	+
//	custom {"key": 1}
func parseAction(line string) (lockstep.Action, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return lockstep.Action{}, fmt.Errorf("empty action")
	}
	typ, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)
	if rest == "" {
		return machine.Op(typ), nil
	}
	if typ == machine.OpNumber && !strings.HasPrefix(rest, "{") {
		v, err := value.Parse([]byte(rest))
		if err != nil {
			return lockstep.Action{}, fmt.Errorf("number: %w", err)
		}
		n, ok := v.(value.Int)
		if !ok {
			return lockstep.Action{}, fmt.Errorf("number: %q is not an integer", rest)
		}
		return machine.Number(int64(n)), nil
	}
	v, err := value.Parse([]byte(rest))
	if err != nil {
		return lockstep.Action{}, fmt.Errorf("%s args: %w", typ, err)
	}
	args, ok := v.(value.Object)
	if !ok {
		return lockstep.Action{}, fmt.Errorf("%s args must be an object", typ)
	}
	return lockstep.Action{Type: typ, Args: args}, nil
}

// rawState encodes a state for output. Unencodable states print as null.
func rawState(v value.Value) json.RawMessage {
	data, err := value.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return data
}

// stateReport is printed when a session ends.
type stateReport struct {
	Role    string          `json:"role"`
	Session string          `json:"session,omitempty"`
	TickID  int64           `json:"tickId"`
	State   json.RawMessage `json:"state"`
}

func newStateReport(role, session string, tick int64, state value.Value) stateReport {
	return stateReport{Role: role, Session: session, TickID: tick, State: rawState(state)}
}

func (r stateReport) String() string {
	s := fmt.Sprintf("%s stopped at tick %d, state %s", r.Role, r.TickID, r.State)
	if r.Session != "" {
		s += fmt.Sprintf(" (journal session %s)", r.Session)
	}
	return s
}
