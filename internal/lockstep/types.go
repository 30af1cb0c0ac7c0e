package lockstep

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/roach88/lockstep/internal/value"
)

// ClientID identifies an endpoint within one session. The host is usually 0.
type ClientID int

// Action is an application-defined command with a type discriminator.
type Action struct {
	Type string       `json:"type"`
	Args value.Object `json:"args,omitempty"`
}

// NewAction builds an action from native Go arguments. It panics on
// unsupported argument types, so it is meant for literals.
func NewAction(typ string, args map[string]any) Action {
	a := Action{Type: typ}
	if len(args) > 0 {
		a.Args = value.MustFrom(args).(value.Object)
	}
	return a
}

// QueueItem is an action travelling through the output and host queues,
// correlated with the sender's pending future by PromiseID.
type QueueItem struct {
	Action
	PromiseID int64    `json:"promiseId"`
	ClientID  ClientID `json:"clientId"`
}

// Frame is one sealed tick: an immutable, ordered batch of actions.
// Client to host pushes reuse the shape with ID 0.
type Frame struct {
	ID      int64         `json:"id"`
	RTT     time.Duration `json:"rtt"`
	Actions []QueueItem   `json:"actions"`
}

// Ack acknowledges tick ID and relays the sender's queued actions to the host.
type Ack struct {
	ID      int64       `json:"id"`
	Actions []QueueItem `json:"actions"`
}

// ConnectData travels both ways: a client sends it with only Meta set to ask
// to join; the host answers with the full snapshot.
type ConnectData struct {
	State  value.Value  `json:"state"`
	TickID int64        `json:"tickId"`
	Config Config       `json:"config"`
	ID     ClientID     `json:"id"`
	Meta   value.Object `json:"meta"`
}

// UnmarshalJSON decodes State through the value codec since it is an interface.
func (d *ConnectData) UnmarshalJSON(data []byte) error {
	type alias ConnectData
	aux := struct {
		*alias
		State json.RawMessage `json:"state"`
	}{alias: (*alias)(d)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	d.State = nil
	if len(aux.State) > 0 {
		st, err := value.Parse(aux.State)
		if err != nil {
			return fmt.Errorf("connect state: %w", err)
		}
		d.State = st
	}
	return nil
}

// MarshalJSON writes State through the value codec.
func (d ConnectData) MarshalJSON() ([]byte, error) {
	type alias ConnectData
	state, err := value.Marshal(d.State)
	if err != nil {
		return nil, fmt.Errorf("connect state: %w", err)
	}
	return json.Marshal(struct {
		alias
		State json.RawMessage `json:"state"`
	}{alias: alias(d), State: state})
}

// Machine is the deterministic state transition function owned by one
// synchronizer. It is only touched from the synchronizer's scheduler.
type Machine interface {
	State() value.Value
	LoadState(state value.Value) error
	Run(action QueueItem) (value.Value, error)
}

// Connector moves messages between endpoints. Methods may be called from the
// scheduler only and must not block on the network for long.
type Connector interface {
	HostID() ClientID
	ClientID() ClientID
	Push(frame Frame, target ClientID) error
	Ack(ack Ack, target ClientID) error
	Connect(data ConnectData, target ClientID) error
	Disconnect(target ClientID) error
	Error(err error, target ClientID) error
}

// Handler receives inbound traffic from a Connector. Implementations are safe
// to call from any goroutine.
type Handler interface {
	HandleAction(frame Frame, from ClientID)
	HandleAck(ack Ack, from ClientID)
	HandleConnect(data ConnectData, from ClientID)
	HandleDisconnect(from ClientID)
	HandleError(err error, from ClientID)
}

// Identity is implemented by connectors that learn their client id from the
// host's connect answer.
type Identity interface {
	SetClientID(id ClientID)
}
