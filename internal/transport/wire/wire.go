// Package wire is the {type, data} envelope shared by the lockstep
// transports.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/roach88/lockstep/internal/lockstep"
)

// Message types.
const (
	// MsgConnect: client join request (meta only), or the host's snapshot.
	MsgConnect = "connect"
	// MsgMeta is informational and ignored by both ends.
	MsgMeta = "meta"
	// MsgAction: client to host batch of actions.
	MsgAction = "action"
	// MsgPush: host to client sealed frame.
	MsgPush = "push"
	// MsgAck: tick acknowledgement plus queued actions.
	MsgAck = "ack"
	// MsgError: error notice. The ws server closes the peer after sending one.
	MsgError = "error"
)

// Envelope is one message on the wire.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// ErrorData is the payload of MsgError.
type ErrorData struct {
	Code     lockstep.ErrorCode `json:"code,omitempty"`
	Message  string             `json:"message"`
	ClientID lockstep.ClientID  `json:"clientId"`
	TickID   int64              `json:"tickId,omitempty"`
}

// ErrEmptyMessage is returned by Decode for a zero-length message.
var ErrEmptyMessage = errors.New("wire: empty message")

// Encode wraps payload in an envelope of type t.
func Encode(t string, payload any) ([]byte, error) {
	if t == "" {
		return nil, errors.New("wire: empty message type")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("wire: encode %s: %w", t, err)
	}
	return json.Marshal(Envelope{Type: t, Data: data})
}

// Decode parses an envelope. The payload stays raw until DecodeData.
func Decode(b []byte) (Envelope, error) {
	if len(b) == 0 {
		return Envelope{}, ErrEmptyMessage
	}
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return Envelope{}, fmt.Errorf("wire: decode envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, errors.New("wire: envelope without type")
	}
	return env, nil
}

// DecodeData unmarshals the envelope payload into T.
func DecodeData[T any](env Envelope) (T, error) {
	var out T
	if len(env.Data) == 0 {
		return out, fmt.Errorf("wire: empty payload for %q", env.Type)
	}
	if err := json.Unmarshal(env.Data, &out); err != nil {
		return out, fmt.Errorf("wire: decode %s: %w", env.Type, err)
	}
	return out, nil
}

// EncodeError converts err into a MsgError envelope, keeping the code of a
// SyncError.
func EncodeError(err error, target lockstep.ClientID) ([]byte, error) {
	data := ErrorData{Message: err.Error(), ClientID: target}
	var se *lockstep.SyncError
	if errors.As(err, &se) {
		data.Code = se.Code
		data.Message = se.Message
		data.ClientID = se.ClientID
		data.TickID = se.TickID
	}
	return Encode(MsgError, data)
}

// Err turns an error payload back into a SyncError.
func (d ErrorData) Err() error {
	code := d.Code
	if code == "" {
		code = lockstep.ErrCodeTransport
	}
	return &lockstep.SyncError{Code: code, Message: d.Message, ClientID: d.ClientID, TickID: d.TickID}
}

// Dispatch decodes env and calls the matching Handler method. Unknown types
// are an error; MsgMeta is accepted and ignored. A known type whose payload
// does not decode is reported to h as a PROTOCOL error and returned.
func Dispatch(env Envelope, h lockstep.Handler, from lockstep.ClientID) error {
	switch env.Type {
	case MsgConnect:
		data, err := DecodeData[lockstep.ConnectData](env)
		if err != nil {
			return malformed(h, from, env.Type, err)
		}
		h.HandleConnect(data, from)
	case MsgMeta:
		return nil
	case MsgAction, MsgPush:
		frame, err := DecodeData[lockstep.Frame](env)
		if err != nil {
			return malformed(h, from, env.Type, err)
		}
		h.HandleAction(frame, from)
	case MsgAck:
		ack, err := DecodeData[lockstep.Ack](env)
		if err != nil {
			return malformed(h, from, env.Type, err)
		}
		h.HandleAck(ack, from)
	case MsgError:
		data, err := DecodeData[ErrorData](env)
		if err != nil {
			return malformed(h, from, env.Type, err)
		}
		h.HandleError(data.Err(), from)
	default:
		return fmt.Errorf("wire: unknown message type %q", env.Type)
	}
	return nil
}

func malformed(h lockstep.Handler, from lockstep.ClientID, typ string, err error) error {
	h.HandleError(&lockstep.SyncError{
		Code:     lockstep.ErrCodeProtocol,
		Message:  fmt.Sprintf("malformed %s payload", typ),
		ClientID: from,
		Err:      err,
	}, from)
	return err
}
