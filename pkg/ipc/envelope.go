package ipc

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Envelope is the unit exchanged between the manager and a child process.
type Envelope struct {
	Nonce   string          `json:"nonce,omitempty"`
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *RemoteError    `json:"error,omitempty"`
	Options *Options        `json:"options,omitempty"`
}

// Options carries per-request settings that travel with the envelope.
type Options struct {
	// Timeout in milliseconds; zero means the receiver's default.
	Timeout int64 `json:"timeout,omitempty"`
}

// TimeoutDuration converts the wire timeout to a duration.
func (o *Options) TimeoutDuration() time.Duration {
	if o == nil {
		return 0
	}
	return time.Duration(o.Timeout) * time.Millisecond
}

// GenerateNonce returns a correlation id made of a base36 millisecond
// timestamp followed by a random suffix.
func GenerateNonce() string {
	ts := strconv.FormatInt(time.Now().UnixMilli(), 36)
	return ts + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// NewEnvelope builds an envelope of the given type with a fresh nonce.
// A nil payload leaves Payload empty.
func NewEnvelope(t MessageType, payload any) (Envelope, error) {
	env := Envelope{Nonce: GenerateNonce(), Type: t}
	if err := env.setPayload(payload); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// MustEnvelope is NewEnvelope for payloads that always marshal.
func MustEnvelope(t MessageType, payload any) Envelope {
	env, err := NewEnvelope(t, payload)
	if err != nil {
		panic(err)
	}
	return env
}

// Reply builds a response that carries the receiver's nonce verbatim.
func (e Envelope) Reply(t MessageType, payload any) (Envelope, error) {
	reply := Envelope{Nonce: e.Nonce, Type: t}
	if err := reply.setPayload(payload); err != nil {
		return Envelope{}, err
	}
	return reply, nil
}

// ReplyError builds a failed response for e.
func (e Envelope) ReplyError(t MessageType, err error) Envelope {
	return Envelope{Nonce: e.Nonce, Type: t, Error: NewRemoteError(err)}
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s envelope has no payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", e.Type, err)
	}
	return nil
}

// WithTimeout attaches a request timeout to the envelope.
func (e Envelope) WithTimeout(d time.Duration) Envelope {
	if d > 0 {
		e.Options = &Options{Timeout: d.Milliseconds()}
	}
	return e
}

func (e *Envelope) setPayload(payload any) error {
	if payload == nil {
		return nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		e.Payload = raw
		return nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s payload: %w", e.Type, err)
	}
	e.Payload = data
	return nil
}
