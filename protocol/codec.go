package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// ErrMalformedMessage is returned for inbound frames which are not a JSON object with a string
// `type` field, or whose body does not match the shape for that type.
var ErrMalformedMessage = errors.New("malformed message")

// Envelope is the routing information common to all messages, plus the raw frame so the body can
// be decoded once the type is known.
type Envelope struct {
	Type      MsgType
	From      string
	To        string
	Timestamp int64
	Raw       []byte
}

// ParseEnvelope peeks at the envelope fields without decoding the body.
func ParseEnvelope(raw []byte) (*Envelope, error) {
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("%w: invalid JSON", ErrMalformedMessage)
	}
	parsed := gjson.ParseBytes(raw)
	if !parsed.IsObject() {
		return nil, fmt.Errorf("%w: not an object", ErrMalformedMessage)
	}
	typ := parsed.Get("type")
	if typ.Type != gjson.String || typ.Str == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedMessage)
	}
	return &Envelope{
		Type:      MsgType(typ.Str),
		From:      parsed.Get("from").Str,
		To:        parsed.Get("to").Str,
		Timestamp: parsed.Get("timestamp").Int(),
		Raw:       raw,
	}, nil
}

// Decode the body of the message into v.
func (e *Envelope) Decode(v any) error {
	if err := json.Unmarshal(e.Raw, v); err != nil {
		return fmt.Errorf("%w: %s body: %s", ErrMalformedMessage, e.Type, err)
	}
	return nil
}

// Encoder stamps outbound messages with the local client id and the current time.
type Encoder struct {
	From string
	Now  func() time.Time
}

// Encode marshals body and adds the envelope fields. `from` and `timestamp` are only added if the
// body does not already carry them, and `from` is never added to a JOIN: a JOIN carries it in its
// body once the client id has been announced. An empty `to` means the message is for every peer.
func (e *Encoder) Encode(typ MsgType, to string, body any) ([]byte, error) {
	b := []byte("{}")
	if body != nil {
		var err error
		b, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal %s: %w", typ, err)
		}
		if !gjson.ParseBytes(b).IsObject() {
			return nil, fmt.Errorf("marshal %s: body is not an object", typ)
		}
	}
	b, err := sjson.SetBytes(b, "type", string(typ))
	if err != nil {
		return nil, err
	}
	if to != "" {
		if b, err = sjson.SetBytes(b, "to", to); err != nil {
			return nil, err
		}
	}
	if typ != MsgJoin && e.From != "" && !gjson.GetBytes(b, "from").Exists() {
		if b, err = sjson.SetBytes(b, "from", e.From); err != nil {
			return nil, err
		}
	}
	if !gjson.GetBytes(b, "timestamp").Exists() {
		now := time.Now
		if e.Now != nil {
			now = e.Now
		}
		if b, err = sjson.SetBytes(b, "timestamp", now().UnixMilli()); err != nil {
			return nil, err
		}
	}
	return b, nil
}
