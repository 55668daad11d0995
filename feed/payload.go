package feed

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Kind identifies what a stream frame carries.
type Kind int

const (
	KindUnknown Kind = iota
	KindItem
	KindDirectMessage
	KindFriends
	KindEvent
	KindDelete
	KindLimit
)

func (k Kind) String() string {
	switch k {
	case KindItem:
		return "item"
	case KindDirectMessage:
		return "direct_message"
	case KindFriends:
		return "friends"
	case KindEvent:
		return "event"
	case KindDelete:
		return "delete"
	case KindLimit:
		return "limit"
	default:
		return "unknown"
	}
}

var (
	// ErrNotObject is returned for frames that are valid JSON but not an object.
	ErrNotObject = errors.New("payload is not a JSON object")
	// ErrMissingID is returned for items and direct messages without a non-zero id.
	ErrMissingID = errors.New("payload has no id")
)

// Payload is a decoded stream frame. Exactly one of the pointer fields is set
// for the known kinds.
type Payload struct {
	Kind          Kind
	Item          *Item
	DirectMessage *DirectMessage
	Event         *Event
	Friends       []int64
	Raw           json.RawMessage
}

// Decode classifies and decodes a single stream frame.
func Decode(raw []byte) (*Payload, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		if json.Valid(raw) {
			return nil, ErrNotObject
		}
		return nil, errors.New("malformed payload")
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("malformed payload: %w", err)
	}
	p := &Payload{Raw: json.RawMessage(raw)}
	switch {
	case fields["direct_message"] != nil:
		var dm DirectMessage
		if err := json.Unmarshal(fields["direct_message"], &dm); err != nil {
			return nil, fmt.Errorf("decode direct message: %w", err)
		}
		if dm.ID == 0 {
			return nil, fmt.Errorf("decode direct message: %w", ErrMissingID)
		}
		p.Kind, p.DirectMessage = KindDirectMessage, &dm
	case fields["friends"] != nil:
		if err := json.Unmarshal(fields["friends"], &p.Friends); err != nil {
			return nil, fmt.Errorf("decode friends: %w", err)
		}
		p.Kind = KindFriends
	case fields["event"] != nil:
		var ev Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		p.Kind, p.Event = KindEvent, &ev
	case fields["delete"] != nil:
		p.Kind = KindDelete
	case fields["limit"] != nil:
		p.Kind = KindLimit
	case fields["text"] != nil && fields["user"] != nil:
		var it Item
		if err := json.Unmarshal(raw, &it); err != nil {
			return nil, fmt.Errorf("decode item: %w", err)
		}
		if it.ID == 0 {
			return nil, fmt.Errorf("decode item: %w", ErrMissingID)
		}
		p.Kind, p.Item = KindItem, &it
	default:
		p.Kind = KindUnknown
	}
	return p, nil
}
