package bus

import (
	"context"
	"encoding/json"

	"github.com/juju/errors"
	"github.com/oklog/ulid/v2"
)

// DefaultEventsChannel is the topic mutation events are announced on.
const DefaultEventsChannel = "diam:events"

// EventKind distinguishes whole-document changes from ranged ones.
type EventKind string

const (
	// DocumentEvent says the persisted annotations of a document changed.
	DocumentEvent EventKind = "document"

	// RangeEvent says the transient annotations of one owner changed in
	// a range.
	RangeEvent EventKind = "range"
)

// MutationEvent announces a change to the annotation state of a document.
type MutationEvent struct {
	ID         string    `json:"id"`
	Kind       EventKind `json:"kind"`
	DocumentID int64     `json:"documentId"`
	DataOwner  string    `json:"dataOwner,omitempty"`
	Begin      int       `json:"begin,omitempty"`
	End        int       `json:"end,omitempty"`
}

// NewDocumentEvent returns an event for a whole-document change. An empty
// owner means every owner.
func NewDocumentEvent(documentID int64, owner string) MutationEvent {
	return MutationEvent{
		ID:         ulid.Make().String(),
		Kind:       DocumentEvent,
		DocumentID: documentID,
		DataOwner:  owner,
	}
}

// NewRangeEvent returns an event for a change of owner's annotations in
// [begin, end).
func NewRangeEvent(documentID int64, owner string, begin, end int) MutationEvent {
	return MutationEvent{
		ID:         ulid.Make().String(),
		Kind:       RangeEvent,
		DocumentID: documentID,
		DataOwner:  owner,
		Begin:      begin,
		End:        end,
	}
}

// Validate checks that the event can be dispatched.
func (e MutationEvent) Validate() error {
	switch e.Kind {
	case DocumentEvent:
	case RangeEvent:
		if e.DataOwner == "" {
			return errors.NotValidf("range event without data owner")
		}
		if e.Begin < 0 || e.Begin > e.End {
			return errors.NotValidf("range event [%d,%d)", e.Begin, e.End)
		}
	default:
		return errors.NotValidf("event kind %q", string(e.Kind))
	}
	return nil
}

// ParseEvent decodes and validates an event.
func ParseEvent(payload []byte) (MutationEvent, error) {
	var e MutationEvent
	if err := json.Unmarshal(payload, &e); err != nil {
		return MutationEvent{}, errors.NotValidf("event payload: %v", err)
	}
	if err := e.Validate(); err != nil {
		return MutationEvent{}, errors.Trace(err)
	}
	return e, nil
}

// Announce publishes an event on channel.
func Announce(ctx context.Context, p Publisher, channel string, e MutationEvent) error {
	if err := e.Validate(); err != nil {
		return errors.Trace(err)
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(p.Publish(ctx, channel, payload))
}
