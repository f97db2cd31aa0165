package syncsvc

import (
	"encoding/json"

	"github.com/juju/errors"

	"collabtext/diam/internal/viewport"
)

// Snapshot is the full representation sent to a new subscriber.
type Snapshot struct {
	Key            viewport.Key    `json:"key"`
	Topic          string          `json:"topic"`
	Representation json.RawMessage `json:"representation"`
}

// Update is the payload published when a viewport changes. Window
// identifies the viewport the patch belongs to, which matters on topics
// shared by every window of a document.
type Update struct {
	Window viewport.Window `json:"window"`
	Begin  int             `json:"begin"`
	End    int             `json:"end"`
	Patch  json.RawMessage `json:"patch"`
}

// Marshal encodes the update for publishing.
func (u Update) Marshal() ([]byte, error) {
	b, err := json.Marshal(u)
	return b, errors.Trace(err)
}

// ParseUpdate decodes a published update.
func ParseUpdate(payload []byte) (Update, error) {
	var u Update
	if err := json.Unmarshal(payload, &u); err != nil {
		return Update{}, errors.NotValidf("update payload: %v", err)
	}
	if len(u.Patch) == 0 {
		return Update{}, errors.NotValidf("update without patch")
	}
	return u, nil
}

// SubscribeRequest asks for a viewport to be watched.
type SubscribeRequest struct {
	Principal    string
	Key          viewport.Key
	Subscription viewport.SubscriptionID
}

// Mutation describes a change to the annotation state of a document.
// An empty DataOwner affects every owner.
type Mutation struct {
	DocumentID int64
	DataOwner  string
	Range      viewport.Range
}

// Matches reports whether the viewport k is affected by the mutation.
func (m Mutation) Matches(k viewport.Key) bool {
	if k.DocumentID != m.DocumentID {
		return false
	}
	if m.DataOwner != "" && k.DataOwner != m.DataOwner {
		return false
	}
	return m.Range.Overlaps(k.Range())
}

// affected clips the mutated range to the window of k.
func (m Mutation) affected(k viewport.Key) viewport.Range {
	r := m.Range
	if r.Begin < k.Begin {
		r.Begin = k.Begin
	}
	if r.End > k.End {
		r.End = k.End
	}
	if r.End < r.Begin {
		r.End = r.Begin
	}
	return r
}
