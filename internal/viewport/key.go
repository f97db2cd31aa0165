package viewport

import (
	"fmt"
	"math"

	"github.com/juju/errors"
)

// Key identifies a watched window of a document. It is a comparable value:
// two keys built independently from the same fields are the same map key.
type Key struct {
	ProjectID  int64  `json:"projectId"`
	DocumentID int64  `json:"documentId"`
	DataOwner  string `json:"dataOwner"`
	Begin      int    `json:"begin"`
	End        int    `json:"end"`
	Format     string `json:"format"`
}

// NewKey validates the window fields and returns the key.
func NewKey(projectID, documentID int64, dataOwner string, begin, end int, format string) (Key, error) {
	k := Key{
		ProjectID:  projectID,
		DocumentID: documentID,
		DataOwner:  dataOwner,
		Begin:      begin,
		End:        end,
		Format:     format,
	}
	if err := k.Validate(); err != nil {
		return Key{}, err
	}
	return k, nil
}

// Validate reports whether the key describes a usable window.
func (k Key) Validate() error {
	switch {
	case k.DataOwner == "":
		return errors.NotValidf("empty data owner")
	case k.Format == "":
		return errors.NotValidf("empty format")
	case k.Begin < 0:
		return errors.NotValidf("negative begin offset %d", k.Begin)
	case k.Begin > k.End:
		return errors.NotValidf("window [%d,%d)", k.Begin, k.End)
	}
	return nil
}

// Range returns the offset window of the key.
func (k Key) Range() Range {
	return Range{Begin: k.Begin, End: k.End}
}

// Window returns the part of the key that clients use to tell windows on a
// shared document topic apart.
func (k Key) Window() Window {
	return Window{Begin: k.Begin, End: k.End, Format: k.Format}
}

func (k Key) String() string {
	return fmt.Sprintf("%d/%d/%s[%d,%d)/%s", k.ProjectID, k.DocumentID, k.DataOwner, k.Begin, k.End, k.Format)
}

// Window is the offset range and format of a viewport.
type Window struct {
	Begin  int    `json:"begin"`
	End    int    `json:"end"`
	Format string `json:"format"`
}

// Range is a half-open offset range [Begin, End).
type Range struct {
	Begin int `json:"begin"`
	End   int `json:"end"`
}

// FullRange covers every offset of a document.
var FullRange = Range{Begin: 0, End: math.MaxInt}

// Overlaps reports whether r and o share an offset. A zero-width range is an
// insertion point and overlaps any range that contains it or ends on it.
func (r Range) Overlaps(o Range) bool {
	switch {
	case r.Begin == r.End:
		return o.Begin <= r.Begin && r.Begin <= o.End
	case o.Begin == o.End:
		return r.Begin <= o.Begin && o.Begin <= r.End
	}
	return r.Begin < o.End && o.Begin < r.End
}

// SubscriptionID names one live watch: a transport session and the
// subscription it opened on that session.
type SubscriptionID struct {
	SessionID      string `json:"sessionId"`
	SubscriptionID string `json:"subscriptionId"`
}

func (s SubscriptionID) String() string {
	return s.SessionID + "/" + s.SubscriptionID
}
