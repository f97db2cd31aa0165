// Package diff computes and applies patches between two JSON
// representations of the same viewport.
//
// Patches are RFC 7386 JSON merge patches. Representations keep their
// collections in objects keyed by a stable id so that a patch only carries
// the members that changed.
package diff

import (
	"encoding/json"

	jsonpatch "github.com/evanphx/json-patch"
	"github.com/juju/errors"
)

// ErrIncomparable is returned when two representations do not have a shape
// a patch can be computed for. It indicates a programming error.
const ErrIncomparable = errors.ConstError("representations are not comparable")

// Engine is the stateless diff engine.
type Engine struct{}

// Diff returns a patch that turns old into new. Both documents must be JSON
// objects.
func (Engine) Diff(old, new []byte) ([]byte, error) {
	if old == nil {
		return nil, errors.Annotate(ErrIncomparable, "diff without a baseline")
	}
	if !isObject(old) || !isObject(new) {
		return nil, errors.Annotate(ErrIncomparable, "non-object representation")
	}
	patch, err := jsonpatch.CreateMergePatch(old, new)
	if err != nil {
		return nil, errors.Annotate(ErrIncomparable, err.Error())
	}
	return patch, nil
}

// Apply applies patch to doc.
func (Engine) Apply(doc, patch []byte) ([]byte, error) {
	out, err := jsonpatch.MergePatch(doc, patch)
	if err != nil {
		return nil, errors.Annotate(err, "applying patch")
	}
	return out, nil
}

// Empty reports whether a patch carries no changes.
func Empty(patch []byte) bool {
	return jsonpatch.Equal(patch, []byte(`{}`))
}

// Equal reports whether two representations are semantically equal.
func Equal(a, b []byte) bool {
	return jsonpatch.Equal(a, b)
}

func isObject(doc []byte) bool {
	var m map[string]json.RawMessage
	return json.Unmarshal(doc, &m) == nil && m != nil
}
