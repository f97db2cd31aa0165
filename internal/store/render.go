package store

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/juju/errors"

	"collabtext/diam/internal/viewport"
)

// Representation formats.
const (
	FormatJSON    = "json"
	FormatCompact = "compact"
)

// Annotation is one stored span.
type Annotation struct {
	ID    int64  `db:"id"`
	Layer string `db:"layer"`
	Label string `db:"label"`
	Begin int    `db:"begin_offset"`
	End   int    `db:"end_offset"`
}

// Render loads the window of the document described by key together with
// the owner's annotations overlapping it, and encodes them in key.Format.
func (s *Store) Render(ctx context.Context, key viewport.Key) ([]byte, error) {
	ctx, release, err := s.scopes.Acquire(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer release()

	text, err := s.windowText(ctx, key)
	if err != nil {
		return nil, errors.Trace(err)
	}
	annotations, err := s.annotations(ctx, key)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return Build(key, text, annotations)
}

func (s *Store) session(ctx context.Context) (*Session, func(), error) {
	ctx, release, err := s.scopes.Acquire(ctx)
	if err != nil {
		return nil, nil, errors.Trace(err)
	}
	session, _ := s.scopes.From(ctx)
	return session, release, nil
}

func (s *Store) windowText(ctx context.Context, key viewport.Key) (string, error) {
	session, release, err := s.session(ctx)
	if err != nil {
		return "", errors.Trace(err)
	}
	defer release()

	var text string
	err = session.tx.QueryRow(ctx,
		`SELECT substr(text, $3 + 1, $4 - $3) FROM documents WHERE id = $1 AND project_id = $2`,
		key.DocumentID, key.ProjectID, key.Begin, key.End,
	).Scan(&text)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", errors.NotFoundf("document %d in project %d", key.DocumentID, key.ProjectID)
	} else if err != nil {
		return "", errors.Annotatef(err, "reading document %d", key.DocumentID)
	}
	return text, nil
}

func (s *Store) annotations(ctx context.Context, key viewport.Key) ([]Annotation, error) {
	session, release, err := s.session(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer release()

	rows, err := session.tx.Query(ctx, `
SELECT id, layer, label, begin_offset, end_offset
FROM annotations
WHERE document_id = $1 AND owner = $2
  AND ((begin_offset < $4 AND end_offset > $3)
    OR (begin_offset = end_offset AND begin_offset BETWEEN $3 AND $4)
    OR ($3 = $4 AND begin_offset <= $3 AND end_offset >= $3))
ORDER BY begin_offset, id`,
		key.DocumentID, key.DataOwner, key.Begin, key.End,
	)
	if err != nil {
		return nil, errors.Annotatef(err, "querying annotations of document %d", key.DocumentID)
	}
	annotations, err := pgx.CollectRows(rows, pgx.RowToStructByName[Annotation])
	if err != nil {
		return nil, errors.Annotatef(err, "reading annotations of document %d", key.DocumentID)
	}
	return annotations, nil
}

type jsonSpan struct {
	Layer string `json:"layer"`
	Label string `json:"label"`
	Begin int    `json:"begin"`
	End   int    `json:"end"`
}

type representation struct {
	Document int64          `json:"document"`
	Begin    int            `json:"begin"`
	End      int            `json:"end"`
	Text     string         `json:"text"`
	Spans    map[string]any `json:"spans"`
}

// Build encodes a window and its annotations. Span offsets are relative to
// the window begin and clipped to the window. Spans are keyed by annotation
// id so that patches between two renders only carry changed spans.
func Build(key viewport.Key, text string, annotations []Annotation) ([]byte, error) {
	if key.Format != FormatJSON && key.Format != FormatCompact {
		return nil, errors.NotValidf("format %q", key.Format)
	}
	rep := representation{
		Document: key.DocumentID,
		Begin:    key.Begin,
		End:      key.End,
		Text:     text,
		Spans:    make(map[string]any, len(annotations)),
	}
	for _, a := range annotations {
		begin := clip(a.Begin-key.Begin, 0, key.End-key.Begin)
		end := clip(a.End-key.Begin, begin, key.End-key.Begin)
		id := strconv.FormatInt(a.ID, 10)
		if key.Format == FormatCompact {
			rep.Spans[id] = []any{begin, end, a.Label}
			continue
		}
		rep.Spans[id] = jsonSpan{Layer: a.Layer, Label: a.Label, Begin: begin, End: end}
	}
	b, err := json.Marshal(rep)
	return b, errors.Trace(err)
}

func clip(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
