// Package query implements the HTTP query plane: a lazy streaming reader
// over large JSON result documents and thin clients for the N1QL, Search,
// Views and Analytics services.
package query

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

var (
	// ErrStreamAlreadyRead: the single-shot iterator was resumed after it
	// finished.
	ErrStreamAlreadyRead = errors.New("query: stream already read")

	// ErrStreamNotDrained: metadata was requested before the row stream
	// reached end-of-document.
	ErrStreamNotDrained = errors.New("query: stream not drained")
)

// ParseError is the terminal item of a stream whose body was malformed
// JSON. Rows yielded before the fault remain valid.
type ParseError struct {
	Cause error
}

func (e *ParseError) Error() string { return fmt.Sprintf("query: malformed response: %v", e.Cause) }
func (e *ParseError) Unwrap() error { return e.Cause }

type readerState int

const (
	stateSeekingRows readerState = iota
	stateInRows
	stateTailingMeta
	stateDone
	stateFailed
)

// RowReader streams the elements of one designated top-level array out of a
// JSON document without materializing the document. Scalar fields seen
// before the array are buffered as metadata; fields after it (including
// errors and warnings blocks) are captured while the tail is drained. The
// reader holds at most one row plus the decoder's look-ahead.
type RowReader struct {
	body     io.ReadCloser
	dec      *json.Decoder
	rowsAttr string

	state readerState
	meta  map[string]json.RawMessage

	closeOnce sync.Once
	closeErr  error
}

// NewRowReader wraps a response body. rowsAttr names the top-level array to
// stream ("rows", "results", "hits").
func NewRowReader(body io.ReadCloser, rowsAttr string) *RowReader {
	return &RowReader{
		body:     body,
		dec:      json.NewDecoder(body),
		rowsAttr: rowsAttr,
		meta:     make(map[string]json.RawMessage),
	}
}

// NextRow returns the next row, or nil at the end of the stream. The first
// nil return drains the document tail so metadata becomes available. A
// malformed body surfaces as a *ParseError, after which the reader is
// spent. Calling NextRow again after either end is ErrStreamAlreadyRead.
func (r *RowReader) NextRow() (json.RawMessage, error) {
	switch r.state {
	case stateDone, stateFailed:
		return nil, ErrStreamAlreadyRead
	}

	row, err := r.advance()
	if err != nil {
		r.state = stateFailed
		return nil, &ParseError{Cause: err}
	}
	return row, nil
}

func (r *RowReader) advance() (json.RawMessage, error) {
	if r.state == stateSeekingRows {
		if err := r.seekRows(); err != nil {
			return nil, err
		}
	}

	if r.state == stateInRows {
		if r.dec.More() {
			var row json.RawMessage
			if err := r.dec.Decode(&row); err != nil {
				return nil, err
			}
			return row, nil
		}
		// closing bracket of the rows array
		if _, err := r.dec.Token(); err != nil {
			return nil, err
		}
		r.state = stateTailingMeta
	}

	if r.state == stateTailingMeta {
		if err := r.tailMeta(); err != nil {
			return nil, err
		}
		r.state = stateDone
	}
	return nil, nil
}

// seekRows consumes the document opening and every field before the rows
// array, capturing them as metadata.
func (r *RowReader) seekRows() error {
	tok, err := r.dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("expected object start, got %v", tok)
	}

	for {
		tok, err := r.dec.Token()
		if err != nil {
			return err
		}
		if d, ok := tok.(json.Delim); ok && d == '}' {
			// document without a rows array at all: empty result
			r.state = stateDone
			return nil
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("expected field name, got %v", tok)
		}

		if key == r.rowsAttr {
			tok, err := r.dec.Token()
			if err != nil {
				return err
			}
			if d, ok := tok.(json.Delim); !ok || d != '[' {
				return fmt.Errorf("field %q is not an array", key)
			}
			r.state = stateInRows
			return nil
		}

		var raw json.RawMessage
		if err := r.dec.Decode(&raw); err != nil {
			return err
		}
		r.meta[key] = raw
	}
}

// tailMeta captures every field after the rows array through to the end of
// the document.
func (r *RowReader) tailMeta() error {
	for {
		tok, err := r.dec.Token()
		if err != nil {
			return err
		}
		if d, ok := tok.(json.Delim); ok && d == '}' {
			return nil
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("expected field name, got %v", tok)
		}
		var raw json.RawMessage
		if err := r.dec.Decode(&raw); err != nil {
			return err
		}
		r.meta[key] = raw
	}
}

// MetaData returns the captured top-level fields. Only valid once the
// stream has been fully drained; before that the values are not yet
// authoritative.
func (r *RowReader) MetaData() (map[string]json.RawMessage, error) {
	if r.state != stateDone {
		return nil, ErrStreamNotDrained
	}
	return r.meta, nil
}

// Close closes the underlying byte stream. Idempotent.
func (r *RowReader) Close() error {
	r.closeOnce.Do(func() {
		r.closeErr = r.body.Close()
	})
	return r.closeErr
}
