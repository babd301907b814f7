package websocket

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/goccy/go-json"

	"jetstream-labeler/internal/models"
)

// DecodeError is a frame that could not be turned into an event. The stream
// skips it and keeps reading.
type DecodeError struct {
	Frame []byte
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode frame (%d bytes): %v", len(e.Frame), e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

type wireEvent struct {
	DID    string      `json:"did"`
	TimeUS int64       `json:"time_us"`
	Kind   string      `json:"kind"`
	Commit *wireCommit `json:"commit,omitempty"`
}

type wireCommit struct {
	Rev        string          `json:"rev"`
	Operation  string          `json:"operation"`
	Collection string          `json:"collection"`
	RKey       string          `json:"rkey"`
	Record     json.RawMessage `json:"record,omitempty"`
	CID        string          `json:"cid"`
}

// Decode parses one firehose frame. Commit records decode to the variant for
// their collection; unknown collections become *models.Opaque.
func Decode(frame []byte) (*models.StreamEvent, error) {
	var w wireEvent
	if err := json.Unmarshal(frame, &w); err != nil {
		return nil, &DecodeError{Frame: frame, Err: err}
	}
	if w.DID == "" || w.Kind == "" {
		return nil, &DecodeError{Frame: frame, Err: errors.New("missing did or kind")}
	}

	evt := &models.StreamEvent{
		SubjectID: w.DID,
		Sequence:  w.TimeUS,
		Kind:      w.Kind,
	}
	if w.Kind != models.KindCommit {
		return evt, nil
	}

	if w.Commit == nil || w.Commit.Operation == "" || w.Commit.Collection == "" || w.Commit.RKey == "" {
		return nil, &DecodeError{Frame: frame, Err: errors.New("commit event without commit body")}
	}

	commit := &models.Commit{
		Rev:        w.Commit.Rev,
		Operation:  w.Commit.Operation,
		Collection: w.Commit.Collection,
		RecordKey:  w.Commit.RKey,
		ContentID:  w.Commit.CID,
	}
	if w.Commit.Operation != models.OperationDelete && hasRecord(w.Commit.Record) {
		record, err := decodeRecord(w.Commit.Collection, w.Commit.Record)
		if err != nil {
			return nil, &DecodeError{Frame: frame, Err: err}
		}
		commit.Record = record
	}
	evt.Commit = commit
	return evt, nil
}

// hasRecord treats an explicit JSON null like an absent record.
func hasRecord(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && !bytes.Equal(raw, []byte("null"))
}

func decodeRecord(collection string, raw json.RawMessage) (models.Record, error) {
	switch collection {
	case models.CollectionPost:
		var p models.Post
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("post record: %w", err)
		}
		return &p, nil
	case models.CollectionRepost:
		var r models.Repost
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, fmt.Errorf("repost record: %w", err)
		}
		return &r, nil
	default:
		return &models.Opaque{Type: collection}, nil
	}
}
