package reconcile

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/reelscope/reelscope/internal/merge"
)

const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"

	// InfoFilename is the JSON summary the analysis service stages next to
	// its per-video store.
	InfoFilename = "info.json"
)

// ErrMalformedCallback is returned for callbacks that cannot be attributed
// to a video, name a video ID that is not a single path element, or carry an
// unknown status. Nothing is mutated for them.
var ErrMalformedCallback = errors.New("malformed callback")

// Callback is the completion notification posted by the analysis service.
type Callback struct {
	VideoID   string          `json:"videoId"`
	Status    string          `json:"status"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     json.RawMessage `json:"error,omitempty"`
	Artifacts json.RawMessage `json:"artifacts,omitempty"`
	Meta      json.RawMessage `json:"meta,omitempty"`
}

// Ack is returned to the analysis service for every well-formed callback.
type Ack struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	VideoID string `json:"videoId"`
}

func (c Callback) validate() error {
	if c.VideoID == "" {
		return fmt.Errorf("%w: missing videoId", ErrMalformedCallback)
	}
	if !merge.ValidVideoID(c.VideoID) {
		return fmt.Errorf("%w: invalid videoId %q", ErrMalformedCallback, c.VideoID)
	}
	switch c.Status {
	case StatusCompleted, StatusFailed:
		return nil
	default:
		return fmt.Errorf("%w: unknown status %q", ErrMalformedCallback, c.Status)
	}
}

// ErrorMessage renders the callback's error field, which the analysis service
// sends either as a string or as an object.
func (c Callback) ErrorMessage() string {
	raw := bytes.TrimSpace(c.Error)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "analysis failed"
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return "analysis failed"
		}
		return s
	}
	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Message != "" {
		return obj.Message
	}
	return string(raw)
}

// resultDoc is the combined analysis result persisted on the video record.
type resultDoc map[string]json.RawMessage

// newResultDoc starts from the fields of the callback's result object. A
// result that is not an object is kept under "result".
func newResultDoc(cb Callback) resultDoc {
	doc := resultDoc{}
	raw := bytes.TrimSpace(cb.Result)
	if len(raw) > 0 && !bytes.Equal(raw, []byte("null")) {
		if err := json.Unmarshal(raw, &doc); err != nil {
			doc = resultDoc{"result": raw}
		}
	}
	if len(cb.Artifacts) > 0 {
		doc["artifacts"] = cb.Artifacts
	}
	if len(cb.Meta) > 0 {
		doc["meta"] = cb.Meta
	}
	return doc
}

func (d resultDoc) set(key string, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	d[key] = b
}

// overlay copies every top-level field of an object document over d.
func (d resultDoc) overlay(raw []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return err
	}
	for k, v := range fields {
		d[k] = v
	}
	return nil
}
