// Package bridge carries streaming state across the server/client split:
// it captures hydration snapshots of the engine, encodes them for
// embedding in server-rendered HTML, and feeds live engine events to
// WebSocket clients.
package bridge

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/c360/streamkit/boundary"
	"github.com/c360/streamkit/engine"
	"github.com/c360/streamkit/errors"
)

// PayloadVersion identifies the snapshot wire format. Decoders reject
// versions they do not understand instead of guessing.
const PayloadVersion = 1

// Snapshot is the hydration record for one boundary.
type Snapshot struct {
	ID               string            `json:"id"`
	State            string            `json:"state"`
	Priority         boundary.Priority `json:"priority"`
	SSR              bool              `json:"ssr,omitempty"`
	BytesTransferred int64             `json:"bytesTransferred"`
	ChunksReceived   int64             `json:"chunksReceived"`
	RetryCount       int               `json:"retryCount,omitempty"`
	Error            string            `json:"error,omitempty"`
	ErrorKind        string            `json:"errorKind,omitempty"`
	// Trailing holds undelivered content bytes, base64-encoded on the wire.
	Trailing []byte `json:"trailing,omitempty"`
}

// Payload is a complete hydration snapshot of the engine.
type Payload struct {
	Version    int        `json:"version"`
	TakenAt    time.Time  `json:"takenAt"`
	Boundaries []Snapshot `json:"boundaries"`
}

// Capture snapshots every boundary eligible for server-side hydration.
func Capture(e *engine.Engine) Payload {
	return capture(e, true)
}

// CaptureAll snapshots every tracked boundary regardless of SSR
// eligibility. Diagnostic endpoints use this; HTML embedding should not.
func CaptureAll(e *engine.Engine) Payload {
	return capture(e, false)
}

func capture(e *engine.Engine, ssrOnly bool) Payload {
	p := Payload{Version: PayloadVersion, TakenAt: time.Now()}

	for _, b := range e.Boundaries() {
		if ssrOnly && !b.SSR {
			continue
		}
		s := Snapshot{
			ID:               b.ID,
			State:            b.State.String(),
			Priority:         b.Priority,
			SSR:              b.SSR,
			BytesTransferred: b.BytesTransferred,
			ChunksReceived:   b.ChunksReceived,
			RetryCount:       b.RetryCount,
		}
		if b.Err != nil {
			s.Error = b.Err.Error()
			if kind, ok := errors.KindOf(b.Err); ok {
				s.ErrorKind = kind.String()
			}
		}
		if h, err := e.Handle(b.ID); err == nil {
			s.Trailing = h.Trailing()
		}
		p.Boundaries = append(p.Boundaries, s)
	}
	return p
}

// Encode serializes the payload for transport or embedding.
func Encode(p Payload) ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, errors.Wrap(err, "bridge", "Encode", "marshal payload")
	}
	return data, nil
}

// Decode parses an encoded payload, rejecting unknown versions.
func Decode(data []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return Payload{}, errors.Wrap(err, "bridge", "Decode", "unmarshal payload")
	}
	if p.Version != PayloadVersion {
		return Payload{}, errors.Wrap(
			errors.ErrInvalidConfig, "bridge", "Decode", "unsupported payload version")
	}
	return p, nil
}

const (
	scriptOpen  = `<script id="streamkit-hydration" type="application/json">`
	scriptClose = `</script>`
)

// ScriptTag renders the payload as an inline script tag for server-rendered
// HTML. json.Encoder escapes angle brackets, so embedded content cannot
// break out of the tag.
func ScriptTag(p Payload) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(scriptOpen)

	enc := json.NewEncoder(&buf)
	if err := enc.Encode(p); err != nil {
		return nil, errors.Wrap(err, "bridge", "ScriptTag", "encode payload")
	}
	// Encoder writes a trailing newline; drop it before closing the tag.
	buf.Truncate(buf.Len() - 1)

	buf.WriteString(scriptClose)
	return buf.Bytes(), nil
}

// ExtractScriptTag recovers the payload from HTML produced by ScriptTag.
func ExtractScriptTag(html []byte) (Payload, error) {
	start := bytes.Index(html, []byte(scriptOpen))
	if start < 0 {
		return Payload{}, errors.Wrap(
			errors.ErrBoundaryNotFound, "bridge", "ExtractScriptTag", "locate hydration tag")
	}
	rest := html[start+len(scriptOpen):]
	end := bytes.Index(rest, []byte(scriptClose))
	if end < 0 {
		return Payload{}, errors.Wrap(
			errors.ErrInvalidConfig, "bridge", "ExtractScriptTag", "unterminated hydration tag")
	}
	return Decode(rest[:end])
}

// Restore re-registers the payload's non-terminal boundaries on a fresh
// engine so delivery can continue after a handoff. Terminal boundaries are
// returned untouched in the payload; they carry their final state and
// trailing content and need no further scheduling.
func Restore(e *engine.Engine, p Payload) (map[string]*engine.Handle, error) {
	handles := make(map[string]*engine.Handle)
	for _, s := range p.Boundaries {
		switch s.State {
		case boundary.StateCompleted.String(), boundary.StateError.String(), boundary.StateAborted.String():
			continue
		}
		h, err := e.Register(boundary.Descriptor{
			ID:       s.ID,
			Priority: s.Priority,
			SSR:      s.SSR,
		}, true)
		if err != nil {
			return handles, errors.Wrap(err, "bridge", "Restore", "re-register boundary")
		}
		handles[s.ID] = h
	}
	return handles, nil
}
