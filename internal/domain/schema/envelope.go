// Package schema defines the event envelope, the event type registry, and the
// shared domain types carried on the wire between Weaver components.
package schema

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// EnvelopeVersion is the current envelope schema version.
const EnvelopeVersion = 1

// Envelope is the universal event wrapper. Envelopes are immutable after
// emission; derive follow-up events with Caused.
type Envelope struct {
	ID          string            `json:"id"`
	Type        EventType         `json:"type"`
	Version     int               `json:"version"`
	RunID       string            `json:"run_id,omitempty"`
	CorrID      string            `json:"corr_id"`
	CausationID string            `json:"causation_id,omitempty"`
	TraceID     string            `json:"trace_id,omitempty"`
	TS          time.Time         `json:"ts"`
	Producer    string            `json:"producer"`
	Headers     map[string]string `json:"headers,omitempty"`
	Payload     any               `json:"payload"`
}

// EnvelopeOption customizes a new envelope.
type EnvelopeOption func(*Envelope)

// WithRun scopes the envelope to a run.
func WithRun(runID string) EnvelopeOption {
	return func(e *Envelope) { e.RunID = runID }
}

// WithCorr sets the correlation id grouping events of one logical request.
func WithCorr(corrID string) EnvelopeOption {
	return func(e *Envelope) {
		if corrID != "" {
			e.CorrID = corrID
		}
	}
}

// WithCausation records the id of the event that directly caused this one.
func WithCausation(causationID string) EnvelopeOption {
	return func(e *Envelope) { e.CausationID = causationID }
}

// WithTrace attaches a trace id.
func WithTrace(traceID string) EnvelopeOption {
	return func(e *Envelope) { e.TraceID = traceID }
}

// WithProducer names the component that emitted the envelope.
func WithProducer(producer string) EnvelopeOption {
	return func(e *Envelope) { e.Producer = producer }
}

// WithHeader adds one header pair.
func WithHeader(key, value string) EnvelopeOption {
	return func(e *Envelope) {
		if e.Headers == nil {
			e.Headers = make(map[string]string, 1)
		}
		e.Headers[key] = value
	}
}

// WithTimestamp overrides the emission timestamp. Clock implementations use
// this so a tick's envelope carries the bar boundary, not the wall time.
func WithTimestamp(ts time.Time) EnvelopeOption {
	return func(e *Envelope) {
		if !ts.IsZero() {
			e.TS = ts.UTC()
		}
	}
}

// NewEnvelope builds an envelope with a fresh id, a fresh corr_id, and the
// current UTC time. Options may override routing fields.
func NewEnvelope(eventType EventType, payload any, opts ...EnvelopeOption) *Envelope {
	env := &Envelope{
		ID:      uuid.NewString(),
		Type:    eventType,
		Version: EnvelopeVersion,
		CorrID:  uuid.NewString(),
		TS:      time.Now().UTC(),
		Payload: payload,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(env)
		}
	}
	return env
}

// Caused derives a new envelope from e: same corr_id, causation_id set to
// e's id, fresh id and ts. The run id is inherited unless overridden.
func (e *Envelope) Caused(eventType EventType, payload any, opts ...EnvelopeOption) *Envelope {
	base := []EnvelopeOption{
		WithRun(e.RunID),
		WithCorr(e.CorrID),
		WithCausation(e.ID),
		WithTrace(e.TraceID),
	}
	return NewEnvelope(eventType, payload, append(base, opts...)...)
}

// Marshal serializes the envelope to its wire shape.
func (e *Envelope) Marshal() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope %s: %w", e.ID, err)
	}
	return data, nil
}

// DecodeEnvelope parses a serialized envelope, decoding the payload into the
// registered type for the envelope's event type. Payloads of unregistered
// types are preserved as raw JSON.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var raw struct {
		ID          string            `json:"id"`
		Type        EventType         `json:"type"`
		Version     int               `json:"version"`
		RunID       string            `json:"run_id"`
		CorrID      string            `json:"corr_id"`
		CausationID string            `json:"causation_id"`
		TraceID     string            `json:"trace_id"`
		TS          time.Time         `json:"ts"`
		Producer    string            `json:"producer"`
		Headers     map[string]string `json:"headers"`
		Payload     json.RawMessage   `json:"payload"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	env := &Envelope{
		ID:          raw.ID,
		Type:        raw.Type,
		Version:     raw.Version,
		RunID:       raw.RunID,
		CorrID:      raw.CorrID,
		CausationID: raw.CausationID,
		TraceID:     raw.TraceID,
		TS:          raw.TS.UTC(),
		Producer:    raw.Producer,
		Headers:     raw.Headers,
	}
	payload, err := DecodePayload(raw.Type, raw.Payload)
	if err != nil {
		return nil, fmt.Errorf("decode envelope %s payload: %w", raw.ID, err)
	}
	env.Payload = payload
	return env, nil
}
