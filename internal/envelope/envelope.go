// Package envelope defines the canonical board event envelope and the
// validation that turns raw client frames into it. The payload is opaque to
// the pipeline: it is carried as raw JSON and never interpreted downstream.
package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/drblury/boardflow/internal/ids"
	"github.com/drblury/boardflow/internal/jsoncodec"
)

// KindBoardEvent tags every broadcast activity event.
const KindBoardEvent = "board_event"

// AnonymousUser is substituted when the client omits or blanks the user field.
const AnonymousUser = "anonymous"

// Validation failure reasons reported back to the originating connection.
const (
	ReasonInvalidJSON     = "invalid_json"
	ReasonValidationError = "validation_error"
)

// ValidationError describes a client message that could not become an
// envelope. It is reported inline; the connection stays open.
type ValidationError struct {
	Reason string
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("envelope: %s: %s", e.Reason, e.Detail)
}

// Message is the inbound shape accepted from clients.
type Message struct {
	Action        string          `json:"action"`
	User          string          `json:"user"`
	Message       string          `json:"message,omitempty"`
	Payload       json.RawMessage `json:"payload"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// Envelope is the canonical, immutable representation of one client-originated
// event. ID is the sole deduplication key downstream; retry bookkeeping lives
// in message metadata so the envelope bytes stay intact all the way to the DLQ.
type Envelope struct {
	ID            string          `json:"id"`
	Board         string          `json:"board"`
	Action        string          `json:"action"`
	User          string          `json:"user"`
	Payload       json.RawMessage `json:"payload"`
	CreatedAt     time.Time       `json:"created_at"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// ActivityEvent is the broadcast-ready projection of a processed envelope.
// It exists only in transit: on the fan-out bus and in connection sends.
type ActivityEvent struct {
	ID                string          `json:"id"`
	Board             string          `json:"board"`
	Action            string          `json:"action"`
	User              string          `json:"user"`
	Payload           json.RawMessage `json:"payload"`
	Timestamp         time.Time       `json:"timestamp"`
	CorrelationID     string          `json:"correlation_id,omitempty"`
	Kind              string          `json:"kind"`
	ActiveConnections int             `json:"active_connections"`
}

// Build validates and normalises a raw client frame into an Envelope for the
// given board. The identity is the client correlation ID when supplied,
// otherwise a fresh ULID; either way it is assigned exactly once here.
func Build(board string, raw []byte) (Envelope, error) {
	if strings.TrimSpace(board) == "" {
		return Envelope{}, &ValidationError{Reason: ReasonValidationError, Detail: "board identifier is required"}
	}

	var msg Message
	if err := jsoncodec.Unmarshal(raw, &msg); err != nil {
		return Envelope{}, &ValidationError{Reason: ReasonInvalidJSON, Detail: "messages must be valid JSON objects"}
	}

	if strings.TrimSpace(msg.Action) == "" {
		return Envelope{}, &ValidationError{Reason: ReasonValidationError, Detail: "action is required"}
	}

	payload, err := normalisePayload(msg.Payload, msg.Message)
	if err != nil {
		return Envelope{}, err
	}

	user := strings.TrimSpace(msg.User)
	if user == "" {
		user = AnonymousUser
	}

	id := strings.TrimSpace(msg.CorrelationID)
	if id == "" {
		id = ids.CreateULID()
	}

	return Envelope{
		ID:            id,
		Board:         board,
		Action:        msg.Action,
		User:          user,
		Payload:       payload,
		CreatedAt:     time.Now().UTC(),
		CorrelationID: id,
	}, nil
}

// normalisePayload ensures the payload is a JSON object and folds the optional
// top-level message text into it when the object has no "message" key yet.
func normalisePayload(payload json.RawMessage, text string) (json.RawMessage, error) {
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	if !isJSONObject(payload) {
		return nil, &ValidationError{Reason: ReasonValidationError, Detail: "payload must be a JSON object"}
	}
	if text == "" {
		return payload, nil
	}

	var fields map[string]json.RawMessage
	if err := jsoncodec.Unmarshal(payload, &fields); err != nil {
		return nil, &ValidationError{Reason: ReasonValidationError, Detail: "payload must be a JSON object"}
	}
	if _, ok := fields["message"]; ok {
		return payload, nil
	}

	encoded, err := jsoncodec.Marshal(text)
	if err != nil {
		return nil, fmt.Errorf("encode message text: %w", err)
	}
	if fields == nil {
		fields = make(map[string]json.RawMessage, 1)
	}
	fields["message"] = encoded

	merged, err := jsoncodec.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("merge message text: %w", err)
	}
	return merged, nil
}

func isJSONObject(raw json.RawMessage) bool {
	for _, b := range raw {
		switch b {
		case ' ', '\t', '\n', '\r':
			continue
		case '{':
			return true
		default:
			return false
		}
	}
	return false
}

// Decode deserialises an envelope at the consuming side and checks structural
// integrity. Any error here is permanent: the bytes can never become a valid
// envelope, so the worker routes them straight to the dead letter queue.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := jsoncodec.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("envelope: decode: %w", err)
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// Validate checks the structural invariants an envelope must hold after
// deserialisation.
func (e Envelope) Validate() error {
	var errs []error
	if e.ID == "" {
		errs = append(errs, errors.New("envelope: id is required"))
	}
	if e.Board == "" {
		errs = append(errs, errors.New("envelope: board is required"))
	}
	if e.Action == "" {
		errs = append(errs, errors.New("envelope: action is required"))
	}
	if len(e.Payload) == 0 || !isJSONObject(e.Payload) {
		errs = append(errs, errors.New("envelope: payload must be a JSON object"))
	}
	return errors.Join(errs...)
}

// Encode serialises the envelope for transport.
func (e Envelope) Encode() ([]byte, error) {
	return jsoncodec.Marshal(e)
}

// Event projects the envelope into its broadcast form. The timestamp is the
// processing time, matching when the event became visible activity.
// ActiveConnections is attached later, at delivery time.
func (e Envelope) Event(at time.Time) ActivityEvent {
	return ActivityEvent{
		ID:            e.ID,
		Board:         e.Board,
		Action:        e.Action,
		User:          e.User,
		Payload:       e.Payload,
		Timestamp:     at.UTC(),
		CorrelationID: e.CorrelationID,
		Kind:          KindBoardEvent,
	}
}
