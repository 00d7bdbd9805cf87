// Package peernet carries OSD-to-OSD traffic: gmax updates over UDP and gmax
// fetches plus truncate/delete dissemination over HTTP.
package peernet

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/stripestore/osd/internal/osd"
	"github.com/stripestore/osd/internal/striping"
)

// ProtocolVersion is the current peer protocol version.
// Version history:
//   - v1: gmax fetch, truncate and delete dissemination
const ProtocolVersion = 1

// ProtocolHeader carries the protocol version on every HTTP request.
const ProtocolHeader = "X-Stripestore-Protocol"

// MessageType identifies the type of peer message.
type MessageType string

const (
	MessageTypeFetchGmax MessageType = "fetch_gmax"
	MessageTypeTruncate  MessageType = "truncate"
	MessageTypeDelete    MessageType = "delete"
	MessageTypeAck       MessageType = "ack"
	MessageTypeError     MessageType = "error"
)

// Message is the envelope for every HTTP request and response body.
type Message struct {
	Version int             `json:"version"`
	Type    MessageType     `json:"type"`
	ID      string          `json:"id"`             // request ID, echoed in the reply
	From    string          `json:"from,omitempty"` // sender node ID
	Payload json.RawMessage `json:"payload,omitempty"`
}

// FetchGmaxPayload asks a peer for its view of a file's size.
type FetchGmaxPayload struct {
	Locations striping.Locations `json:"locations"`
}

// ErrorPayload describes a failed request.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Head    string `json:"head,omitempty"`
	Current int64  `json:"current_epoch,omitempty"`
}

// Error codes on the wire.
const (
	codeStaleEpoch   = "stale_epoch"
	codeRedirect     = "redirect"
	codeFileNotFound = "file_not_found"
	codeInvalid      = "invalid_argument"
	codeClosed       = "closed"
	codePeerTimeout  = "peer_timeout"
	codeInternal     = "internal"
)

func newMessage(typ MessageType, id, from string, payload any) (*Message, error) {
	if id == "" {
		id = uuid.New().String()
	}
	msg := &Message{Version: ProtocolVersion, Type: typ, ID: id, From: from}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", typ, err)
		}
		msg.Payload = data
	}
	return msg, nil
}

func (m *Message) decode(typ MessageType, into any) error {
	if m.Version != ProtocolVersion {
		return fmt.Errorf("unsupported protocol version %d", m.Version)
	}
	if m.Type != typ {
		return fmt.Errorf("unexpected message type %q, want %q", m.Type, typ)
	}
	if into == nil || len(m.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(m.Payload, into); err != nil {
		return fmt.Errorf("unmarshal %s payload: %w", typ, err)
	}
	return nil
}

// errorPayload maps an executor error onto the wire and an HTTP status.
func errorPayload(err error) (ErrorPayload, int) {
	p := ErrorPayload{Code: codeInternal, Message: err.Error()}
	var redirect *osd.RedirectError
	var stale *osd.StaleEpochError
	switch {
	case errors.As(err, &redirect):
		p.Code, p.Head = codeRedirect, redirect.Head
		return p, http.StatusMisdirectedRequest
	case errors.As(err, &stale):
		p.Code, p.Current = codeStaleEpoch, stale.Current
		return p, http.StatusConflict
	case errors.Is(err, osd.ErrStaleEpoch):
		p.Code = codeStaleEpoch
		return p, http.StatusConflict
	case errors.Is(err, osd.ErrFileNotFound):
		p.Code = codeFileNotFound
		return p, http.StatusNotFound
	case errors.Is(err, osd.ErrInvalidArgument):
		p.Code = codeInvalid
		return p, http.StatusBadRequest
	case errors.Is(err, osd.ErrExecutorClosed):
		p.Code = codeClosed
		return p, http.StatusServiceUnavailable
	case errors.Is(err, osd.ErrPeerTimeout):
		p.Code = codePeerTimeout
		return p, http.StatusGatewayTimeout
	}
	return p, http.StatusInternalServerError
}

// Err rebuilds the executor error a peer reported.
func (p ErrorPayload) Err() error {
	switch p.Code {
	case codeRedirect:
		return &osd.RedirectError{Head: p.Head}
	case codeStaleEpoch:
		return fmt.Errorf("%w: %s", osd.ErrStaleEpoch, p.Message)
	case codeFileNotFound:
		return fmt.Errorf("%w: %s", osd.ErrFileNotFound, p.Message)
	case codeInvalid:
		return fmt.Errorf("%w: %s", osd.ErrInvalidArgument, p.Message)
	case codeClosed:
		return fmt.Errorf("%w: %s", osd.ErrExecutorClosed, p.Message)
	case codePeerTimeout:
		return fmt.Errorf("%w: %s", osd.ErrPeerTimeout, p.Message)
	}
	return fmt.Errorf("peer error %s: %s", p.Code, p.Message)
}
