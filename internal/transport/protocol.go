package transport

import (
	"encoding/json"

	"github.com/juju/errors"
)

// Client message types.
const (
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
)

// Server message types.
const (
	TypeSnapshot = "snapshot"
	TypePatch    = "patch"
	TypeError    = "error"
)

// Error codes sent to clients.
const (
	CodeInvalid      = "invalid"
	CodeUnauthorized = "unauthorized"
	CodeNotFound     = "not-found"
	CodeInternal     = "internal"
)

// ClientMessage is a request sent by a client over the websocket.
type ClientMessage struct {
	Type           string `json:"type"`
	SubscriptionID string `json:"subscriptionId"`
	ProjectID      int64  `json:"projectId,omitempty"`
	DocumentID     int64  `json:"documentId,omitempty"`
	DataOwner      string `json:"dataOwner,omitempty"`
	Begin          int    `json:"begin,omitempty"`
	End            int    `json:"end,omitempty"`
	Format         string `json:"format,omitempty"`
}

// ServerMessage is sent by the server over the websocket.
type ServerMessage struct {
	Type           string          `json:"type"`
	SubscriptionID string          `json:"subscriptionId,omitempty"`
	Representation json.RawMessage `json:"representation,omitempty"`
	Begin          int             `json:"begin,omitempty"`
	End            int             `json:"end,omitempty"`
	Patch          json.RawMessage `json:"patch,omitempty"`
	Code           string          `json:"code,omitempty"`
	Message        string          `json:"message,omitempty"`
}

func errorMessage(subscriptionID string, err error) ServerMessage {
	code := CodeInternal
	switch {
	case errors.Is(err, errors.NotValid):
		code = CodeInvalid
	case errors.Is(err, errors.Unauthorized):
		code = CodeUnauthorized
	case errors.Is(err, errors.NotFound):
		code = CodeNotFound
	}
	return ServerMessage{
		Type:           TypeError,
		SubscriptionID: subscriptionID,
		Code:           code,
		Message:        err.Error(),
	}
}
