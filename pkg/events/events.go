package events

import (
	"encoding/json"
	"fmt"
)

// Type discriminates the event envelopes exchanged with clients.
type Type string

const (
	TypeSubscription     Type = "subscription"
	TypeDataStatus       Type = "data_status"
	TypeDeletionProgress Type = "deletion_progress"
	TypeError            Type = "error"
)

// Payload is implemented by every event payload type.
type Payload interface {
	eventPayload()
}

// Envelope is the wire format for every server-to-client event.
type Envelope struct {
	Type    Type    `json:"type"`
	UserDID string  `json:"userDID,omitempty"`
	Data    Payload `json:"data,omitempty"`
}

// SubscriptionData carries welcome and confirmation details.
type SubscriptionData struct {
	Message        string `json:"message,omitempty"`
	SubscriptionID string `json:"subscriptionId,omitempty"`
	Status         string `json:"status,omitempty"`
}

// DeletionProgressData reports workflow progress for a subject.
type DeletionProgressData struct {
	TotalRecords     int    `json:"totalRecords"`
	ProcessedRecords int    `json:"processedRecords"`
	Progress         int    `json:"progress"`
	CurrentStep      string `json:"currentStep"`
	Status           string `json:"status"`
}

// DataStatusData reports a state change of a single tracked record.
type DataStatusData struct {
	Status          string `json:"status"`
	CommitmentHash  string `json:"commitmentHash,omitempty"`
	DataType        string `json:"dataType,omitempty"`
	ServiceProvider string `json:"serviceProvider,omitempty"`
	TransactionHash string `json:"transactionHash,omitempty"`
}

// ErrorData carries a client-facing error description.
type ErrorData struct {
	Error string `json:"error"`
}

func (SubscriptionData) eventPayload()     {}
func (DeletionProgressData) eventPayload() {}
func (DataStatusData) eventPayload()       {}
func (ErrorData) eventPayload()            {}

// Welcome builds the event sent immediately after a connection registers.
func Welcome(subscriptionID string) *Envelope {
	return &Envelope{
		Type: TypeSubscription,
		Data: &SubscriptionData{
			Message:        "Connected to Expunge WebSocket",
			SubscriptionID: subscriptionID,
		},
	}
}

// Subscribed builds the confirmation for a successful subscribe request.
func Subscribed(userDID string) *Envelope {
	return &Envelope{
		Type:    TypeSubscription,
		UserDID: userDID,
		Data:    &SubscriptionData{Status: "subscribed"},
	}
}

// Error builds an error event for the offending connection only.
func Error(message string) *Envelope {
	return &Envelope{
		Type: TypeError,
		Data: &ErrorData{Error: message},
	}
}

// DeletionProgress builds a workflow progress event for a subject.
func DeletionProgress(userDID string, data *DeletionProgressData) *Envelope {
	return &Envelope{
		Type:    TypeDeletionProgress,
		UserDID: userDID,
		Data:    data,
	}
}

// DataStatus builds a record status change event for a subject.
func DataStatus(userDID string, data *DataStatusData) *Envelope {
	return &Envelope{
		Type:    TypeDataStatus,
		UserDID: userDID,
		Data:    data,
	}
}

// UnmarshalJSON decodes the payload into the concrete type named by the
// discriminant, rejecting unknown event types.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var raw struct {
		Type    Type            `json:"type"`
		UserDID string          `json:"userDID"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	e.Type = raw.Type
	e.UserDID = raw.UserDID
	e.Data = nil
	if len(raw.Data) == 0 || string(raw.Data) == "null" {
		return nil
	}

	switch raw.Type {
	case TypeSubscription:
		payload := &SubscriptionData{}
		if err := json.Unmarshal(raw.Data, payload); err != nil {
			return err
		}
		e.Data = payload
	case TypeDeletionProgress:
		payload := &DeletionProgressData{}
		if err := json.Unmarshal(raw.Data, payload); err != nil {
			return err
		}
		e.Data = payload
	case TypeDataStatus:
		payload := &DataStatusData{}
		if err := json.Unmarshal(raw.Data, payload); err != nil {
			return err
		}
		e.Data = payload
	case TypeError:
		payload := &ErrorData{}
		if err := json.Unmarshal(raw.Data, payload); err != nil {
			return err
		}
		e.Data = payload
	default:
		return fmt.Errorf("events: unknown event type %q", raw.Type)
	}

	return nil
}

// SubscribeRequest is the only client-to-server message.
type SubscribeRequest struct {
	Type      Type   `json:"type"`
	UserDID   string `json:"userDID"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// DecodeClientMessage parses an inbound client message. Anything other than a
// subscription request is rejected.
func DecodeClientMessage(data []byte) (*SubscribeRequest, error) {
	var req SubscribeRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("events: malformed client message: %w", err)
	}
	if req.Type != TypeSubscription {
		return nil, fmt.Errorf("events: unsupported client message type %q", req.Type)
	}
	return &req, nil
}
