package collab

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/erdsync/internal/diagram"
)

// Event names carried in the envelope of every frame.
const (
	EventProjectJoin            = "PROJECT:JOIN"
	EventProjectLeave           = "PROJECT:LEAVE"
	EventUserCount              = "PROJECT:USER_COUNT"
	EventDiagramInitial         = "DIAGRAM:INITIAL"
	EventDiagramUpdate          = "DIAGRAM:UPDATE"
	EventNodeAdded              = "DIAGRAM:NODE_ADDED"
	EventNodeDeleted            = "DIAGRAM:NODE_DELETED"
	EventNodeLabelChanged       = "DIAGRAM:NODE_LABEL_CHANGED"
	EventNodeDescriptionChanged = "DIAGRAM:NODE_DESCRIPTION_CHANGED"
	EventAddNodeFields          = "DIAGRAM:ADD_NODE_FIELDS"
	EventDeleteNodeField        = "DIAGRAM:DELETE_NODE_FIELD"
)

var (
	// ErrMalformedFrame indicates a frame that is not a valid envelope.
	ErrMalformedFrame = errors.New("collab: malformed frame")
	// ErrUnknownEvent indicates an envelope naming an event the engine does not accept.
	ErrUnknownEvent = errors.New("collab: unknown event")
)

// Envelope is the wire shape of every frame.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Event is an outbound message.
type Event struct {
	Name    string
	Payload any
}

// Encode renders the event as an envelope frame.
func (e Event) Encode() ([]byte, error) {
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("collab: encode %s: %w", e.Name, err)
	}
	return json.Marshal(Envelope{Event: e.Name, Data: data})
}

// Member is one connection present in a project room.
type Member struct {
	UserName     string `json:"userName"`
	ConnectionID string `json:"connectionId"`
}

// NodeDeletedPayload is broadcast after a node is removed.
type NodeDeletedPayload struct {
	NodeID string `json:"nodeId"`
}

// NodeLabelPayload is broadcast after a node label changes.
type NodeLabelPayload struct {
	NodeID string `json:"nodeId"`
	Label  string `json:"label"`
}

// NodeDescriptionPayload is broadcast after a node description changes.
type NodeDescriptionPayload struct {
	NodeID      string `json:"nodeId"`
	Description string `json:"description"`
}

// FieldsAddedPayload is broadcast after fields are appended to a node.
type FieldsAddedPayload struct {
	NodeID string          `json:"nodeId"`
	Fields []diagram.Field `json:"fields"`
}

// FieldDeletedPayload is broadcast after a field is removed from a node.
type FieldDeletedPayload struct {
	NodeID  string `json:"nodeId"`
	FieldID string `json:"fieldId"`
}

// Inbound is one decoded client message. The concrete types below are the
// only implementations.
type Inbound interface {
	EventName() string
	inbound()
}

// JoinMessage asks to enter a project room.
type JoinMessage struct {
	ProjectID string `json:"projectId"`
	UserName  string `json:"userName"`
}

// LeaveMessage asks to leave one room, or every room when ProjectID is empty.
type LeaveMessage struct {
	ProjectID string `json:"projectId"`
}

// UpdateDiagramMessage replaces the whole diagram.
type UpdateDiagramMessage struct {
	ProjectID string          `json:"projectId"`
	Diagram   diagram.Diagram `json:"diagram"`
}

// NodeAddedMessage appends a node.
type NodeAddedMessage struct {
	ProjectID string       `json:"projectId"`
	Node      diagram.Node `json:"node"`
}

// NodeDeletedMessage removes a node.
type NodeDeletedMessage struct {
	ProjectID string `json:"projectId"`
	NodeID    string `json:"nodeId"`
}

// NodeLabelChangedMessage renames a node.
type NodeLabelChangedMessage struct {
	ProjectID string `json:"projectId"`
	NodeID    string `json:"nodeId"`
	Label     string `json:"label"`
}

// NodeDescriptionChangedMessage rewrites a node description.
type NodeDescriptionChangedMessage struct {
	ProjectID   string `json:"projectId"`
	NodeID      string `json:"nodeId"`
	Description string `json:"description"`
}

// FieldsAddedMessage appends fields to a node.
type FieldsAddedMessage struct {
	ProjectID string          `json:"projectId"`
	NodeID    string          `json:"nodeId"`
	Fields    []diagram.Field `json:"fields"`
}

// FieldDeletedMessage removes one field from a node.
type FieldDeletedMessage struct {
	ProjectID string `json:"projectId"`
	NodeID    string `json:"nodeId"`
	FieldID   string `json:"fieldId"`
}

func (JoinMessage) EventName() string                   { return EventProjectJoin }
func (LeaveMessage) EventName() string                  { return EventProjectLeave }
func (UpdateDiagramMessage) EventName() string          { return EventDiagramUpdate }
func (NodeAddedMessage) EventName() string              { return EventNodeAdded }
func (NodeDeletedMessage) EventName() string            { return EventNodeDeleted }
func (NodeLabelChangedMessage) EventName() string       { return EventNodeLabelChanged }
func (NodeDescriptionChangedMessage) EventName() string { return EventNodeDescriptionChanged }
func (FieldsAddedMessage) EventName() string            { return EventAddNodeFields }
func (FieldDeletedMessage) EventName() string           { return EventDeleteNodeField }

func (JoinMessage) inbound()                   {}
func (LeaveMessage) inbound()                  {}
func (UpdateDiagramMessage) inbound()          {}
func (NodeAddedMessage) inbound()              {}
func (NodeDeletedMessage) inbound()            {}
func (NodeLabelChangedMessage) inbound()       {}
func (NodeDescriptionChangedMessage) inbound() {}
func (FieldsAddedMessage) inbound()            {}
func (FieldDeletedMessage) inbound()           {}

// DecodeInbound parses a client frame into its typed message.
func DecodeInbound(frame []byte) (Inbound, error) {
	var envelope Envelope
	if err := json.Unmarshal(frame, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	var message Inbound
	switch envelope.Event {
	case EventProjectJoin:
		message = &JoinMessage{}
	case EventProjectLeave:
		message = &LeaveMessage{}
	case EventDiagramUpdate:
		message = &UpdateDiagramMessage{}
	case EventNodeAdded:
		message = &NodeAddedMessage{}
	case EventNodeDeleted:
		message = &NodeDeletedMessage{}
	case EventNodeLabelChanged:
		message = &NodeLabelChangedMessage{}
	case EventNodeDescriptionChanged:
		message = &NodeDescriptionChangedMessage{}
	case EventAddNodeFields:
		message = &FieldsAddedMessage{}
	case EventDeleteNodeField:
		message = &FieldDeletedMessage{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, envelope.Event)
	}

	if len(envelope.Data) > 0 {
		if err := json.Unmarshal(envelope.Data, message); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformedFrame, envelope.Event, err)
		}
	}
	return deref(message), nil
}

func deref(message Inbound) Inbound {
	switch typed := message.(type) {
	case *JoinMessage:
		return *typed
	case *LeaveMessage:
		return *typed
	case *UpdateDiagramMessage:
		return *typed
	case *NodeAddedMessage:
		return *typed
	case *NodeDeletedMessage:
		return *typed
	case *NodeLabelChangedMessage:
		return *typed
	case *NodeDescriptionChangedMessage:
		return *typed
	case *FieldsAddedMessage:
		return *typed
	case *FieldDeletedMessage:
		return *typed
	}
	return message
}
