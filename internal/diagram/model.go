package diagram

import (
	"errors"
	"fmt"
	"strings"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidProjectID indicates that a project identifier is empty or exceeds storage bounds.
	ErrInvalidProjectID = errors.New("diagram: invalid project id")
	// ErrInvalidNodeID indicates that a node identifier is empty.
	ErrInvalidNodeID = errors.New("diagram: invalid node id")
	// ErrInvalidFieldID indicates that a field identifier is empty.
	ErrInvalidFieldID = errors.New("diagram: invalid field id")
	// ErrDuplicateNodeID indicates that a node with the same identifier already exists.
	ErrDuplicateNodeID = errors.New("diagram: duplicate node id")
	// ErrDuplicateFieldID indicates that a field identifier collides within its node.
	ErrDuplicateFieldID = errors.New("diagram: duplicate field id")
)

// ProjectID represents a validated project identifier.
type ProjectID string

// NewProjectID validates raw input and returns a ProjectID.
func NewProjectID(rawInput string) (ProjectID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidProjectID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidProjectID, maxIdentifierLength)
	}
	if strings.ContainsAny(trimmed, `/\`) {
		return "", fmt.Errorf("%w: contains path separator", ErrInvalidProjectID)
	}
	return ProjectID(trimmed), nil
}

// String returns the underlying string identifier.
func (id ProjectID) String() string {
	return string(id)
}

// Diagram is the collaborative document for one project.
type Diagram struct {
	Nodes []Node `json:"Nodes"`
	Edges []Edge `json:"Edges"`
}

// Node is a table/entity box on the canvas.
type Node struct {
	ID       string   `json:"id"`
	Type     string   `json:"type"`
	Position Position `json:"position"`
	Data     NodeData `json:"data"`
}

// Position is the canvas coordinate of a node.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// NodeData carries the user-editable content of a node.
type NodeData struct {
	Label       string  `json:"label"`
	Description string  `json:"description"`
	Fields      []Field `json:"fields"`
}

// Field is a column of an entity.
type Field struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Type      string `json:"type"`
	IsPrimary bool   `json:"isPrimary,omitempty"`
	Required  bool   `json:"required,omitempty"`
	IsUnique  bool   `json:"isUnique,omitempty"`
	Index     bool   `json:"index,omitempty"`
}

// Edge connects two nodes or fields. Only its identity is interpreted; every
// other attribute is carried through untouched.
type Edge map[string]any

// ID returns the edge identifier, or an empty string when absent.
func (e Edge) ID() string {
	value, ok := e["id"].(string)
	if !ok {
		return ""
	}
	return value
}

// Empty returns a diagram with no nodes and no edges. Both slices are non-nil
// so the document serializes as {"Nodes":[],"Edges":[]}.
func Empty() Diagram {
	return Diagram{Nodes: []Node{}, Edges: []Edge{}}
}

// Normalize replaces nil collections with empty ones.
func (d Diagram) Normalize() Diagram {
	if d.Nodes == nil {
		d.Nodes = []Node{}
	}
	if d.Edges == nil {
		d.Edges = []Edge{}
	}
	var patched []Node
	for index, node := range d.Nodes {
		if node.Data.Fields != nil {
			continue
		}
		if patched == nil {
			patched = make([]Node, len(d.Nodes))
			copy(patched, d.Nodes)
		}
		patched[index].Data.Fields = []Field{}
	}
	if patched != nil {
		d.Nodes = patched
	}
	return d
}

// Validate reports the first node or field id that is empty or repeated.
func (d Diagram) Validate() error {
	seen := make(map[string]struct{}, len(d.Nodes))
	for _, node := range d.Nodes {
		if strings.TrimSpace(node.ID) == "" {
			return fmt.Errorf("%w: empty", ErrInvalidNodeID)
		}
		if _, duplicate := seen[node.ID]; duplicate {
			return fmt.Errorf("%w: %s", ErrDuplicateNodeID, node.ID)
		}
		seen[node.ID] = struct{}{}
		if err := checkFieldIDs(nil, node.Data.Fields); err != nil {
			return fmt.Errorf("node %s: %w", node.ID, err)
		}
	}
	return nil
}

// FindNode returns the node with the provided identifier.
func (d Diagram) FindNode(nodeID string) (Node, bool) {
	for _, node := range d.Nodes {
		if node.ID == nodeID {
			return node, true
		}
	}
	return Node{}, false
}
