package diagram

import (
	"fmt"
	"strings"
)

// Mutations never modify the receiver's backing arrays; each returns a diagram
// whose touched slices are fresh copies.

// AddNode appends a node. Node ids must be unique within the diagram.
func (d Diagram) AddNode(node Node) (Diagram, error) {
	if strings.TrimSpace(node.ID) == "" {
		return d, fmt.Errorf("%w: empty", ErrInvalidNodeID)
	}
	if _, exists := d.FindNode(node.ID); exists {
		return d, fmt.Errorf("%w: %s", ErrDuplicateNodeID, node.ID)
	}
	if err := checkFieldIDs(nil, node.Data.Fields); err != nil {
		return d, err
	}
	if node.Data.Fields == nil {
		node.Data.Fields = []Field{}
	}
	nodes := make([]Node, 0, len(d.Nodes)+1)
	nodes = append(nodes, d.Nodes...)
	nodes = append(nodes, node)
	d.Nodes = nodes
	return d.Normalize(), nil
}

// DeleteNode removes the node with the provided id. Removing an absent id is a no-op.
func (d Diagram) DeleteNode(nodeID string) Diagram {
	nodes := make([]Node, 0, len(d.Nodes))
	for _, node := range d.Nodes {
		if node.ID == nodeID {
			continue
		}
		nodes = append(nodes, node)
	}
	d.Nodes = nodes
	return d.Normalize()
}

// SetNodeLabel replaces the label of the matching node.
func (d Diagram) SetNodeLabel(nodeID, label string) Diagram {
	return d.mapNode(nodeID, func(node Node) Node {
		node.Data.Label = label
		return node
	})
}

// SetNodeDescription replaces the description of the matching node.
func (d Diagram) SetNodeDescription(nodeID, description string) Diagram {
	return d.mapNode(nodeID, func(node Node) Node {
		node.Data.Description = description
		return node
	})
}

// AddFields appends fields to the matching node. Field ids must be unique within the node.
func (d Diagram) AddFields(nodeID string, fields []Field) (Diagram, error) {
	node, exists := d.FindNode(nodeID)
	if !exists {
		return d.Normalize(), nil
	}
	if err := checkFieldIDs(node.Data.Fields, fields); err != nil {
		return d, err
	}
	return d.mapNode(nodeID, func(node Node) Node {
		merged := make([]Field, 0, len(node.Data.Fields)+len(fields))
		merged = append(merged, node.Data.Fields...)
		merged = append(merged, fields...)
		node.Data.Fields = merged
		return node
	}), nil
}

// DeleteField removes the matching field from the matching node.
func (d Diagram) DeleteField(nodeID, fieldID string) Diagram {
	return d.mapNode(nodeID, func(node Node) Node {
		remaining := make([]Field, 0, len(node.Data.Fields))
		for _, field := range node.Data.Fields {
			if field.ID == fieldID {
				continue
			}
			remaining = append(remaining, field)
		}
		node.Data.Fields = remaining
		return node
	})
}

func (d Diagram) mapNode(nodeID string, transform func(Node) Node) Diagram {
	nodes := make([]Node, len(d.Nodes))
	for index, node := range d.Nodes {
		if node.ID == nodeID {
			node = transform(node)
		}
		nodes[index] = node
	}
	d.Nodes = nodes
	return d.Normalize()
}

func checkFieldIDs(existing, incoming []Field) error {
	seen := make(map[string]struct{}, len(existing)+len(incoming))
	for _, field := range existing {
		seen[field.ID] = struct{}{}
	}
	for _, field := range incoming {
		if strings.TrimSpace(field.ID) == "" {
			return fmt.Errorf("%w: empty", ErrInvalidFieldID)
		}
		if _, duplicate := seen[field.ID]; duplicate {
			return fmt.Errorf("%w: %s", ErrDuplicateFieldID, field.ID)
		}
		seen[field.ID] = struct{}{}
	}
	return nil
}
