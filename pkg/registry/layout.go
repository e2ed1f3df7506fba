package registry

import (
	"errors"
	"fmt"
)

// Direction is the axis along which a split lays out its children.
type Direction string

const (
	// DirectionRow places children side by side.
	DirectionRow Direction = "row"
	// DirectionColumn stacks children vertically.
	DirectionColumn Direction = "column"
)

// Layout is an immutable binary tree. A leaf carries a PlotID; a split
// carries a Direction and two children. Functions in this file never modify
// their input and return new trees sharing unchanged subtrees.
type Layout struct {
	PlotID    string    `json:"plot_id,omitempty"`
	Direction Direction `json:"direction,omitempty"`
	First     *Layout   `json:"first,omitempty"`
	Second    *Layout   `json:"second,omitempty"`
}

// Leaf returns a leaf for plotID.
func Leaf(plotID string) *Layout {
	return &Layout{PlotID: plotID}
}

// Split returns a split node.
func Split(dir Direction, first, second *Layout) *Layout {
	return &Layout{Direction: dir, First: first, Second: second}
}

// IsLeaf reports whether l is a leaf.
func (l *Layout) IsLeaf() bool {
	return l != nil && l.First == nil && l.Second == nil
}

// ReplaceLeaf returns a tree where the leaf for plotID is replaced.
func ReplaceLeaf(l *Layout, plotID string, replacement *Layout) *Layout {
	if l == nil {
		return nil
	}
	if l.IsLeaf() {
		if l.PlotID == plotID {
			return replacement
		}
		return l
	}
	first := ReplaceLeaf(l.First, plotID, replacement)
	second := ReplaceLeaf(l.Second, plotID, replacement)
	if first == l.First && second == l.Second {
		return l
	}
	return Split(l.Direction, first, second)
}

// RemoveLeaf returns a tree without the leaf for plotID. A split left with
// one child is replaced by that child. Removing the only leaf returns nil.
func RemoveLeaf(l *Layout, plotID string) *Layout {
	if l == nil {
		return nil
	}
	if l.IsLeaf() {
		if l.PlotID == plotID {
			return nil
		}
		return l
	}
	first := RemoveLeaf(l.First, plotID)
	second := RemoveLeaf(l.Second, plotID)
	switch {
	case first == nil:
		return second
	case second == nil:
		return first
	case first == l.First && second == l.Second:
		return l
	default:
		return Split(l.Direction, first, second)
	}
}

// Leaves returns plot ids in left-to-right order.
func Leaves(l *Layout) []string {
	if l == nil {
		return nil
	}
	if l.IsLeaf() {
		return []string{l.PlotID}
	}
	return append(Leaves(l.First), Leaves(l.Second)...)
}

// Contains reports whether plotID has a leaf in l.
func Contains(l *Layout, plotID string) bool {
	for _, id := range Leaves(l) {
		if id == plotID {
			return true
		}
	}
	return false
}

// Validate checks that l is a proper binary tree whose leaves reference
// exactly the given plot ids, each once.
func Validate(l *Layout, plotIDs []string) error {
	if l == nil {
		if len(plotIDs) == 0 {
			return nil
		}
		return errors.New("layout is empty")
	}
	if err := validateNode(l); err != nil {
		return err
	}

	want := make(map[string]bool, len(plotIDs))
	for _, id := range plotIDs {
		want[id] = true
	}
	seen := make(map[string]bool)
	for _, id := range Leaves(l) {
		if !want[id] {
			return fmt.Errorf("layout references unknown plot %q", id)
		}
		if seen[id] {
			return fmt.Errorf("layout references plot %q more than once", id)
		}
		seen[id] = true
	}
	for id := range want {
		if !seen[id] {
			return fmt.Errorf("plot %q has no layout leaf", id)
		}
	}
	return nil
}

func validateNode(l *Layout) error {
	if l.IsLeaf() {
		if l.PlotID == "" {
			return errors.New("layout leaf without plot id")
		}
		return nil
	}
	if l.First == nil || l.Second == nil {
		return errors.New("layout split with a missing child")
	}
	if l.PlotID != "" {
		return fmt.Errorf("layout split carries plot id %q", l.PlotID)
	}
	if l.Direction != DirectionRow && l.Direction != DirectionColumn {
		return fmt.Errorf("layout split has invalid direction %q", l.Direction)
	}
	if err := validateNode(l.First); err != nil {
		return err
	}
	return validateNode(l.Second)
}
