package flow

import "fmt"

// Priority pins the element resolution strategy.
type Priority string

const (
	PriorityAuto   Priority = "auto"
	PriorityID     Priority = "id"
	PriorityText   Priority = "text"
	PriorityIcon   Priority = "icon"
	PriorityCoords Priority = "coords"
)

// Valid reports whether p is a known priority.
// The empty priority is valid and means auto.
func (p Priority) Valid() bool {
	switch p {
	case "", PriorityAuto, PriorityID, PriorityText, PriorityIcon, PriorityCoords:
		return true
	}
	return false
}

// Bounds is a screen rectangle in device pixels.
type Bounds struct {
	Left   int `json:"left"`
	Top    int `json:"top"`
	Right  int `json:"right"`
	Bottom int `json:"bottom"`
}

// Center returns the centre point of b.
func (b Bounds) Center() (x, y int) {
	return (b.Left + b.Right) / 2, (b.Top + b.Bottom) / 2
}

// Empty reports whether b has no area.
func (b Bounds) Empty() bool {
	return b.Right <= b.Left || b.Bottom <= b.Top
}

// Target describes how to locate a UI element on the device.
type Target struct {
	ResourceID         string   `json:"resourceId,omitempty"`
	Text               string   `json:"text,omitempty"`
	ContentDescription string   `json:"contentDescription,omitempty"`
	ClassName          string   `json:"className,omitempty"`
	Bounds             *Bounds  `json:"bounds,omitempty"`
	IconTemplate       string   `json:"iconTemplate,omitempty"`
	X                  *int     `json:"x,omitempty"`
	Y                  *int     `json:"y,omitempty"`
	PackageName        string   `json:"packageName,omitempty"`
	FuzzyMatch         bool     `json:"fuzzyMatch,omitempty"`
	IgnoreCase         bool     `json:"ignoreCase,omitempty"`
	SelectorPriority   Priority `json:"selectorPriority,omitempty"`
}

// Priority returns the selector priority, defaulting to auto.
func (t *Target) Priority() Priority {
	if t.SelectorPriority == "" {
		return PriorityAuto
	}
	return t.SelectorPriority
}

// Coordinates returns the raw coordinates of the target, if any.
// Explicit x and y take precedence over the centre of bounds.
func (t *Target) Coordinates() (x, y int, ok bool) {
	if t.X != nil && t.Y != nil {
		return *t.X, *t.Y, true
	}
	if t.Bounds != nil && !t.Bounds.Empty() {
		x, y = t.Bounds.Center()
		return x, y, true
	}
	return 0, 0, false
}

// Empty reports whether t carries no locating criterion at all.
func (t *Target) Empty() bool {
	_, _, hasCoords := t.Coordinates()
	return t.ResourceID == "" && t.Text == "" && t.ContentDescription == "" &&
		t.IconTemplate == "" && !hasCoords
}

// Validate checks the target for a usable criterion and a valid priority.
func (t *Target) Validate() error {
	if !t.SelectorPriority.Valid() {
		return fmt.Errorf("invalid selectorPriority: %s", t.SelectorPriority)
	}
	if t.Empty() {
		return ErrEmptyTarget
	}
	return nil
}
