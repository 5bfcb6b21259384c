// Package flow defines the authored flow graph, its node configurations, and structural validation.
package flow

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// NodeType names one kind of flow node.
type NodeType string

const (
	Tap            NodeType = "tap"
	DoubleTap      NodeType = "double_tap"
	LongPress      NodeType = "long_press"
	TextInput      NodeType = "text_input"
	Swipe          NodeType = "swipe"
	Scroll         NodeType = "scroll"
	DragDrop       NodeType = "drag_drop"
	PinchZoom      NodeType = "pinch_zoom"
	Fling          NodeType = "fling"
	KeyEvent       NodeType = "key_event"
	Back           NodeType = "back"
	Home           NodeType = "home"
	Recents        NodeType = "recents"
	Notifications  NodeType = "notifications"
	QuickSettings  NodeType = "quick_settings"
	VolumeUp       NodeType = "volume_up"
	VolumeDown     NodeType = "volume_down"
	MediaPlayPause NodeType = "media_play_pause"
	OpenApp        NodeType = "open_app"
	WaitForElement NodeType = "wait_for_element"
	Assert         NodeType = "assert"
	ElementCheck   NodeType = "element_check"
	GetBounds      NodeType = "get_bounds"
	IsVisible      NodeType = "is_visible"
	CountElements  NodeType = "count_elements"
	ClearText      NodeType = "clear_text"
	AppendText     NodeType = "append_text"
	SelectAll      NodeType = "select_all"
	GetText        NodeType = "get_text"
	RepeatClick    NodeType = "repeat_click"
)

// NodeTypes is the closed set of node types, in a stable order.
var NodeTypes = []NodeType{
	Tap, DoubleTap, LongPress, TextInput, Swipe, Scroll, DragDrop,
	PinchZoom, Fling, KeyEvent, Back, Home, Recents, Notifications,
	QuickSettings, VolumeUp, VolumeDown, MediaPlayPause, OpenApp,
	WaitForElement, Assert, ElementCheck, GetBounds, IsVisible,
	CountElements, ClearText, AppendText, SelectAll, GetText, RepeatClick,
}

// Valid reports whether t is one of the known node types.
func (t NodeType) Valid() bool {
	for _, v := range NodeTypes {
		if v == t {
			return true
		}
	}
	return false
}

// Branching reports whether nodes of type t select between labeled successors.
func (t NodeType) Branching() bool {
	return t == ElementCheck
}

// Edge labels for branching node successors.
const (
	LabelTrue  = "true"
	LabelFalse = "false"
)

// Node is one step of a flow.
// Config is kept raw so that it can be interpolated against run-time
// variable bindings before it is decoded.
type Node struct {
	ID     string          `json:"id"`
	Type   NodeType        `json:"type"`
	Config json.RawMessage `json:"config,omitempty"`
}

// Edge connects a node to its successor.
// Label is only present for branching node successors.
type Edge struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Label string `json:"label,omitempty"`
}

// Flow is an authored graph of nodes and edges.
type Flow struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Entry string `json:"entry,omitempty"`
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// Parse decodes a JSON flow document.
func Parse(raw []byte) (*Flow, error) {
	f := new(Flow)
	if err := json.Unmarshal(raw, f); err != nil {
		return nil, fmt.Errorf("decoding flow: %w", err)
	}
	return f, nil
}

type yamlNode struct {
	ID     string                 `yaml:"id"`
	Type   NodeType               `yaml:"type"`
	Config map[string]interface{} `yaml:"config"`
}

type yamlFlow struct {
	ID    string     `yaml:"id"`
	Name  string     `yaml:"name"`
	Entry string     `yaml:"entry"`
	Nodes []yamlNode `yaml:"nodes"`
	Edges []struct {
		From  string `yaml:"from"`
		To    string `yaml:"to"`
		Label string `yaml:"label"`
	} `yaml:"edges"`
}

// ParseYAML decodes a YAML flow document.
// Field names are identical to the JSON form.
func ParseYAML(raw []byte) (*Flow, error) {
	yf := new(yamlFlow)
	if err := yaml.Unmarshal(raw, yf); err != nil {
		return nil, fmt.Errorf("decoding yaml flow: %w", err)
	}
	f := &Flow{ID: yf.ID, Name: yf.Name, Entry: yf.Entry}
	for _, yn := range yf.Nodes {
		n := Node{ID: yn.ID, Type: yn.Type}
		if len(yn.Config) > 0 {
			cfg, err := json.Marshal(yn.Config)
			if err != nil {
				return nil, fmt.Errorf("converting config for node %s: %w", yn.ID, err)
			}
			n.Config = cfg
		}
		f.Nodes = append(f.Nodes, n)
	}
	for _, ye := range yf.Edges {
		f.Edges = append(f.Edges, Edge{From: ye.From, To: ye.To, Label: ye.Label})
	}
	return f, nil
}
