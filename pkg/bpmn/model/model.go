// Package model defines the process definition graph the engine
// executes: a closed set of flow-node kinds connected by sequence flows,
// with boundary events attached to activities. Definitions are built
// programmatically (or decoded from JSON) and validated before deploy;
// diagram formats are a concern of external tooling.
package model

import (
	"fmt"

	"github.com/senseyeio/duration"
)

type NodeKind string

const (
	NodeStartEvent        NodeKind = "START_EVENT"
	NodeEndEvent          NodeKind = "END_EVENT"
	NodeUserTask          NodeKind = "USER_TASK"
	NodeServiceTask       NodeKind = "SERVICE_TASK"
	NodeTimerCatchEvent   NodeKind = "TIMER_CATCH_EVENT"
	NodeMessageCatchEvent NodeKind = "MESSAGE_CATCH_EVENT"
	NodeSignalCatchEvent  NodeKind = "SIGNAL_CATCH_EVENT"
	NodeSubProcess        NodeKind = "SUB_PROCESS"
)

// IoMapping copies one value between variable scopes. Source is either a
// literal or an `=`-prefixed expression evaluated against the source
// scope; Target is the variable name written in the target scope.
type IoMapping struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

// Node is one element of the definition graph. The kind discriminates
// which of the optional fields are meaningful; Validate enforces that.
type Node struct {
	Id   string   `json:"id"`
	Name string   `json:"name,omitempty"`
	Kind NodeKind `json:"kind"`

	// user task
	Assignee string `json:"assignee,omitempty"`
	FormKey  string `json:"formKey,omitempty"`
	Priority int32  `json:"priority,omitempty"`
	DueIn    string `json:"dueIn,omitempty"` // ISO-8601 duration

	// service task
	ClientType string `json:"clientType,omitempty"` // connector name

	// timer catch event
	Duration string `json:"duration,omitempty"` // ISO-8601 duration

	// message catch event / message start event
	MessageName    string `json:"messageName,omitempty"`
	CorrelationKey string `json:"correlationKey,omitempty"` // literal or expression

	// signal catch event
	SignalName string `json:"signalName,omitempty"`

	// sub-process
	CalledProcessId string `json:"calledProcessId,omitempty"`

	InputMappings  []IoMapping `json:"inputMappings,omitempty"`
	OutputMappings []IoMapping `json:"outputMappings,omitempty"`
}

// IsMessageStart reports whether the node starts a new instance when a
// matching start message arrives.
func (n Node) IsMessageStart() bool {
	return n.Kind == NodeStartEvent && n.MessageName != ""
}

type BoundaryKind string

const (
	BoundaryTimer  BoundaryKind = "TIMER"
	BoundaryError  BoundaryKind = "ERROR"
	BoundarySignal BoundaryKind = "SIGNAL"
)

// BoundaryEvent is a catch point attached to an activity that redirects
// flow when a timer fires, an error is received, or a signal arrives
// while the activity is active.
type BoundaryEvent struct {
	Id         string       `json:"id"`
	AttachedTo string       `json:"attachedTo"`
	Kind       BoundaryKind `json:"kind"`

	Duration       string `json:"duration,omitempty"`       // timer boundary, ISO-8601
	ErrorClassName string `json:"errorClassName,omitempty"` // error boundary, empty matches any error
	SignalName     string `json:"signalName,omitempty"`     // signal boundary
}

type SequenceFlow struct {
	Id     string `json:"id"`
	Source string `json:"source"`
	Target string `json:"target"`
}

// ProcessDefinition is one deployable process. Key and Version are
// assigned by the engine on deploy; Id is the caller-chosen definition
// identifier shared across versions.
type ProcessDefinition struct {
	Id         string          `json:"id"`
	Name       string          `json:"name,omitempty"`
	Version    int32           `json:"version"`
	Key        int64           `json:"key"`
	Nodes      []Node          `json:"nodes"`
	Flows      []SequenceFlow  `json:"flows,omitempty"`
	Boundaries []BoundaryEvent `json:"boundaries,omitempty"`
}

func (d *ProcessDefinition) FindNode(id string) (Node, bool) {
	for _, n := range d.Nodes {
		if n.Id == id {
			return n, true
		}
	}
	return Node{}, false
}

// StartNodes returns the plain (none) start events of the definition.
func (d *ProcessDefinition) StartNodes() []Node {
	nodes := make([]Node, 0, 1)
	for _, n := range d.Nodes {
		if n.Kind == NodeStartEvent && !n.IsMessageStart() {
			nodes = append(nodes, n)
		}
	}
	return nodes
}

// MessageStartNode returns the start event listening on messageName.
func (d *ProcessDefinition) MessageStartNode(messageName string) (Node, bool) {
	for _, n := range d.Nodes {
		if n.IsMessageStart() && n.MessageName == messageName {
			return n, true
		}
	}
	return Node{}, false
}

func (d *ProcessDefinition) OutgoingFlows(nodeId string) []SequenceFlow {
	flows := make([]SequenceFlow, 0, 1)
	for _, f := range d.Flows {
		if f.Source == nodeId {
			flows = append(flows, f)
		}
	}
	return flows
}

// BoundariesFor returns the boundary events attached to elementId.
func (d *ProcessDefinition) BoundariesFor(elementId string) []BoundaryEvent {
	boundaries := make([]BoundaryEvent, 0, 1)
	for _, b := range d.Boundaries {
		if b.AttachedTo == elementId {
			boundaries = append(boundaries, b)
		}
	}
	return boundaries
}

// ErrorBoundaryFor returns the error boundary matching errorClassName on
// elementId, preferring an exact class match over a catch-all.
func (d *ProcessDefinition) ErrorBoundaryFor(elementId string, errorClassName string) (BoundaryEvent, bool) {
	var catchAll BoundaryEvent
	foundCatchAll := false
	for _, b := range d.BoundariesFor(elementId) {
		if b.Kind != BoundaryError {
			continue
		}
		if b.ErrorClassName == errorClassName {
			return b, true
		}
		if b.ErrorClassName == "" {
			catchAll = b
			foundCatchAll = true
		}
	}
	return catchAll, foundCatchAll
}

// Validate checks structural soundness: unique element ids, at least one
// start event, flow endpoints that exist, kind-specific required fields
// and parseable ISO-8601 durations.
func (d *ProcessDefinition) Validate() error {
	if d.Id == "" {
		return fmt.Errorf("process definition is missing an id")
	}
	seen := make(map[string]bool, len(d.Nodes)+len(d.Boundaries))
	hasStart := false
	for _, n := range d.Nodes {
		if seen[n.Id] {
			return fmt.Errorf("duplicate element id '%s' in definition '%s'", n.Id, d.Id)
		}
		seen[n.Id] = true
		if n.Kind == NodeStartEvent {
			hasStart = true
		}
		if err := validateNode(n); err != nil {
			return fmt.Errorf("definition '%s': %w", d.Id, err)
		}
	}
	if !hasStart {
		return fmt.Errorf("definition '%s' has no start event", d.Id)
	}
	for _, b := range d.Boundaries {
		if seen[b.Id] {
			return fmt.Errorf("duplicate element id '%s' in definition '%s'", b.Id, d.Id)
		}
		seen[b.Id] = true
	}
	// flows may leave a boundary event, so endpoints are checked after
	// boundary ids are registered
	for _, f := range d.Flows {
		if !seen[f.Source] {
			return fmt.Errorf("definition '%s': sequence flow '%s' references unknown source '%s'", d.Id, f.Id, f.Source)
		}
		if !seen[f.Target] {
			return fmt.Errorf("definition '%s': sequence flow '%s' references unknown target '%s'", d.Id, f.Id, f.Target)
		}
	}
	for _, b := range d.Boundaries {
		if !seen[b.AttachedTo] {
			return fmt.Errorf("definition '%s': boundary '%s' is attached to unknown element '%s'", d.Id, b.Id, b.AttachedTo)
		}
		if b.Kind == BoundaryTimer {
			if _, err := duration.ParseISO8601(b.Duration); err != nil {
				return fmt.Errorf("definition '%s': boundary '%s' has invalid duration '%s': %w", d.Id, b.Id, b.Duration, err)
			}
		}
		if b.Kind == BoundarySignal && b.SignalName == "" {
			return fmt.Errorf("definition '%s': signal boundary '%s' is missing a signal name", d.Id, b.Id)
		}
	}
	return nil
}

func validateNode(n Node) error {
	switch n.Kind {
	case NodeStartEvent, NodeEndEvent, NodeUserTask:
	case NodeServiceTask:
		if n.ClientType == "" {
			return fmt.Errorf("service task '%s' is missing a client type", n.Id)
		}
	case NodeTimerCatchEvent:
		if _, err := duration.ParseISO8601(n.Duration); err != nil {
			return fmt.Errorf("timer '%s' has invalid duration '%s': %w", n.Id, n.Duration, err)
		}
	case NodeMessageCatchEvent:
		if n.MessageName == "" {
			return fmt.Errorf("message catch '%s' is missing a message name", n.Id)
		}
	case NodeSignalCatchEvent:
		if n.SignalName == "" {
			return fmt.Errorf("signal catch '%s' is missing a signal name", n.Id)
		}
	case NodeSubProcess:
		if n.CalledProcessId == "" {
			return fmt.Errorf("sub-process '%s' is missing a called process id", n.Id)
		}
	default:
		return fmt.Errorf("element '%s' has unknown kind '%s'", n.Id, n.Kind)
	}
	return nil
}
