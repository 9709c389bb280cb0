package messagegraph

import (
	"fmt"
	"strings"
)

// TargetKind enumerates route destinations.
type TargetKind string

const (
	TargetAgent      TargetKind = "agent"
	TargetStream     TargetKind = "stream"
	TargetTopic      TargetKind = "topic"
	TargetDeadLetter TargetKind = "deadletter"
)

// Target is where a matched envelope goes.
type Target struct {
	Kind TargetKind `json:"kind" yaml:"kind"`
	Name string     `json:"name,omitempty" yaml:"name,omitempty"`
}

// Agent targets a registered agent via point-to-point send.
func Agent(id string) Target { return Target{Kind: TargetAgent, Name: id} }

// Stream targets every active consumer of a stream.
func Stream(id string) Target { return Target{Kind: TargetStream, Name: id} }

// Topic targets the subscribers of a topic.
func Topic(name string) Target { return Target{Kind: TargetTopic, Name: name} }

// DeadLetter sends matched envelopes straight to the dead-letter sink.
func DeadLetter() Target { return Target{Kind: TargetDeadLetter} }

// String renders "kind:name", the same form ParseTarget accepts.
func (t Target) String() string {
	if t.Kind == TargetDeadLetter {
		return string(TargetDeadLetter)
	}
	return string(t.Kind) + ":" + t.Name
}

// ParseTarget parses "agent:<id>", "stream:<id>", "topic:<name>" or "deadletter".
func ParseTarget(s string) (Target, error) {
	s = strings.TrimSpace(s)
	if s == string(TargetDeadLetter) || s == "dead_letter" {
		return DeadLetter(), nil
	}
	kind, name, ok := strings.Cut(s, ":")
	if !ok || strings.TrimSpace(name) == "" {
		return Target{}, fmt.Errorf("invalid route target %q", s)
	}
	name = strings.TrimSpace(name)
	switch TargetKind(strings.TrimSpace(kind)) {
	case TargetAgent:
		return Agent(name), nil
	case TargetStream:
		return Stream(name), nil
	case TargetTopic:
		return Topic(name), nil
	default:
		return Target{}, fmt.Errorf("unknown route target kind %q", kind)
	}
}
