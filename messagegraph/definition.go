package messagegraph

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Definition is the declarative form of a routing table.
//
//	id: orders
//	hop_limit: 8
//	dead_letter: orders.dlq
//	agents: [fraud]
//	streams: [orders.fulfillment]
//	routes:
//	  - name: fraud
//	    when: type == "order.created" && risk == "high"
//	    to: agent:fraud
//	  - type: order.created
//	    to: stream:orders.fulfillment
type Definition struct {
	ID          string            `json:"id" yaml:"id"`
	Description string            `json:"description,omitempty" yaml:"description,omitempty"`
	HopLimit    int               `json:"hop_limit,omitempty" yaml:"hop_limit,omitempty"`
	DeadLetter  string            `json:"dead_letter,omitempty" yaml:"dead_letter,omitempty"`
	Agents      []string          `json:"agents,omitempty" yaml:"agents,omitempty"`
	Streams     []string          `json:"streams,omitempty" yaml:"streams,omitempty"`
	Topics      []string          `json:"topics,omitempty" yaml:"topics,omitempty"`
	Routes      []RouteDefinition `json:"routes" yaml:"routes"`
}

// RouteDefinition is one rule. When, Type and Headers are AND-ed; a rule with
// none of them matches everything.
type RouteDefinition struct {
	Name    string            `json:"name,omitempty" yaml:"name,omitempty"`
	When    string            `json:"when,omitempty" yaml:"when,omitempty"`
	Type    string            `json:"type,omitempty" yaml:"type,omitempty"`
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	To      string            `json:"to" yaml:"to"`
}

// ParseDefinitionYAML decodes a YAML routing definition.
func ParseDefinitionYAML(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("failed to unmarshal routing definition: %w", err)
	}
	return &def, nil
}

// ParseDefinitionJSON decodes a JSON routing definition.
func ParseDefinitionJSON(data []byte) (*Definition, error) {
	var def Definition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("failed to unmarshal routing definition: %w", err)
	}
	return &def, nil
}

// LoadDefinitionFile reads a definition, choosing the codec by extension.
func LoadDefinitionFile(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read routing definition: %w", err)
	}
	if strings.ToLower(filepath.Ext(path)) == ".json" {
		return ParseDefinitionJSON(data)
	}
	return ParseDefinitionYAML(data)
}

// Builder translates the definition. Malformed targets and expressions are
// reported here; reference checks happen in Validate.
func (d *Definition) Builder() (*Builder, error) {
	b := Build(d.ID).
		WithDescription(d.Description).
		DeclareAgents(d.Agents...).
		DeclareStreams(d.Streams...).
		DeclareTopics(d.Topics...)
	if d.HopLimit != 0 {
		b.WithHopLimit(d.HopLimit)
	}
	if d.DeadLetter != "" {
		b.WithDeadLetterTopic(d.DeadLetter)
	}

	for i, rd := range d.Routes {
		name := rd.Name
		if name == "" {
			name = fmt.Sprintf("route-%d", i+1)
		}
		target, err := ParseTarget(rd.To)
		if err != nil {
			return nil, fmt.Errorf("route %q: %w", name, err)
		}
		pred, err := rd.predicate()
		if err != nil {
			return nil, fmt.Errorf("route %q: %w", name, err)
		}
		b.AddNamedRoute(name, pred, target)
	}
	return b, nil
}

// Validate builds and validates the routing table.
func (d *Definition) Validate() (*MessageGraph, error) {
	b, err := d.Builder()
	if err != nil {
		return nil, err
	}
	return b.Validate()
}

func (rd RouteDefinition) predicate() (Predicate, error) {
	var parts []Predicate
	if rd.Type != "" {
		parts = append(parts, TypeEquals(rd.Type))
	}
	keys := make([]string, 0, len(rd.Headers))
	for k := range rd.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		parts = append(parts, HeaderEquals(k, rd.Headers[k]))
	}
	if strings.TrimSpace(rd.When) != "" {
		p, err := Expr(rd.When)
		if err != nil {
			return nil, err
		}
		parts = append(parts, p)
	}

	switch len(parts) {
	case 0:
		return Always(), nil
	case 1:
		return parts[0], nil
	default:
		return And(parts...), nil
	}
}
