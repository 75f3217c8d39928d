package automation

import (
	"encoding/json"
	"reflect"

	"github.com/Masterminds/semver/v3"
)

// Predicate is a JSON matcher applied to event data. Empty predicates match
// everything. Scope walks into nested objects before matching.
type Predicate struct {
	Scope     []string    `json:"scope,omitempty"`
	Key       string      `json:"key,omitempty"`
	Equals    any         `json:"equals,omitempty"`
	IsPresent *bool       `json:"is_present,omitempty"`
	Version   string      `json:"version_matches,omitempty"`
	AtLeast   *float64    `json:"at_least,omitempty"`
	AtMost    *float64    `json:"at_most,omitempty"`
	And       []Predicate `json:"and,omitempty"`
	Or        []Predicate `json:"or,omitempty"`
	Not       *Predicate  `json:"not,omitempty"`
}

// Evaluate matches value, which is any JSON-decodable Go value.
func (p *Predicate) Evaluate(value any) bool {
	if p == nil {
		return true
	}
	return p.match(normalize(value))
}

func (p *Predicate) match(v any) bool {
	if len(p.And) > 0 {
		for i := range p.And {
			if !p.And[i].match(v) {
				return false
			}
		}
		return true
	}
	if len(p.Or) > 0 {
		for i := range p.Or {
			if p.Or[i].match(v) {
				return true
			}
		}
		return false
	}
	if p.Not != nil {
		return !p.Not.match(v)
	}

	path := p.Scope
	if p.Key != "" {
		path = append(append([]string{}, p.Scope...), p.Key)
	}
	present := true
	for _, k := range path {
		obj, ok := v.(map[string]any)
		if !ok {
			present = false
			v = nil
			break
		}
		v, ok = obj[k]
		if !ok {
			present = false
			break
		}
	}

	if p.IsPresent != nil {
		return *p.IsPresent == present
	}
	if p.Equals != nil {
		return reflect.DeepEqual(normalize(p.Equals), v)
	}
	if p.Version != "" {
		return versionMatches(p.Version, v)
	}
	if p.AtLeast != nil || p.AtMost != nil {
		n, ok := v.(float64)
		if !ok {
			return false
		}
		if p.AtLeast != nil && n < *p.AtLeast {
			return false
		}
		if p.AtMost != nil && n > *p.AtMost {
			return false
		}
		return true
	}
	return present
}

func versionMatches(constraint string, v any) bool {
	s, ok := v.(string)
	if !ok {
		return false
	}
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return false
	}
	ver, err := semver.NewVersion(s)
	if err != nil {
		return false
	}
	return c.Check(ver)
}

// normalize maps a Go value onto the shapes encoding/json decodes into, so
// comparisons do not depend on int vs float64 or struct vs map.
func normalize(v any) any {
	switch t := v.(type) {
	case nil, string, bool, float64:
		return v
	case json.RawMessage:
		if len(t) == 0 {
			return nil
		}
		var out any
		if err := json.Unmarshal(t, &out); err != nil {
			return nil
		}
		return out
	}
	b, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return v
	}
	return out
}
