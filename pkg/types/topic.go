package types

import (
	"fmt"
	"strconv"
)

// TopicKey identifies a topic for matching purposes.
type TopicKey struct {
	MRID string
	Name string
}

// String renders the key as "mrid/name".
func (k TopicKey) String() string {
	return k.MRID + "/" + k.Name
}

// Topic is one addressable telemetry or control point.
// Topics are treated as immutable once built; use WithValue to derive a copy.
type Topic struct {
	Name   string         `json:"name" yaml:"name"`
	MRID   string         `json:"mrid" yaml:"mrid"`
	Value  *float64       `json:"value,omitempty" yaml:"value,omitempty"`
	Action string         `json:"action,omitempty" yaml:"action,omitempty"`
	Args   map[string]any `json:"args,omitempty" yaml:"args,omitempty"`
}

// NewTopic creates a topic without a value.
func NewTopic(mrid, name string) Topic {
	return Topic{MRID: mrid, Name: name}
}

// Key returns the (mrid, name) identity of the topic.
func (t Topic) Key() TopicKey {
	return TopicKey{MRID: t.MRID, Name: t.Name}
}

// Same reports whether both topics address the same point.
func (t Topic) Same(other Topic) bool {
	return t.Key() == other.Key()
}

// HasValue reports whether the topic carries a value.
func (t Topic) HasValue() bool {
	return t.Value != nil
}

// WithValue returns a copy of the topic carrying v.
func (t Topic) WithValue(v float64) Topic {
	c := t
	c.Value = &v
	return c
}

// Bare returns a copy of the topic with only its identity, as sent in registrations.
func (t Topic) Bare() Topic {
	return Topic{MRID: t.MRID, Name: t.Name}
}

// FormatValue renders the value the way the HMI displays it ("5", "12.75").
// Topics without a value render as an empty string.
func (t Topic) FormatValue() string {
	if t.Value == nil {
		return ""
	}
	return strconv.FormatFloat(*t.Value, 'f', -1, 64)
}

// Validate checks that the topic has an identity.
func (t Topic) Validate() error {
	if t.MRID == "" {
		return fmt.Errorf("topic mrid is required")
	}
	if t.Name == "" {
		return fmt.Errorf("topic name is required")
	}
	return nil
}
