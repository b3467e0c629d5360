package binding

import (
	"fmt"

	"yqhp/hmi-sync/pkg/types"
)

// Kind is the palette shape of a diagram element.
type Kind string

const (
	KindSwitchgear  Kind = "switchgear"
	KindMeasurement Kind = "measurement"
	KindRegulator   Kind = "regulator"
	KindButton      Kind = "button"
)

// Valid reports whether k is a known palette kind.
func (k Kind) Valid() bool {
	switch k {
	case KindSwitchgear, KindMeasurement, KindRegulator, KindButton:
		return true
	}
	return false
}

// Switchgear state colours.
const (
	ColorOpen    = "#2e7d32"
	ColorClosed  = "#c62828"
	ColorUnknown = "#9e9e9e"
)

// Style is the mutable presentation of an element.
type Style struct {
	Fill   string `yaml:"fill,omitempty" json:"fill,omitempty"`
	Stroke string `yaml:"stroke,omitempty" json:"stroke,omitempty"`
}

// Element is one diagram shape. MRID and Path bind it to a telemetry point;
// for buttons they name the point a command is sent to.
type Element struct {
	ID    string   `yaml:"id" json:"id"`
	Kind  Kind     `yaml:"kind" json:"kind"`
	Label string   `yaml:"label,omitempty" json:"label,omitempty"`
	MRID  string   `yaml:"mrid,omitempty" json:"mrid,omitempty"`
	Path  string   `yaml:"path,omitempty" json:"path,omitempty"`
	Text  string   `yaml:"text,omitempty" json:"text,omitempty"`
	Style Style    `yaml:"style,omitempty" json:"style,omitempty"`
	// button only
	Action string   `yaml:"action,omitempty" json:"action,omitempty"`
	Value  *float64 `yaml:"value,omitempty" json:"value,omitempty"`
}

// Bound reports whether the element displays a telemetry point.
func (e Element) Bound() bool {
	return e.Kind != KindButton && e.MRID != "" && e.Path != ""
}

// Topic returns the topic the element is bound to.
func (e Element) Topic() types.Topic {
	return types.NewTopic(e.MRID, e.Path)
}

// Matches reports whether an update for t should land on this element.
func (e Element) Matches(t types.Topic) bool {
	return e.Bound() && e.MRID == t.MRID && e.Path == t.Name
}

// Command builds the control topic a button issues.
func (e Element) Command() (types.Topic, error) {
	if e.Kind != KindButton {
		return types.Topic{}, fmt.Errorf("element %q is a %s, not a button", e.ID, e.Kind)
	}
	if e.MRID == "" || e.Path == "" {
		return types.Topic{}, fmt.Errorf("button %q has no target point", e.ID)
	}
	t := types.NewTopic(e.MRID, e.Path)
	t.Action = e.Action
	if e.Value != nil {
		t = t.WithValue(*e.Value)
	}
	return t, nil
}

// render computes the text and style an update gives the element. ok is false
// for kinds that are not repainted.
func (e Element) render(t types.Topic) (text string, style Style, ok bool) {
	style = e.Style
	switch e.Kind {
	case KindMeasurement, KindRegulator:
		return t.FormatValue(), style, true
	case KindSwitchgear:
		switch {
		case !t.HasValue():
			text, style.Fill = "unknown", ColorUnknown
		case *t.Value == 0:
			text, style.Fill = "open", ColorOpen
		default:
			text, style.Fill = "closed", ColorClosed
		}
		return text, style, true
	}
	return "", style, false
}
