package binding

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const feederYAML = `
name: feeder-1
elements:
  - id: cb1
    kind: switchgear
    label: Breaker 1
    mrid: CB1
    path: POS
  - id: p1
    kind: measurement
    mrid: F1
    path: P
    text: "-"
  - id: trip
    kind: button
    mrid: CB1
    path: POS
    action: open
    value: 0
`

func TestParseDiagram(t *testing.T) {
	b, err := ParseDiagram([]byte(feederYAML))
	require.NoError(t, err)

	assert.Equal(t, "feeder-1", b.Name())
	require.Len(t, b.Elements(), 3)

	p1, ok := b.Element("p1")
	require.True(t, ok)
	assert.Equal(t, KindMeasurement, p1.Kind)
	assert.Equal(t, "-", p1.Text)

	trip, ok := b.Element("trip")
	require.True(t, ok)
	require.NotNil(t, trip.Value)
	assert.Equal(t, 0.0, *trip.Value)

	assert.Len(t, b.Topics(), 2)
}

func TestLoadDiagram(t *testing.T) {
	path := filepath.Join(t.TempDir(), "feeder.yaml")
	require.NoError(t, os.WriteFile(path, []byte(feederYAML), 0o644))

	b, err := LoadDiagram(path)
	require.NoError(t, err)
	assert.Equal(t, "feeder-1", b.Name())

	_, err = LoadDiagram(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read diagram")

	_, err = ParseDiagram([]byte("elements: ["))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse diagram")
}

func TestParseDiagram_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"bad yaml", "elements: [\n"},
		{"missing id", "elements:\n  - kind: measurement\n"},
		{"duplicate id", "elements:\n  - id: a\n    kind: measurement\n  - id: a\n    kind: regulator\n"},
		{"unknown kind", "elements:\n  - id: a\n    kind: transformer\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseDiagram([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}
