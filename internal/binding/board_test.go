package binding

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yqhp/hmi-sync/pkg/types"
)

func update(session, mrid, name string, v float64) types.UpdateMessage {
	return types.UpdateMessage{SessionID: session, Topic: types.NewTopic(mrid, name).WithValue(v)}
}

func TestBoard_TopicsKeepsDuplicatesAndOrder(t *testing.T) {
	b := NewBoard("feeder", []Element{
		{ID: "m1", Kind: KindMeasurement, MRID: "A", Path: "X"},
		{ID: "b1", Kind: KindButton, MRID: "A", Path: "CMD"},
		{ID: "m2", Kind: KindMeasurement, MRID: "A", Path: "X"},
		{ID: "free", Kind: KindMeasurement},
		{ID: "sw", Kind: KindSwitchgear, MRID: "B", Path: "POS"},
	})

	topics := b.Topics()
	require.Len(t, topics, 3)
	assert.Equal(t, types.TopicKey{MRID: "A", Name: "X"}, topics[0].Key())
	assert.Equal(t, types.TopicKey{MRID: "A", Name: "X"}, topics[1].Key())
	assert.Equal(t, types.TopicKey{MRID: "B", Name: "POS"}, topics[2].Key())
	for _, tp := range topics {
		assert.False(t, tp.HasValue())
	}
}

func TestBoard_ApplyFirstMatchWins(t *testing.T) {
	b := NewBoard("feeder", []Element{
		{ID: "first", Kind: KindMeasurement, MRID: "A", Path: "X", Text: "-"},
		{ID: "second", Kind: KindMeasurement, MRID: "A", Path: "X", Text: "-"},
	})

	changes := b.Apply(types.WsMessage{Updates: []types.UpdateMessage{update("s1", "A", "X", 5)}})

	require.Len(t, changes, 1)
	assert.Equal(t, "first", changes[0].ElementID)
	assert.Equal(t, "5", changes[0].Text)

	first, _ := b.Element("first")
	second, _ := b.Element("second")
	assert.Equal(t, "5", first.Text)
	assert.Equal(t, "-", second.Text)
}

func TestBoard_ApplyUnmatchedIgnored(t *testing.T) {
	b := NewBoard("feeder", []Element{
		{ID: "m1", Kind: KindMeasurement, MRID: "A", Path: "X", Text: "-"},
	})

	changes := b.Apply(types.WsMessage{Updates: []types.UpdateMessage{
		update("s1", "A", "Y", 1),
		update("s1", "B", "X", 2),
	}})

	assert.Empty(t, changes)
	e, _ := b.Element("m1")
	assert.Equal(t, "-", e.Text)
}

func TestBoard_ApplyBatchInOrder(t *testing.T) {
	b := NewBoard("feeder", []Element{
		{ID: "m1", Kind: KindMeasurement, MRID: "A", Path: "X"},
		{ID: "r1", Kind: KindRegulator, MRID: "T", Path: "TAP"},
	})

	changes := b.Apply(types.WsMessage{Updates: []types.UpdateMessage{
		update("s1", "A", "X", 1.5),
		update("s1", "T", "TAP", 7),
		update("s1", "A", "X", 2.25),
	}})

	require.Len(t, changes, 3)
	assert.Equal(t, []string{"m1", "r1", "m1"},
		[]string{changes[0].ElementID, changes[1].ElementID, changes[2].ElementID})
	e, _ := b.Element("m1")
	assert.Equal(t, "2.25", e.Text)
	r, _ := b.Element("r1")
	assert.Equal(t, "7", r.Text)
}

func TestBoard_SwitchgearStates(t *testing.T) {
	tests := []struct {
		name  string
		topic types.Topic
		text  string
		fill  string
	}{
		{"open", types.NewTopic("B", "POS").WithValue(0), "open", ColorOpen},
		{"closed", types.NewTopic("B", "POS").WithValue(1), "closed", ColorClosed},
		{"closed any non-zero", types.NewTopic("B", "POS").WithValue(-2), "closed", ColorClosed},
		{"no value", types.NewTopic("B", "POS"), "unknown", ColorUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBoard("feeder", []Element{
				{ID: "sw", Kind: KindSwitchgear, MRID: "B", Path: "POS", Style: Style{Stroke: "#000"}},
			})
			changes := b.Apply(types.WsMessage{Updates: []types.UpdateMessage{{SessionID: "s1", Topic: tt.topic}}})
			require.Len(t, changes, 1)
			assert.Equal(t, tt.text, changes[0].Text)
			assert.Equal(t, tt.fill, changes[0].Style.Fill)
			assert.Equal(t, "#000", changes[0].Style.Stroke)
		})
	}
}

func TestBoard_ButtonsAreNotRepainted(t *testing.T) {
	b := NewBoard("feeder", []Element{
		{ID: "b1", Kind: KindButton, MRID: "B", Path: "POS", Text: "Trip"},
	})

	changes := b.Apply(types.WsMessage{Updates: []types.UpdateMessage{update("s1", "B", "POS", 1)}})

	assert.Empty(t, changes)
	e, _ := b.Element("b1")
	assert.Equal(t, "Trip", e.Text)
}

func TestElement_Command(t *testing.T) {
	v := 0.0
	btn := Element{ID: "trip", Kind: KindButton, MRID: "B", Path: "POS", Action: "open", Value: &v}

	topic, err := btn.Command()
	require.NoError(t, err)
	assert.Equal(t, "B", topic.MRID)
	assert.Equal(t, "POS", topic.Name)
	assert.Equal(t, "open", topic.Action)
	require.True(t, topic.HasValue())
	assert.Equal(t, 0.0, *topic.Value)

	_, err = Element{ID: "m", Kind: KindMeasurement, MRID: "A", Path: "X"}.Command()
	assert.Error(t, err)
	_, err = Element{ID: "b", Kind: KindButton}.Command()
	assert.Error(t, err)
}
