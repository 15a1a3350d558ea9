package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loom-backend/internal/domain/shared"
)

func TestNewTreeChanged(t *testing.T) {
	root := shared.NewNodeID()
	added := []shared.NodeID{shared.NewNodeID()}
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	evt := NewTreeChanged(root, "create_child", 7, added, nil, nil, at)

	var de DomainEvent = evt
	assert.Equal(t, root.String(), de.GetAggregateID())
	assert.Equal(t, EventTypeTreeChanged, de.GetEventType())
	assert.Equal(t, at, de.GetTimestamp())
	assert.Equal(t, 7, de.GetVersion())
	assert.False(t, evt.IsEmpty())
	assert.True(t, NewTreeChanged(root, "noop", 8, nil, nil, nil, at).IsEmpty())
}

func TestTreeChanged_JSON(t *testing.T) {
	root := shared.NewNodeID()
	evt := NewTreeChanged(root, "delete", 2, nil, nil, []shared.NodeID{root}, time.Unix(0, 0).UTC())

	data, err := json.Marshal(evt)
	require.NoError(t, err)

	var fields map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &fields))
	assert.Equal(t, "tree.changed", fields["event_type"])
	assert.Equal(t, "delete", fields["operation"])
	assert.Equal(t, root.String(), fields["aggregate_id"])
	assert.Equal(t, []interface{}{root.String()}, fields["deleted"])
}
