package eventlog

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dp-aero/l2fusion/internal/fusion"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "events.db")
	store, err := Open(dbPath, "migrations")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestOpen_RunsMigrationsSoAppendSucceedsImmediately(t *testing.T) {
	store := openTestStore(t)

	err := store.Append(Record{
		Timestamp:   time.Unix(100, 0),
		Kind:        "fusion_result",
		PayloadJSON: `{"a":1}`,
	})

	assert.NoError(t, err)
}

func TestStore_AppendGeneratesIDWhenBlank(t *testing.T) {
	store := openTestStore(t)

	err := store.Append(Record{Timestamp: time.Unix(1, 0), Kind: "k", PayloadJSON: "{}"})
	require.NoError(t, err)

	recent, err := store.Recent(10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.NotEmpty(t, recent[0].ID)
}

func TestStore_AppendAndRecentRoundTrip(t *testing.T) {
	store := openTestStore(t)
	rec := Record{
		ID:          "rec-1",
		Timestamp:   time.Unix(500, 0),
		Kind:        "control_command",
		NodeID:      "coherent_001",
		TargetID:    "target_1",
		PayloadJSON: `{"kind":"control_command"}`,
	}
	require.NoError(t, store.Append(rec))

	recent, err := store.Recent(10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, rec.ID, recent[0].ID)
	assert.Equal(t, rec.Kind, recent[0].Kind)
	assert.Equal(t, rec.NodeID, recent[0].NodeID)
	assert.Equal(t, rec.TargetID, recent[0].TargetID)
	assert.Equal(t, rec.PayloadJSON, recent[0].PayloadJSON)
	assert.True(t, rec.Timestamp.Equal(recent[0].Timestamp))
}

func TestStore_RecentOrdersNewestFirst(t *testing.T) {
	store := openTestStore(t)
	require.NoError(t, store.Append(Record{ID: "old", Timestamp: time.Unix(1, 0), Kind: "k", PayloadJSON: "{}"}))
	require.NoError(t, store.Append(Record{ID: "new", Timestamp: time.Unix(2, 0), Kind: "k", PayloadJSON: "{}"}))

	recent, err := store.Recent(10)

	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "new", recent[0].ID)
	assert.Equal(t, "old", recent[1].ID)
}

func TestStore_RecentRespectsLimit(t *testing.T) {
	store := openTestStore(t)
	for i := 0; i < 5; i++ {
		require.NoError(t, store.Append(Record{Timestamp: time.Unix(int64(i), 0), Kind: "k", PayloadJSON: "{}"}))
	}

	recent, err := store.Recent(2)

	require.NoError(t, err)
	assert.Len(t, recent, 2)
}

func TestStore_ForTargetFiltersByTargetID(t *testing.T) {
	store := openTestStore(t)
	require.NoError(t, store.Append(Record{ID: "a", Timestamp: time.Unix(1, 0), Kind: "k", TargetID: "target_1", PayloadJSON: "{}"}))
	require.NoError(t, store.Append(Record{ID: "b", Timestamp: time.Unix(2, 0), Kind: "k", TargetID: "target_2", PayloadJSON: "{}"}))

	matches, err := store.ForTarget("target_1", 10)

	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "a", matches[0].ID)
}

func TestStore_ForTargetWithNoMatchesReturnsEmpty(t *testing.T) {
	store := openTestStore(t)

	matches, err := store.ForTarget("nonexistent", 10)

	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestRecordFromOutbound_AssignsFreshIDAndMarshalsPayload(t *testing.T) {
	msg := fusion.OutboundMessage{
		MessageID: "m1",
		Timestamp: time.Unix(10, 0),
		Kind:      fusion.OutboundFusionResult,
		Result:    fusion.FusionResult{AlgorithmName: "TargetTrackingAlgorithm"},
	}

	rec, err := RecordFromOutbound(msg)

	require.NoError(t, err)
	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, string(fusion.OutboundFusionResult), rec.Kind)
	assert.Contains(t, rec.PayloadJSON, "TargetTrackingAlgorithm")
}

func TestRecordFromOutbound_ProducesDistinctIDsPerCall(t *testing.T) {
	msg := fusion.OutboundMessage{Kind: fusion.OutboundFusionResult}

	rec1, err1 := RecordFromOutbound(msg)
	rec2, err2 := RecordFromOutbound(msg)

	require.NoError(t, err1)
	require.NoError(t, err2)
	assert.NotEqual(t, rec1.ID, rec2.ID)
}

func TestRecordFromOutbound_PopulatesTargetIDForControlCommands(t *testing.T) {
	msg := fusion.OutboundMessage{
		Kind:    fusion.OutboundControlCommand,
		Command: fusion.ControlCommand{CommandType: fusion.CommandPointGimbal, TargetID: "target_7"},
	}

	rec, err := RecordFromOutbound(msg)

	require.NoError(t, err)
	assert.Equal(t, "target_7", rec.TargetID)
}

func TestRecordFromOutbound_LeavesTargetIDEmptyForNonControlCommandKinds(t *testing.T) {
	msg := fusion.OutboundMessage{Kind: fusion.OutboundFusionResult}

	rec, err := RecordFromOutbound(msg)

	require.NoError(t, err)
	assert.Empty(t, rec.TargetID)
}

func TestStore_ForTargetFindsRecordsAppendedViaRecordFromOutbound(t *testing.T) {
	store := openTestStore(t)
	rec, err := RecordFromOutbound(fusion.OutboundMessage{
		Timestamp: time.Unix(1, 0),
		Kind:      fusion.OutboundControlCommand,
		Command:   fusion.ControlCommand{CommandType: fusion.CommandPointGimbal, TargetID: "target_9"},
	})
	require.NoError(t, err)
	require.NoError(t, store.Append(rec))

	matches, err := store.ForTarget("target_9", 10)

	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, rec.ID, matches[0].ID)
}

func TestOpen_FailsOnUnresolvableMigrationsDir(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "events.db")

	_, err := Open(dbPath, filepath.Join(t.TempDir(), "does-not-exist"))

	assert.Error(t, err)
}
