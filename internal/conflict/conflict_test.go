package conflict

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStrategyLookupPrecedence(t *testing.T) {
	p := Policy{
		DefaultStrategy:       StrategyLastWriteWins,
		EntityStrategies:      map[string]Strategy{"task": StrategyClientWins},
		FieldStrategies:       map[string]Strategy{"task.title": StrategyManual},
		ServerAuthorityFields: map[string]bool{"task.subtask_count": true},
		ClientAuthorityFields: map[string]bool{"task.notes": true},
	}

	assert.Equal(t, StrategyManual, p.StrategyFor("task", "title"), "field override wins")
	assert.Equal(t, StrategyServerWins, p.StrategyFor("task", "subtask_count"), "server authority")
	assert.Equal(t, StrategyClientWins, p.StrategyFor("task", "notes"), "client authority")
	assert.Equal(t, StrategyClientWins, p.StrategyFor("task", "status"), "entity override")
	assert.Equal(t, StrategyLastWriteWins, p.StrategyFor("tag", "name"), "global default")
	assert.Equal(t, StrategyFieldLevelMerge, Policy{}.StrategyFor("tag", "name"), "zero policy falls back to field merge")
}

func TestDetectFieldConflicts(t *testing.T) {
	local := json.RawMessage(`{"title":"draft","status":"open","priority":2,"notes":"local only note"}`)
	server := json.RawMessage(`{"title":"final","status":"open","priority":5,"color":"red"}`)

	lv := SyncVersion{ModifiedAt: 2000, FieldTimes: map[string]int64{"title": 1500}}
	sv := SyncVersion{ModifiedAt: 1000}

	conflicts, err := DetectFieldConflicts("task", "t-1", local, server, lv, sv)
	require.NoError(t, err)
	require.Len(t, conflicts, 2, "only fields present on both sides with differing values")

	byField := map[string]FieldConflict{}
	for _, fc := range conflicts {
		byField[fc.Field] = fc
	}

	title := byField["title"]
	assert.JSONEq(t, `"draft"`, string(title.LocalValue))
	assert.JSONEq(t, `"final"`, string(title.ServerValue))
	assert.Equal(t, int64(1500), title.LocalTime, "field timestamp preferred")
	assert.Equal(t, int64(1000), title.ServerTime, "entity timestamp fallback")

	assert.Contains(t, byField, "priority")
	assert.NotContains(t, byField, "status", "equal values are not conflicts")
	assert.NotContains(t, byField, "notes", "one-sided fields are not conflicts")
	assert.NotContains(t, byField, "color")
}

func TestDetectSkipsMatchingContentHash(t *testing.T) {
	local := json.RawMessage(`{"title":"a"}`)
	server := json.RawMessage(`{"title":"b"}`)

	conflicts, err := DetectFieldConflicts("task", "t-1", local, server,
		SyncVersion{ContentHash: "abc"}, SyncVersion{ContentHash: "abc"})
	require.NoError(t, err)
	assert.Empty(t, conflicts)
}

func TestResolveFieldLastWriteWins(t *testing.T) {
	r := NewResolver(DefaultPolicy())
	fc := FieldConflict{
		EntityType: "task", Field: "title",
		LocalValue: json.RawMessage(`"local"`), ServerValue: json.RawMessage(`"server"`),
	}

	cases := []struct {
		name       string
		localTime  int64
		serverTime int64
		winner     Side
	}{
		{"local newer", 2000, 1000, SideClient},
		{"server newer", 1000, 2000, SideServer},
		{"tie favors server", 1500, 1500, SideServer},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fc.LocalTime, fc.ServerTime = tc.localTime, tc.serverTime
			res := r.ResolveField(fc)
			assert.Equal(t, tc.winner, res.Winner)
		})
	}
}

func TestResolveFieldFixedStrategies(t *testing.T) {
	fc := FieldConflict{
		EntityType: "task", Field: "title",
		LocalValue: json.RawMessage(`"local"`), ServerValue: json.RawMessage(`"server"`),
		LocalTime: 9999, ServerTime: 1, // local is much newer; fixed strategies must ignore this
	}

	cases := []struct {
		strategy Strategy
		winner   Side
	}{
		{StrategyServerWins, SideServer},
		{StrategyClientWins, SideClient},
		{StrategyKeepBoth, SideServer},
		{StrategyManual, SideServer},
	}
	for _, tc := range cases {
		t.Run(string(tc.strategy), func(t *testing.T) {
			r := NewResolver(Policy{DefaultStrategy: tc.strategy})
			res := r.ResolveField(fc)
			assert.Equal(t, tc.winner, res.Winner)
			assert.Equal(t, tc.strategy, res.Strategy)
		})
	}
}

func TestResolveEntityOverlaysWinners(t *testing.T) {
	r := NewResolver(DefaultPolicy())

	local := json.RawMessage(`{"id":"t-1","title":"local title","status":"done","priority":1}`)
	server := json.RawMessage(`{"id":"t-1","title":"server title","status":"open","priority":1,"version":7}`)

	lv := SyncVersion{ModifiedAt: 1000, FieldTimes: map[string]int64{"title": 3000, "status": 500}}
	sv := SyncVersion{ModifiedAt: 2000}

	merged, resolutions, err := r.ResolveEntity("task", "t-1", local, server, lv, sv)
	require.NoError(t, err)
	require.Len(t, resolutions, 2)

	var got struct {
		ID       string `json:"id"`
		Title    string `json:"title"`
		Status   string `json:"status"`
		Priority int    `json:"priority"`
		Version  int64  `json:"version"`
	}
	require.NoError(t, json.Unmarshal(merged, &got))

	assert.Equal(t, "local title", got.Title, "newer local field overlays server snapshot")
	assert.Equal(t, "open", got.Status, "older local field loses")
	assert.Equal(t, int64(7), got.Version, "server-only fields survive the merge")

	assert.Equal(t, 1, r.History().Len(), "conflicted entity recorded")
}

func TestResolveEntityNoConflictReturnsServer(t *testing.T) {
	r := NewResolver(DefaultPolicy())
	snap := json.RawMessage(`{"title":"same"}`)

	merged, resolutions, err := r.ResolveEntity("task", "t-1", snap, snap, SyncVersion{}, SyncVersion{})
	require.NoError(t, err)
	assert.Empty(t, resolutions)
	assert.JSONEq(t, string(snap), string(merged))
	assert.Zero(t, r.History().Len(), "conflict-free entities are not recorded")
}

func TestResolveDeleteModify(t *testing.T) {
	cases := []struct {
		name       string
		strategy   Strategy
		deletedBy  Side
		deletedAt  int64
		modifiedAt int64
		want       DeleteOutcome
	}{
		{"lww modify later undeletes", StrategyLastWriteWins, SideServer, 1000, 2000, OutcomeKeepModified},
		{"lww delete later wins", StrategyLastWriteWins, SideServer, 2000, 1000, OutcomeAcceptDelete},
		{"lww tie accepts delete", StrategyLastWriteWins, SideClient, 1500, 1500, OutcomeAcceptDelete},
		{"field merge behaves as lww", StrategyFieldLevelMerge, SideClient, 1000, 2000, OutcomeKeepModified},
		{"server wins, server deleted", StrategyServerWins, SideServer, 1000, 2000, OutcomeAcceptDelete},
		{"server wins, client deleted", StrategyServerWins, SideClient, 2000, 1000, OutcomeKeepModified},
		{"client wins, client deleted", StrategyClientWins, SideClient, 1000, 2000, OutcomeAcceptDelete},
		{"client wins, server deleted", StrategyClientWins, SideServer, 2000, 1000, OutcomeKeepModified},
		{"manual defers", StrategyManual, SideServer, 1000, 2000, OutcomeManualReview},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := NewResolver(Policy{DefaultStrategy: tc.strategy})
			got := r.ResolveDeleteModify("task", "t-1", tc.deletedBy, tc.deletedAt, tc.modifiedAt)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestHistoryTrimsOldestOnOverflow(t *testing.T) {
	h := NewHistory(DefaultHistoryCapacity)
	for i := 0; i < DefaultHistoryCapacity; i++ {
		h.Add(Record{EntityID: fmt.Sprintf("e-%d", i)})
	}
	require.Equal(t, DefaultHistoryCapacity, h.Len())

	h.Add(Record{EntityID: "overflow"})
	assert.Equal(t, DefaultHistoryCapacity-historyTrim+1, h.Len(), "oldest 100 dropped, new one kept")

	recent := h.Recent(1)
	require.Len(t, recent, 1)
	assert.Equal(t, "overflow", recent[0].EntityID)

	// Oldest survivor is e-100; e-0..e-99 were trimmed.
	all := h.Recent(0)
	assert.Equal(t, "e-100", all[len(all)-1].EntityID)
}

func TestHistoryRecentNewestFirst(t *testing.T) {
	h := NewHistory(10)
	h.Add(Record{EntityID: "first"})
	h.Add(Record{EntityID: "second"})
	h.Add(Record{EntityID: "third"})

	recent := h.Recent(2)
	require.Len(t, recent, 2)
	assert.Equal(t, "third", recent[0].EntityID)
	assert.Equal(t, "second", recent[1].EntityID)
}
