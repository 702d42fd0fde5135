package conflict

import (
	"encoding/json"
	"time"

	"github.com/kimhsiao/driftsync/internal/errors"
	"github.com/kimhsiao/driftsync/internal/logging"
)

// Side names the origin of a winning value.
type Side string

const (
	SideServer Side = "server"
	SideClient Side = "client"
)

// Resolution records into which side one field conflict was decided.
type Resolution struct {
	Field    string
	Winner   Side
	Value    json.RawMessage
	Strategy Strategy
}

// Resolver applies a Policy to detected conflicts.
type Resolver struct {
	policy  Policy
	history *History
}

// NewResolver creates a Resolver over the given policy. The history ring
// is always allocated; whether resolutions land in it follows
// policy.RecordHistory.
func NewResolver(policy Policy) *Resolver {
	return &Resolver{
		policy:  policy,
		history: NewHistory(DefaultHistoryCapacity),
	}
}

// History exposes the resolver's conflict history for observability.
func (r *Resolver) History() *History {
	return r.history
}

// ResolveField decides one field conflict under the effective strategy.
// keepBoth and manual cannot be honored during automatic reconciliation
// and fall back to the server value.
func (r *Resolver) ResolveField(fc FieldConflict) Resolution {
	strategy := r.policy.StrategyFor(fc.EntityType, fc.Field)

	res := Resolution{Field: fc.Field, Strategy: strategy}
	switch strategy {
	case StrategyClientWins:
		res.Winner = SideClient
	case StrategyServerWins, StrategyKeepBoth, StrategyManual:
		res.Winner = SideServer
	default:
		// last_write_wins and field_level_merge: later timestamp wins,
		// a tie favors the server.
		if fc.LocalTime > fc.ServerTime {
			res.Winner = SideClient
		} else {
			res.Winner = SideServer
		}
	}

	if res.Winner == SideClient {
		res.Value = fc.LocalValue
	} else {
		res.Value = fc.ServerValue
	}
	return res
}

// ResolveEntity reconciles the local and server snapshots of one entity.
// The result starts from the server snapshot; every conflicting field's
// winning value is overlaid onto it. The merged document is returned as
// JSON for the caller to decode into the entity type. Entities with at
// least one conflict are recorded into the history.
func (r *Resolver) ResolveEntity(entityType, entityID string, local, server json.RawMessage, localVer, serverVer SyncVersion) (json.RawMessage, []Resolution, error) {
	conflicts, err := DetectFieldConflicts(entityType, entityID, local, server, localVer, serverVer)
	if err != nil {
		return nil, nil, err
	}
	if len(conflicts) == 0 {
		return server, nil, nil
	}

	merged, err := flatten(server)
	if err != nil {
		return nil, nil, errors.Wrap(err, errors.ErrInvalidPayload, "decoding server snapshot")
	}

	resolutions := make([]Resolution, 0, len(conflicts))
	clientWon := 0
	for _, fc := range conflicts {
		res := r.ResolveField(fc)
		if res.Winner == SideClient {
			merged[fc.Field] = res.Value
			clientWon++
		}
		resolutions = append(resolutions, res)

		logging.Info("conflict field resolved", map[string]interface{}{
			"entity_type": entityType,
			"entity_id":   entityID,
			"field":       fc.Field,
			"strategy":    string(res.Strategy),
			"winner_side": string(res.Winner),
			"local_time":  fc.LocalTime,
			"server_time": fc.ServerTime,
		})
	}

	out, err := json.Marshal(merged)
	if err != nil {
		return nil, nil, errors.Wrap(err, errors.ErrConflictResolution, "encoding merged snapshot")
	}

	if r.policy.RecordHistory {
		r.history.Add(Record{
			EntityType: entityType,
			EntityID:   entityID,
			Fields:     fieldNames(conflicts),
			LocalTime:  localVer.ModifiedAt,
			ServerTime: serverVer.ModifiedAt,
			Resolution: summarize(clientWon, len(conflicts)),
			DetectedAt: time.Now().UnixMilli(),
		})
	}
	return out, resolutions, nil
}

// ResolveEntityInto is ResolveEntity plus decoding the merged document
// into the supplied entity value.
func (r *Resolver) ResolveEntityInto(entityType, entityID string, local, server json.RawMessage, localVer, serverVer SyncVersion, out interface{}) ([]Resolution, error) {
	merged, resolutions, err := r.ResolveEntity(entityType, entityID, local, server, localVer, serverVer)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(merged, out); err != nil {
		return nil, errors.Wrap(err, errors.ErrConflictResolution, "decoding merged entity")
	}
	return resolutions, nil
}

func fieldNames(conflicts []FieldConflict) []string {
	names := make([]string, len(conflicts))
	for i, fc := range conflicts {
		names[i] = fc.Field
	}
	return names
}

func summarize(clientWon, total int) string {
	switch clientWon {
	case 0:
		return "server_wins"
	case total:
		return "client_wins"
	default:
		return "merged"
	}
}
