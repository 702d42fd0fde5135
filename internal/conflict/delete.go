package conflict

import (
	"time"

	"github.com/kimhsiao/driftsync/internal/logging"
)

// DeleteOutcome is the decision for a delete-vs-modify conflict.
type DeleteOutcome string

const (
	// OutcomeAcceptDelete keeps the tombstone; the modification is lost.
	OutcomeAcceptDelete DeleteOutcome = "accept_delete"
	// OutcomeKeepModified undeletes the entity; the modification survives.
	OutcomeKeepModified DeleteOutcome = "keep_modified"
	// OutcomeManualReview defers the decision to external resolution.
	OutcomeManualReview DeleteOutcome = "manual_review"
)

// ResolveDeleteModify decides a conflict where one side deleted the entity
// while the other modified it. The outcome depends on the entity-level
// strategy and on which side performed the delete; timestamp strategies
// compare the modification time against the deletion time and the later
// action wins, with a tie accepting the delete.
func (r *Resolver) ResolveDeleteModify(entityType, entityID string, deletedBy Side, deletedAt, modifiedAt int64) DeleteOutcome {
	strategy := r.policy.StrategyFor(entityType, "")

	var outcome DeleteOutcome
	switch strategy {
	case StrategyServerWins, StrategyKeepBoth:
		if deletedBy == SideServer {
			outcome = OutcomeAcceptDelete
		} else {
			outcome = OutcomeKeepModified
		}
	case StrategyClientWins:
		if deletedBy == SideClient {
			outcome = OutcomeAcceptDelete
		} else {
			outcome = OutcomeKeepModified
		}
	case StrategyManual:
		outcome = OutcomeManualReview
	default:
		// last_write_wins and field_level_merge
		if modifiedAt > deletedAt {
			outcome = OutcomeKeepModified
		} else {
			outcome = OutcomeAcceptDelete
		}
	}

	logging.Warn("delete-vs-modify conflict resolved", map[string]interface{}{
		"entity_type": entityType,
		"entity_id":   entityID,
		"deleted_by":  string(deletedBy),
		"deleted_at":  deletedAt,
		"modified_at": modifiedAt,
		"strategy":    string(strategy),
		"outcome":     string(outcome),
	})

	if r.policy.RecordHistory {
		localTime, serverTime := modifiedAt, deletedAt
		if deletedBy == SideClient {
			localTime, serverTime = deletedAt, modifiedAt
		}
		r.history.Add(Record{
			EntityType: entityType,
			EntityID:   entityID,
			Fields:     []string{"(deleted)"},
			LocalTime:  localTime,
			ServerTime: serverTime,
			Resolution: string(outcome),
			DetectedAt: time.Now().UnixMilli(),
		})
	}
	return outcome
}
