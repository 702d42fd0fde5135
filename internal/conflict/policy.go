// Package conflict detects and resolves divergence between the local and
// server versions of an entity, field by field.
package conflict

// Strategy defines how a conflicting field or entity is resolved.
type Strategy string

const (
	StrategyServerWins      Strategy = "server_wins"
	StrategyClientWins      Strategy = "client_wins"
	StrategyLastWriteWins   Strategy = "last_write_wins"
	StrategyFieldLevelMerge Strategy = "field_level_merge"
	StrategyKeepBoth        Strategy = "keep_both"
	StrategyManual          Strategy = "manual"
)

// Policy is the immutable per-session resolution configuration. Lookup
// precedence, most specific first: field override, authority membership,
// entity override, global default.
type Policy struct {
	DefaultStrategy  Strategy
	EntityStrategies map[string]Strategy // keyed by entity type
	FieldStrategies  map[string]Strategy // keyed by "entityType.field"

	// Authority fields always resolve toward one side regardless of
	// timestamps, e.g. server-computed counters or client-owned drafts.
	ServerAuthorityFields map[string]bool // keyed by "entityType.field"
	ClientAuthorityFields map[string]bool // keyed by "entityType.field"

	// RecordHistory keeps resolved conflicts in the in-memory history
	// ring for the status surface.
	RecordHistory bool
}

// DefaultPolicy returns the engine's standard policy: per-field
// last-write-wins with history recording on.
func DefaultPolicy() Policy {
	return Policy{
		DefaultStrategy: StrategyFieldLevelMerge,
		RecordHistory:   true,
	}
}

// StrategyFor resolves the effective strategy for one field of one entity
// type. An empty field skips the field-specific tiers, which is what
// entity-level decisions (delete-vs-modify) use.
func (p Policy) StrategyFor(entityType, field string) Strategy {
	if field != "" {
		key := entityType + "." + field
		if s, ok := p.FieldStrategies[key]; ok {
			return s
		}
		if p.ServerAuthorityFields[key] {
			return StrategyServerWins
		}
		if p.ClientAuthorityFields[key] {
			return StrategyClientWins
		}
	}
	if s, ok := p.EntityStrategies[entityType]; ok {
		return s
	}
	if p.DefaultStrategy != "" {
		return p.DefaultStrategy
	}
	return StrategyFieldLevelMerge
}
