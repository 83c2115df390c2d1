// Package permissions answers "may actor A perform key K in context C".
// Resolution is a pure fold over five layers of a repository snapshot;
// no I/O happens here, so a decision is deterministic for a given
// snapshot and callers may reuse one snapshot for a whole operation.
package permissions

import (
	"speakeasy-server/internal/models"
)

// Layer identifies which of the five sources produced a decision.
type Layer string

const (
	LayerIndividual     Layer = "individual"
	LayerChannelGroup   Layer = "channel_group"
	LayerChannelDefault Layer = "channel_default"
	LayerServerGroups   Layer = "server_groups"
	LayerServerDefault  Layer = "server_default"
	// LayerNone means every layer skipped; the key defaults to deny.
	LayerNone Layer = "none"
)

// Snapshot carries the permission rows for one (user, context) pair,
// ordered the way the fold consumes them. Server group slices are kept
// separate per group but resolve as a single combined layer.
type Snapshot struct {
	Individual     []models.Permission
	ChannelGroup   []models.Permission
	ChannelDefault []models.Permission
	ServerGroups   [][]models.Permission
	ServerDefault  []models.Permission
}

// Decision is a resolved permission value plus its originating layer.
type Decision struct {
	Key   string           `json:"key"`
	Value models.PermValue `json:"value"`
	Layer Layer            `json:"layer"`
}

// Granted reports whether the decision allows the action. Int limits deny
// when negative; scopes deny when empty.
func (d Decision) Granted() bool {
	switch d.Value.Kind {
	case models.PermTriState:
		return d.Value.TriState == models.TriStateGrant
	case models.PermIntLimit:
		return d.Value.IntLimit >= 0
	case models.PermScope:
		return len(d.Value.Scope) > 0
	}
	return false
}

// Resolve folds the five layers for one key, highest priority first. The
// first layer yielding a non-skip value short-circuits; skip defers. When
// every layer skips the key resolves to deny.
func Resolve(snapshot Snapshot, key string) Decision {
	layers := []struct {
		layer  Layer
		groups [][]models.Permission
	}{
		{LayerIndividual, [][]models.Permission{snapshot.Individual}},
		{LayerChannelGroup, [][]models.Permission{snapshot.ChannelGroup}},
		{LayerChannelDefault, [][]models.Permission{snapshot.ChannelDefault}},
		{LayerServerGroups, snapshot.ServerGroups},
		{LayerServerDefault, [][]models.Permission{snapshot.ServerDefault}},
	}

	for _, l := range layers {
		value, ok := mergeLayer(l.groups, key)
		if ok {
			return Decision{Key: key, Value: value, Layer: l.layer}
		}
	}

	return Decision{Key: key, Value: models.Deny(), Layer: LayerNone}
}

// mergeLayer combines every value for the key found within one layer.
// Returns ok=false when the layer contributes nothing (absent or all
// skip), which defers to the next layer.
//
// Combination rules: deny beats grant; int limits take the maximum across
// grants; scopes take the union.
func mergeLayer(groups [][]models.Permission, key string) (models.PermValue, bool) {
	hasGrant := false
	hasDeny := false
	var maxLimit *int64
	var scopeUnion []string
	scopeSeen := map[string]bool{}

	for _, perms := range groups {
		for _, perm := range perms {
			if perm.Key != key {
				continue
			}
			switch perm.Value.Kind {
			case models.PermTriState:
				switch perm.Value.TriState {
				case models.TriStateDeny:
					hasDeny = true
				case models.TriStateGrant:
					hasGrant = true
				}
			case models.PermIntLimit:
				limit := perm.Value.IntLimit
				if maxLimit == nil || limit > *maxLimit {
					maxLimit = &limit
				}
			case models.PermScope:
				for _, entry := range perm.Value.Scope {
					if !scopeSeen[entry] {
						scopeSeen[entry] = true
						scopeUnion = append(scopeUnion, entry)
					}
				}
			}
		}
	}

	// a deny anywhere in the layer wins and suppresses limits below it
	if hasDeny {
		return models.Deny(), true
	}
	if maxLimit != nil {
		return models.Limit(*maxLimit), true
	}
	if len(scopeUnion) > 0 {
		return models.PermValue{Kind: models.PermScope, Scope: scopeUnion}, true
	}
	if hasGrant {
		return models.Grant(), true
	}
	return models.PermValue{}, false
}

// Allowed is the common tri-state question.
func Allowed(snapshot Snapshot, key string) bool {
	return Resolve(snapshot, key).Granted()
}

// ResolveLimit returns the effective quota ceiling for a key, or ok=false
// when the key resolves to something other than an int limit.
func ResolveLimit(snapshot Snapshot, key string) (int64, bool) {
	decision := Resolve(snapshot, key)
	if decision.Value.Kind != models.PermIntLimit {
		return 0, false
	}
	return decision.Value.IntLimit, true
}

// ResolveScope returns the effective scope set for a key.
func ResolveScope(snapshot Snapshot, key string) []string {
	decision := Resolve(snapshot, key)
	if decision.Value.Kind != models.PermScope {
		return nil
	}
	return decision.Value.Scope
}
