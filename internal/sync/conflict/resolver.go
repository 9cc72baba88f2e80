// Package conflict reconciles locally cached cases with a remote snapshot.
//
// Scalar case fields follow the configured strategy (remote wins by
// default). Message lists are always unioned by message ID, so unsynced
// local messages survive every merge.
package conflict

import (
	"github.com/kimhsiao/medcord/backend/internal/logging"
	"github.com/kimhsiao/medcord/backend/internal/models"
)

// ResolutionStrategy defines how conflicting scalar fields are resolved.
type ResolutionStrategy string

const (
	// StrategyRemoteWins takes the remote case's scalar fields.
	StrategyRemoteWins ResolutionStrategy = "remote_wins"
	// StrategyLastWriteWins keeps whichever side has the newer UpdatedAt.
	// Ties go to local, which keeps repeated merges stable.
	StrategyLastWriteWins ResolutionStrategy = "last_write_wins"
)

// ParseStrategy returns the strategy named s, defaulting to remote wins.
func ParseStrategy(s string) (ResolutionStrategy, bool) {
	switch ResolutionStrategy(s) {
	case "", StrategyRemoteWins:
		return StrategyRemoteWins, true
	case StrategyLastWriteWins:
		return StrategyLastWriteWins, true
	}
	return "", false
}

// Resolver merges case sets.
type Resolver struct {
	strategy ResolutionStrategy
}

// NewResolver creates a Resolver with the given strategy.
func NewResolver(strategy ResolutionStrategy) *Resolver {
	if strategy == "" {
		strategy = StrategyRemoteWins
	}
	return &Resolver{strategy: strategy}
}

// Strategy returns the resolver's strategy.
func (r *Resolver) Strategy() ResolutionStrategy { return r.strategy }

// Conflict is one scalar field whose local and remote values differed.
type Conflict struct {
	CaseID     string `json:"case_id"`
	Field      string `json:"field"`
	Local      string `json:"local"`
	Remote     string `json:"remote"`
	Resolution string `json:"resolution"`
}

// MergeResult is the outcome of MergeCases.
type MergeResult struct {
	// Cases holds local cases in their original order followed by newly
	// adopted remote cases.
	Cases     []*models.Case
	Adopted   []string
	Updated   []string
	Conflicts []Conflict
}

// MergeCases merges with the default remote-wins resolver.
func MergeCases(local, remote []*models.Case) []*models.Case {
	return NewResolver(StrategyRemoteWins).MergeCases(local, remote).Cases
}

// MergeCases merges a remote snapshot into local. Inputs are not modified.
// Re-merging the same remote snapshot into the result changes nothing.
func (r *Resolver) MergeCases(local, remote []*models.Case) *MergeResult {
	remoteByID := make(map[string]*models.Case, len(remote))
	remoteOrder := make([]string, 0, len(remote))
	for _, rc := range remote {
		if rc == nil {
			continue
		}
		if _, seen := remoteByID[rc.ID]; !seen {
			remoteOrder = append(remoteOrder, rc.ID)
		}
		remoteByID[rc.ID] = rc
	}

	result := &MergeResult{Cases: make([]*models.Case, 0, len(local)+len(remote))}
	localIDs := make(map[string]bool, len(local))

	for _, lc := range local {
		if lc == nil {
			continue
		}
		localIDs[lc.ID] = true
		rc, ok := remoteByID[lc.ID]
		if !ok {
			result.Cases = append(result.Cases, lc.Clone())
			continue
		}
		merged, conflicts := r.mergeCase(lc, rc)
		result.Cases = append(result.Cases, merged)
		result.Updated = append(result.Updated, lc.ID)
		result.Conflicts = append(result.Conflicts, conflicts...)
	}

	for _, id := range remoteOrder {
		if localIDs[id] {
			continue
		}
		adopted := remoteByID[id].Clone()
		models.SortMessages(adopted.Messages)
		adopted.NormalizeUpdatedAt()
		result.Cases = append(result.Cases, adopted)
		result.Adopted = append(result.Adopted, id)
	}

	if len(result.Conflicts) > 0 || len(result.Adopted) > 0 {
		logging.Info("Merged remote cases", map[string]interface{}{
			"component": "conflict",
			"strategy":  r.strategy,
			"adopted":   len(result.Adopted),
			"updated":   len(result.Updated),
			"conflicts": len(result.Conflicts),
		})
	}
	return result
}

// mergeCase merges one case present on both sides.
func (r *Resolver) mergeCase(local, remote *models.Case) (*models.Case, []Conflict) {
	remoteWins := true
	if r.strategy == StrategyLastWriteWins && !remote.UpdatedAt.After(local.UpdatedAt) {
		remoteWins = false
	}

	resolution := "remote_wins"
	base := remote
	if !remoteWins {
		resolution = "local_wins"
		base = local
	}
	conflicts := detectConflicts(local, remote, resolution)

	merged := base.Clone()
	merged.Messages = mergeMessages(local.Messages, remote.Messages)
	merged.NormalizeUpdatedAt()
	return merged, conflicts
}

// mergeMessages unions two message lists by ID. For shared IDs the remote
// copy is kept, except that a synced status never regresses.
func mergeMessages(local, remote []*models.Message) []*models.Message {
	byID := make(map[string]*models.Message, len(local)+len(remote))
	order := make([]string, 0, len(local)+len(remote))

	for _, m := range local {
		if _, ok := byID[m.ID]; !ok {
			order = append(order, m.ID)
		}
		byID[m.ID] = m.Clone()
	}
	for _, m := range remote {
		incoming := m.Clone()
		if prev, ok := byID[m.ID]; ok {
			incoming.SyncStatus = models.StickyStatus(prev.SyncStatus, incoming.SyncStatus)
		} else {
			order = append(order, m.ID)
		}
		byID[m.ID] = incoming
	}

	if len(order) == 0 {
		return nil
	}
	out := make([]*models.Message, 0, len(order))
	for _, id := range order {
		out = append(out, byID[id])
	}
	models.SortMessages(out)
	return out
}

func detectConflicts(local, remote *models.Case, resolution string) []Conflict {
	var out []Conflict
	add := func(field, l, r string) {
		if l != r {
			out = append(out, Conflict{CaseID: local.ID, Field: field, Local: l, Remote: r, Resolution: resolution})
		}
	}
	add("status", string(local.Status), string(remote.Status))
	add("subject", local.Subject, remote.Subject)
	add("description", local.Description, remote.Description)
	add("urgency", string(local.Urgency), string(remote.Urgency))

	for _, c := range out {
		logging.Debug("Case field conflict", map[string]interface{}{
			"component":  "conflict",
			"case_id":    c.CaseID,
			"field":      c.Field,
			"resolution": c.Resolution,
		})
	}
	return out
}
