// Package conflict decides what happens when the same entity changed on both
// the local device and the server since the last completed cycle.
package conflict

import (
	"bytes"
	"encoding/json"

	apperrors "github.com/wayfarer/sync-engine/internal/errors"
	"github.com/wayfarer/sync-engine/internal/models"
	"github.com/wayfarer/sync-engine/internal/sync/registry"
)

// Verdict is the outcome of resolving one entity pair.
type Verdict string

const (
	// RemoteWins: overwrite the local row with the remote version.
	RemoteWins Verdict = "remote_wins"

	// LocalWins: keep the local row; it still needs upload.
	LocalWins Verdict = "local_wins"

	// Merged: store the merged entity and upload it.
	Merged Verdict = "merged"

	// Conflict: neither side can be chosen automatically; the entity is
	// parked for the user to review.
	Conflict Verdict = "conflict"
)

// Resolution carries the verdict and, for Merged, the entity to store.
type Resolution struct {
	Verdict Verdict
	Merged  *models.Entity
}

// Engine resolves concurrent edits. It is stateless; the same inputs always
// produce the same resolution.
type Engine struct{}

func NewEngine() *Engine {
	return &Engine{}
}

// Resolve compares a locally modified entity with the remote version of the
// same entity. Timestamps decide by default; a timestamp tie goes to the
// remote side so every device converges on the server's copy. Types with a
// content merge rule get field-level merging instead of a wholesale pick.
func (e *Engine) Resolve(local, remote *models.Entity) (Resolution, error) {
	if local == nil || remote == nil {
		return Resolution{}, apperrors.New(apperrors.ErrInvalid, "resolve requires both versions")
	}
	if local.ID != remote.ID || local.Type != remote.Type {
		return Resolution{}, apperrors.New(apperrors.ErrInvalid, "resolve called with mismatched entities")
	}

	spec, ok := registry.Lookup(local.Type)
	if !ok {
		return Resolution{}, apperrors.New(apperrors.ErrInvalid, "unknown entity type "+string(local.Type))
	}

	if spec.Merge == registry.MergeContentFields {
		return e.resolveMemory(local, remote)
	}

	if remote.UpdatedAt >= local.UpdatedAt {
		return Resolution{Verdict: RemoteWins}, nil
	}
	return Resolution{Verdict: LocalWins}, nil
}

// resolveMemory merges the two memory payloads field by field. Both sides
// carrying the review marker means a human already flagged each copy, so the
// pair is surfaced as a conflict instead of silently merged.
func (e *Engine) resolveMemory(local, remote *models.Entity) (Resolution, error) {
	var lp, rp models.Memory
	if err := local.DecodePayload(&lp); err != nil {
		return Resolution{}, apperrors.Wrap(apperrors.ErrInvalid, "undecodable local memory payload", err)
	}
	if err := remote.DecodePayload(&rp); err != nil {
		return Resolution{}, apperrors.Wrap(apperrors.ErrInvalid, "undecodable remote memory payload", err)
	}

	if lp.NeedsReview && rp.NeedsReview {
		return Resolution{Verdict: Conflict}, nil
	}

	remoteNewer := remote.UpdatedAt >= local.UpdatedAt
	winner := rp
	if !remoteNewer {
		winner = lp
	}

	merged := winner
	merged.Title = longerText(lp.Title, rp.Title, winner.Title)
	merged.Notes = longerText(lp.Notes, rp.Notes, winner.Notes)
	merged.TagIDs = unionIDs(lp.TagIDs, rp.TagIDs)
	merged.MediaIDs = unionIDs(lp.MediaIDs, rp.MediaIDs)
	merged.Location = tighterLocation(lp.Location, rp.Location)
	merged.NeedsReview = lp.NeedsReview || rp.NeedsReview

	mergedRaw, err := json.Marshal(merged)
	if err != nil {
		return Resolution{}, apperrors.Wrap(apperrors.ErrInternal, "failed to encode merged memory", err)
	}

	// When the merge adds nothing beyond the timestamp winner, fall back to
	// the plain verdict and skip the extra upload round.
	winnerRaw, err := json.Marshal(winner)
	if err != nil {
		return Resolution{}, apperrors.Wrap(apperrors.ErrInternal, "failed to encode memory", err)
	}
	if bytes.Equal(mergedRaw, winnerRaw) {
		if remoteNewer {
			return Resolution{Verdict: RemoteWins}, nil
		}
		return Resolution{Verdict: LocalWins}, nil
	}

	out := local.Clone()
	out.UpdatedAt = local.UpdatedAt
	if remote.UpdatedAt > out.UpdatedAt {
		out.UpdatedAt = remote.UpdatedAt
	}
	out.Payload = mergedRaw
	return Resolution{Verdict: Merged, Merged: out}, nil
}

// longerText keeps the longer of the two values; ties go to the timestamp
// winner's value.
func longerText(a, b, winner string) string {
	switch {
	case len(a) > len(b):
		return a
	case len(b) > len(a):
		return b
	default:
		return winner
	}
}

// unionIDs merges two ID lists, keeping the local order and appending
// remote-only entries in their remote order.
func unionIDs(local, remote []models.UUID) []models.UUID {
	if len(local) == 0 && len(remote) == 0 {
		return nil
	}
	seen := make(map[models.UUID]bool, len(local)+len(remote))
	out := make([]models.UUID, 0, len(local)+len(remote))
	for _, id := range local {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	for _, id := range remote {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

// tighterLocation keeps the fix with the smaller reported accuracy radius.
// An accuracy at or below zero means the device never reported one, so it
// carries no tightness at all: a reported fix always beats an unreported one,
// and when neither side reports (or both report the same radius) the remote
// fix is kept.
func tighterLocation(local, remote *models.GeoPoint) *models.GeoPoint {
	switch {
	case local == nil && remote == nil:
		return nil
	case local == nil:
		return remote
	case remote == nil:
		return local
	}

	localReported := local.AccuracyM > 0
	remoteReported := remote.AccuracyM > 0
	switch {
	case localReported && !remoteReported:
		return local
	case remoteReported && !localReported:
		return remote
	case localReported && remoteReported && local.AccuracyM < remote.AccuracyM:
		return local
	default:
		return remote
	}
}
