// Package conflict implements the deterministic, stateless conflict
// resolution rules shared across operation types: given two candidate
// entities (each carrying a vector clock and a wall-clock timestamp),
// decide a winner the same way on every node. Two rules live here: Resolve
// (last-writer-wins, for in-place updates like API_KEY_UPDATED) and
// ResolveCreation (earliest-writer-wins, for competing creations like
// USER_CREATED/FILE_CREATED racing on the same name) — operation_applier.py
// applies both, not one uniformly.
//
// Grounded on original_source/controller/conflict_resolver.py, generalized
// from a two-argument (local, remote) function into one over an ordered
// Candidate pair so the applier can reuse it for every op_type's
// type-specific refinement.
package conflict

import "github.com/tagvault/filestore/internal/vclock"

// Action is the resolution outcome.
type Action int

const (
	KeepLocal Action = iota
	TakeRemote
)

func (a Action) String() string {
	if a == TakeRemote {
		return "take_remote"
	}
	return "keep_local"
}

// Candidate is one side of a conflict: a vector clock, a wall-clock
// timestamp, and a tiebreak key (an op_id, file_id, or user_id, compared
// lexicographically).
type Candidate struct {
	VC          vclock.Clock
	TimestampMs int64
	Key         string
}

// Decision is the result of resolving local against remote.
type Decision struct {
	Action Action
	Reason string
}

// Resolve applies the decision table: causal order wins outright; equal
// clocks keep the local copy (idempotent re-application); concurrent
// clocks fall back to last-writer-wins on timestamp, then lexicographic
// tiebreak on Key. This is the update rule — API_KEY_UPDATED and every
// other in-place field update resolve this way.
func Resolve(local, remote Candidate) Decision {
	switch local.VC.Compare(remote.VC) {
	case vclock.After:
		return Decision{Action: KeepLocal, Reason: "local version causally after remote"}
	case vclock.Before:
		return Decision{Action: TakeRemote, Reason: "remote version causally after local"}
	case vclock.Equal:
		return Decision{Action: KeepLocal, Reason: "identical versions"}
	default: // Concurrent
		if remote.TimestampMs > local.TimestampMs {
			return Decision{Action: TakeRemote, Reason: "concurrent writes, remote has later timestamp"}
		}
		if remote.TimestampMs < local.TimestampMs {
			return Decision{Action: KeepLocal, Reason: "concurrent writes, local has later timestamp"}
		}
		if remote.Key < local.Key {
			return Decision{Action: TakeRemote, Reason: "concurrent writes with equal timestamp, remote key tiebreak"}
		}
		return Decision{Action: KeepLocal, Reason: "concurrent writes with equal timestamp, local key tiebreak"}
	}
}

// Winner picks the winning index among a slate of candidates sharing a
// conflict key (e.g. every API_KEY_UPDATED op seen for one user), using
// the same last-writer-wins-then-lexicographic-tiebreak rule pairwise
// applied across the whole set.
func Winner(candidates []Candidate) int {
	winner := 0
	for i := 1; i < len(candidates); i++ {
		d := Resolve(candidates[winner], candidates[i])
		if d.Action == TakeRemote {
			winner = i
		}
	}
	return winner
}

// ResolveCreation is Resolve's decision table for competing *creation*
// ops (USER_CREATED racing on a username, FILE_CREATED racing on an
// owner+name pair): causal order and equal clocks behave the same way,
// but a genuine concurrent race picks the earliest (timestamp_ms, Key)
// pair rather than the latest — the smaller wall-clock timestamp wins,
// then the lexicographically smaller Key. The creation that happened
// first keeps the name/username it claimed.
func ResolveCreation(local, remote Candidate) Decision {
	switch local.VC.Compare(remote.VC) {
	case vclock.After:
		return Decision{Action: KeepLocal, Reason: "local version causally after remote"}
	case vclock.Before:
		return Decision{Action: TakeRemote, Reason: "remote version causally after local"}
	case vclock.Equal:
		return Decision{Action: KeepLocal, Reason: "identical versions"}
	default: // Concurrent
		if remote.TimestampMs < local.TimestampMs {
			return Decision{Action: TakeRemote, Reason: "concurrent creations, remote has earlier timestamp"}
		}
		if remote.TimestampMs > local.TimestampMs {
			return Decision{Action: KeepLocal, Reason: "concurrent creations, local has earlier timestamp"}
		}
		if remote.Key < local.Key {
			return Decision{Action: TakeRemote, Reason: "concurrent creations with equal timestamp, remote key tiebreak"}
		}
		return Decision{Action: KeepLocal, Reason: "concurrent creations with equal timestamp, local key tiebreak"}
	}
}

// WinnerCreation is Winner but for a slate of competing creation ops
// (USER_CREATED, FILE_CREATED), using ResolveCreation pairwise so the
// earliest (timestamp_ms, id) pair wins instead of the latest.
func WinnerCreation(candidates []Candidate) int {
	winner := 0
	for i := 1; i < len(candidates); i++ {
		d := ResolveCreation(candidates[winner], candidates[i])
		if d.Action == TakeRemote {
			winner = i
		}
	}
	return winner
}
