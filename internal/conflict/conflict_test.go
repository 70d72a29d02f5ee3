package conflict

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tagvault/filestore/internal/vclock"
)

func TestResolveCausalOrder(t *testing.T) {
	local := Candidate{VC: vclock.FromMap(map[string]uint64{"a": 2}), Key: "op-1"}
	remote := Candidate{VC: vclock.FromMap(map[string]uint64{"a": 1}), Key: "op-2"}

	d := Resolve(local, remote)
	require.Equal(t, KeepLocal, d.Action)
}

func TestResolveEqualKeepsLocal(t *testing.T) {
	vc := vclock.FromMap(map[string]uint64{"a": 1})
	d := Resolve(Candidate{VC: vc, Key: "op-1"}, Candidate{VC: vc, Key: "op-2"})
	require.Equal(t, KeepLocal, d.Action)
}

func TestResolveConcurrentLWW(t *testing.T) {
	local := Candidate{VC: vclock.FromMap(map[string]uint64{"a": 1}), TimestampMs: 100, Key: "op-1"}
	remote := Candidate{VC: vclock.FromMap(map[string]uint64{"b": 1}), TimestampMs: 200, Key: "op-2"}

	d := Resolve(local, remote)
	require.Equal(t, TakeRemote, d.Action)
}

func TestResolveConcurrentTiebreakOnKey(t *testing.T) {
	local := Candidate{VC: vclock.FromMap(map[string]uint64{"a": 1}), TimestampMs: 100, Key: "op-b"}
	remote := Candidate{VC: vclock.FromMap(map[string]uint64{"b": 1}), TimestampMs: 100, Key: "op-a"}

	d := Resolve(local, remote)
	require.Equal(t, TakeRemote, d.Action, "lexicographically smaller key should win the tiebreak")
}

func TestWinnerAcrossMultipleCandidates(t *testing.T) {
	candidates := []Candidate{
		{VC: vclock.FromMap(map[string]uint64{"a": 1}), TimestampMs: 100, Key: "op-3"},
		{VC: vclock.FromMap(map[string]uint64{"b": 1}), TimestampMs: 300, Key: "op-1"},
		{VC: vclock.FromMap(map[string]uint64{"c": 1}), TimestampMs: 200, Key: "op-2"},
	}

	require.Equal(t, 1, Winner(candidates))
}

func TestResolveCreationConcurrentEarliestWins(t *testing.T) {
	local := Candidate{VC: vclock.FromMap(map[string]uint64{"a": 1}), TimestampMs: 200, Key: "user-1"}
	remote := Candidate{VC: vclock.FromMap(map[string]uint64{"b": 1}), TimestampMs: 100, Key: "user-2"}

	d := ResolveCreation(local, remote)
	require.Equal(t, TakeRemote, d.Action, "remote has the earlier timestamp and should win the creation race")
}

func TestResolveCreationConcurrentTiebreakOnKey(t *testing.T) {
	local := Candidate{VC: vclock.FromMap(map[string]uint64{"a": 1}), TimestampMs: 100, Key: "user-b"}
	remote := Candidate{VC: vclock.FromMap(map[string]uint64{"b": 1}), TimestampMs: 100, Key: "user-a"}

	d := ResolveCreation(local, remote)
	require.Equal(t, TakeRemote, d.Action, "lexicographically smaller key should win the tiebreak")
}

func TestResolveCreationCausalOrderStillWins(t *testing.T) {
	local := Candidate{VC: vclock.FromMap(map[string]uint64{"a": 2}), TimestampMs: 500, Key: "user-1"}
	remote := Candidate{VC: vclock.FromMap(map[string]uint64{"a": 1}), TimestampMs: 100, Key: "user-2"}

	d := ResolveCreation(local, remote)
	require.Equal(t, KeepLocal, d.Action, "causal order overrides the earliest-timestamp tiebreak")
}

func TestWinnerCreationAcrossMultipleCandidatesPicksEarliest(t *testing.T) {
	candidates := []Candidate{
		{VC: vclock.FromMap(map[string]uint64{"a": 1}), TimestampMs: 300, Key: "user-3"},
		{VC: vclock.FromMap(map[string]uint64{"b": 1}), TimestampMs: 100, Key: "user-1"},
		{VC: vclock.FromMap(map[string]uint64{"c": 1}), TimestampMs: 200, Key: "user-2"},
	}

	require.Equal(t, 1, WinnerCreation(candidates))
}
