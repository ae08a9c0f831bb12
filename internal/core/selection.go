package core

import (
	"math/rand"
	"sort"
)

// SelectOptions tunes the ordering pass.
type SelectOptions struct {
	Variety Variety
	// Rand drives the variety pass. Nil falls back to the auto-seeded global source.
	Rand *rand.Rand
	// Origin maps track ID to the index of the source playlist it first came from.
	// Only VarietyInterleave reads it.
	Origin map[string]int
}

// Select merges priority, kept and added tracks into the final order.
//
// Priority tracks always occupy the leading positions. When the candidates exceed
// maxSongs the non-priority tail is dropped first; if priority alone exceeds
// maxSongs the priority list itself is cut to its first maxSongs entries.
func Select(toKeep, toAdd TrackSet, priority PrioritySet, maxSongs int, opts SelectOptions) []TrackRef {
	if maxSongs <= 0 {
		return []TrackRef{}
	}

	seen := NewTrackSet()
	lead := make([]TrackRef, 0, len(priority))
	for _, ref := range priority {
		if len(lead) == maxSongs {
			break
		}
		if seen.Add(ref) {
			lead = append(lead, ref)
		}
	}

	room := maxSongs - len(lead)
	rest := make([]TrackRef, 0, room)
	for _, group := range [][]TrackRef{toKeep.items, toAdd.items} {
		for _, ref := range group {
			if len(rest) == room {
				break
			}
			if seen.Add(ref) {
				rest = append(rest, ref)
			}
		}
	}

	rest = applyVariety(rest, opts)

	final := make([]TrackRef, 0, len(lead)+len(rest))
	final = append(final, lead...)
	final = append(final, rest...)
	return final
}

func applyVariety(tracks []TrackRef, opts SelectOptions) []TrackRef {
	switch opts.Variety {
	case VarietyNone:
		return tracks
	case VarietyInterleave:
		return interleave(tracks, opts)
	default:
		shuffle(tracks, opts.Rand)
		return tracks
	}
}

func shuffle(tracks []TrackRef, rng *rand.Rand) {
	swap := func(i, j int) { tracks[i], tracks[j] = tracks[j], tracks[i] }
	if rng == nil {
		rand.Shuffle(len(tracks), swap)
		return
	}
	rng.Shuffle(len(tracks), swap)
}

// interleave shuffles tracks within their source playlist, then deals one track
// per source in turn. Tracks without a known origin form their own trailing group.
func interleave(tracks []TrackRef, opts SelectOptions) []TrackRef {
	const unknownOrigin = int(^uint(0) >> 1)

	groups := make(map[int][]TrackRef)
	for _, ref := range tracks {
		origin, ok := opts.Origin[ref.ID]
		if !ok {
			origin = unknownOrigin
		}
		groups[origin] = append(groups[origin], ref)
	}

	if len(groups) < 2 {
		shuffle(tracks, opts.Rand)
		return tracks
	}

	keys := make([]int, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Ints(keys)

	for _, k := range keys {
		shuffle(groups[k], opts.Rand)
	}

	out := make([]TrackRef, 0, len(tracks))
	for round := 0; len(out) < len(tracks); round++ {
		for _, k := range keys {
			if round < len(groups[k]) {
				out = append(out, groups[k][round])
			}
		}
	}
	return out
}

// BuildPlan diffs source ∪ priority against target and selects the final order.
// Tracks cut by maxSongs are reconciled into the plan: truncated kept tracks
// become removals and truncated additions are dropped.
func BuildPlan(source, target TrackSet, priority PrioritySet, maxSongs int, opts SelectOptions) SyncPlan {
	desired := NewTrackSet(source.items...)
	for _, ref := range priority {
		desired.Add(ref)
	}

	toRemove, toAdd, toKeep := Diff(desired, target)
	final := Select(toKeep, toAdd, priority, maxSongs, opts)
	finalSet := NewTrackSet(final...)

	plan := SyncPlan{
		ToRemove:   toRemove,
		ToAdd:      NewTrackSet(),
		ToKeep:     NewTrackSet(),
		FinalOrder: final,
	}

	for _, ref := range toKeep.items {
		if finalSet.Has(ref.ID) {
			plan.ToKeep.Add(ref)
		} else {
			plan.ToRemove.Add(ref)
		}
	}

	// Additions are issued in final order so the append lands close to the target layout.
	for _, ref := range final {
		if toAdd.Has(ref.ID) {
			plan.ToAdd.Add(ref)
		}
	}

	return plan
}
