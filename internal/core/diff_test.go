package core

import (
	"testing"
)

func TestDiff_SetAlgebra(t *testing.T) {
	source := NewTrackSet(tracks("s", 6)...)
	target := NewTrackSet(append(tracks("s", 3), tracks("old", 4)...)...)

	toRemove, toAdd, toKeep := Diff(source, target)

	for _, ref := range toKeep.items {
		if !source.Has(ref.ID) || !target.Has(ref.ID) {
			t.Errorf("kept track %s must be in source and target", ref.ID)
		}
	}
	for _, ref := range toAdd.items {
		if !source.Has(ref.ID) || target.Has(ref.ID) {
			t.Errorf("added track %s must be in source only", ref.ID)
		}
	}
	for _, ref := range toRemove.items {
		if source.Has(ref.ID) || !target.Has(ref.ID) {
			t.Errorf("removed track %s must be in target only", ref.ID)
		}
	}

	if toKeep.Len()+toAdd.Len() != source.Len() {
		t.Errorf("keep+add = %d, want source size %d", toKeep.Len()+toAdd.Len(), source.Len())
	}
	if toKeep.Len()+toRemove.Len() != target.Len() {
		t.Errorf("keep+remove = %d, want target size %d", toKeep.Len()+toRemove.Len(), target.Len())
	}
	for _, ref := range toAdd.items {
		if toRemove.Has(ref.ID) {
			t.Errorf("track %s is both added and removed", ref.ID)
		}
	}
}

func TestDiff_Scenarios(t *testing.T) {
	all := tracks("t", 110)

	tests := []struct {
		name       string
		source     []TrackRef
		target     []TrackRef
		wantAdd    int
		wantRemove int
		wantKeep   int
	}{
		{
			name:    "source adds five new tracks",
			source:  all[:100],
			target:  all[:95],
			wantAdd: 5, wantRemove: 0, wantKeep: 95,
		},
		{
			name:    "source is a subset of target",
			source:  all[:90],
			target:  all[:95],
			wantAdd: 0, wantRemove: 5, wantKeep: 90,
		},
		{
			name:    "mixed adds and removes",
			source:  append(append([]TrackRef(nil), all[:90]...), all[100:110]...),
			target:  all[:95],
			wantAdd: 10, wantRemove: 5, wantKeep: 90,
		},
		{
			name:    "empty target",
			source:  all[:10],
			target:  nil,
			wantAdd: 10, wantRemove: 0, wantKeep: 0,
		},
		{
			name:    "empty source",
			source:  nil,
			target:  all[:10],
			wantAdd: 0, wantRemove: 10, wantKeep: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			toRemove, toAdd, toKeep := Diff(NewTrackSet(tt.source...), NewTrackSet(tt.target...))
			if toAdd.Len() != tt.wantAdd {
				t.Errorf("toAdd = %d, want %d", toAdd.Len(), tt.wantAdd)
			}
			if toRemove.Len() != tt.wantRemove {
				t.Errorf("toRemove = %d, want %d", toRemove.Len(), tt.wantRemove)
			}
			if toKeep.Len() != tt.wantKeep {
				t.Errorf("toKeep = %d, want %d", toKeep.Len(), tt.wantKeep)
			}
		})
	}
}

func TestDiff_Ordering(t *testing.T) {
	source := NewTrackSet(TrackRef{ID: "c"}, TrackRef{ID: "a"}, TrackRef{ID: "new2"}, TrackRef{ID: "new1"})
	target := NewTrackSet(TrackRef{ID: "a"}, TrackRef{ID: "gone"}, TrackRef{ID: "c"})

	toRemove, toAdd, toKeep := Diff(source, target)

	if got := toKeep.IDs(); len(got) != 2 || got[0] != "a" || got[1] != "c" {
		t.Errorf("toKeep = %v, want target order [a c]", got)
	}
	if got := toAdd.IDs(); len(got) != 2 || got[0] != "new2" || got[1] != "new1" {
		t.Errorf("toAdd = %v, want source order [new2 new1]", got)
	}
	if got := toRemove.IDs(); len(got) != 1 || got[0] != "gone" {
		t.Errorf("toRemove = %v, want [gone]", got)
	}
}

func TestTrackSet_DeduplicatesAndIgnoresEmpty(t *testing.T) {
	set := NewTrackSet(TrackRef{ID: "a", Title: "first"}, TrackRef{ID: ""}, TrackRef{ID: "a", Title: "second"})

	if set.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", set.Len())
	}
	ref, ok := set.Get("a")
	if !ok || ref.Title != "first" {
		t.Errorf("Get(a) = %+v, want the first occurrence", ref)
	}
	if set.Position("missing") != -1 {
		t.Error("Position of a missing id should be -1")
	}

	var zero TrackSet
	if !zero.Add(TrackRef{ID: "x"}) || !zero.Has("x") {
		t.Error("zero TrackSet should accept additions")
	}
}
