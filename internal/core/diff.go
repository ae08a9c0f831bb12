package core

// Diff compares the desired source membership against the current target.
// toRemove and toKeep follow target order, toAdd follows source arrival order.
func Diff(source, target TrackSet) (toRemove, toAdd, toKeep TrackSet) {
	toRemove = NewTrackSet()
	toAdd = NewTrackSet()
	toKeep = NewTrackSet()

	for _, ref := range target.items {
		if source.Has(ref.ID) {
			toKeep.Add(ref)
		} else {
			toRemove.Add(ref)
		}
	}

	for _, ref := range source.items {
		if !target.Has(ref.ID) {
			toAdd.Add(ref)
		}
	}

	return toRemove, toAdd, toKeep
}
