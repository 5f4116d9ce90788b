package publishing

// FinalStatus derives the terminal status of a run from its log.
//
// Skips never count as failures, so a run whose only non-success entries are
// skips finishes completed. A cancelled run always finishes failed.
func FinalStatus(entries []LogEntry, cancelled bool) RunStatus {
	if cancelled {
		return RunFailed
	}
	var successes, failures int
	for _, e := range entries {
		switch e.Outcome {
		case OutcomeSuccess:
			successes++
		case OutcomeFailure:
			failures++
		}
	}
	switch {
	case failures == 0:
		return RunCompleted
	case successes > 0:
		return RunCompletedWithErrors
	default:
		return RunFailed
	}
}

// Progress is the set of (profile, item) pairs already logged for a run.
type Progress map[string]map[string]Outcome

// NewProgress indexes the entries of a run.
func NewProgress(entries []LogEntry) Progress {
	p := make(Progress)
	for _, e := range entries {
		byItem, ok := p[e.ProfileID]
		if !ok {
			byItem = make(map[string]Outcome)
			p[e.ProfileID] = byItem
		}
		byItem[e.ItemKey] = e.Outcome
	}
	return p
}

// Logged reports whether the pair already has an entry.
func (p Progress) Logged(profileID, itemKey string) bool {
	_, ok := p[profileID][itemKey]
	return ok
}

// Succeeded returns the distinct item keys logged success on any profile.
func (p Progress) Succeeded() map[string]struct{} {
	out := make(map[string]struct{})
	for _, byItem := range p {
		for key, outcome := range byItem {
			if outcome == OutcomeSuccess {
				out[key] = struct{}{}
			}
		}
	}
	return out
}
