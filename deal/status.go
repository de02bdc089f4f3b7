package deal

// transitions declares the legal status graph. Completed, Refunded and
// Cancelled have no outgoing edges.
var transitions = map[Status][]Status{
	StatusPendingDeposit: {StatusFunded, StatusCancelled},
	StatusFunded:         {StatusDisputed, StatusCompleted},
	StatusDisputed:       {StatusFunded, StatusCompleted, StatusRefunded},
}

// ValidStatus reports whether s is one of the declared statuses.
func ValidStatus(s Status) bool {
	switch s {
	case StatusPendingDeposit, StatusFunded, StatusDisputed,
		StatusCompleted, StatusRefunded, StatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal reports whether s has no outgoing edges.
func Terminal(s Status) bool {
	return ValidStatus(s) && len(transitions[s]) == 0
}

// CanTransition reports whether from -> to is a declared edge. It validates
// shape only; actor requirements are enforced by the services.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
