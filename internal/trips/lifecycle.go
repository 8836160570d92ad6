package trips

import "github.com/example/driver-availability/internal/models"

// AllowedTransitions is the trip state flow. Completed and cancelled are
// terminal; an in-progress trip can only be completed.
var AllowedTransitions = map[models.TripStatus][]models.TripStatus{
	models.TripScheduled:  {models.TripInProgress, models.TripCompleted, models.TripCancelled},
	models.TripInProgress: {models.TripCompleted},
}

func CanTransition(from, to models.TripStatus) bool {
	for _, s := range AllowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
