package trips

import "math"

// Fares used at booking and completion.
const (
	DefaultBaseFare      = 5.00
	DefaultPerKmRate     = 1.50
	DefaultPerMinuteRate = 0.50
)

type Fare struct {
	BaseFare     float64 `json:"base_fare"`
	DistanceFare float64 `json:"distance_fare"`
	TimeFare     float64 `json:"time_fare"`
	TotalFare    float64 `json:"total_fare"`
}

type FareCalculator struct {
	BaseFare      float64
	PerKmRate     float64
	PerMinuteRate float64
}

func DefaultFareCalculator() FareCalculator {
	return FareCalculator{BaseFare: DefaultBaseFare, PerKmRate: DefaultPerKmRate, PerMinuteRate: DefaultPerMinuteRate}
}

// Booking is the fare of a freshly booked trip: base only.
func (f FareCalculator) Booking() Fare {
	return Fare{BaseFare: f.BaseFare, TotalFare: f.BaseFare}
}

// Final recomputes the distance and time parts on top of an already fixed base.
func (f FareCalculator) Final(base, distanceKm float64, minutes int) Fare {
	distanceFare := roundCents(distanceKm * f.PerKmRate)
	timeFare := roundCents(float64(minutes) * f.PerMinuteRate)
	return Fare{
		BaseFare:     base,
		DistanceFare: distanceFare,
		TimeFare:     timeFare,
		TotalFare:    roundCents(base + distanceFare + timeFare),
	}
}

func roundCents(v float64) float64 { return math.Round(v*100) / 100 }
