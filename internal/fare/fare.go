// Package fare prices a ride from its route distance.
package fare

import (
	"math"

	"github.com/example/ride-lifecycle/internal/models"
)

const (
	// BaseFare covers the first IncludedKm kilometres, in VND.
	BaseFare   = 17000
	IncludedKm = 2.0
	// PerKm is charged for every kilometre past IncludedKm.
	PerKm = 3000
)

// Estimate returns the fare in VND. Cars cost double.
func Estimate(distanceMeters float64, vehicle models.Vehicle) int64 {
	km := distanceMeters / 1000
	total := int64(BaseFare)
	if km > IncludedKm {
		total += int64(math.Round((km - IncludedKm) * PerKm))
	}
	if vehicle == models.VehicleCar {
		total *= 2
	}
	return total
}
