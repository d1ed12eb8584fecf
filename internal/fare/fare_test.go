package fare

import (
	"testing"

	"github.com/example/ride-lifecycle/internal/models"
)

func TestEstimate(t *testing.T) {
	cases := []struct {
		name    string
		meters  float64
		vehicle models.Vehicle
		want    int64
	}{
		{"short bike", 1500, models.VehicleBike, 17000},
		{"exactly included", 2000, models.VehicleBike, 17000},
		{"fractional extra", 3500, models.VehicleBike, 21500},
		{"rounded extra", 2100.2, models.VehicleBike, 17301},
		{"car doubles", 5000, models.VehicleCar, 52000},
		{"zero distance car", 0, models.VehicleCar, 34000},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Estimate(tc.meters, tc.vehicle); got != tc.want {
				t.Fatalf("Estimate(%v, %s) = %d, want %d", tc.meters, tc.vehicle, got, tc.want)
			}
		})
	}
}
