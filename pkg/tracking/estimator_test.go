package tracking

import (
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/go-cmp/cmp"
	"gonum.org/v1/gonum/mat"

	"github.com/unklstewy/balloon-scope/pkg/coordinates"
)

func newTestEstimator() (*Estimator, *clock.Mock) {
	mock := clock.NewMock()
	return NewEstimator(DefaultEstimatorConfig(), mock), mock
}

func fixAt(lat, lon, alt float64) Measurement {
	return Measurement{Position: coordinates.Geographic{Latitude: lat, Longitude: lon, Altitude: alt}}
}

// TestEstimatorPredict tests constant-acceleration propagation.
func TestEstimatorPredict(t *testing.T) {
	t.Run("Zero acceleration advances position by velocity times dt", func(t *testing.T) {
		est, _ := newTestEstimator()
		if err := est.Update(fixAt(45.0, -73.0, 1000)); err != nil {
			t.Fatalf("Update failed: %v", err)
		}
		// Build up some velocity
		if err := est.Predict(2.0, Acceleration{East: 3, North: 2, Up: 5}); err != nil {
			t.Fatalf("Predict failed: %v", err)
		}

		before := est.Snapshot()
		dt := 7.5
		if err := est.Predict(dt, Acceleration{}); err != nil {
			t.Fatalf("Predict failed: %v", err)
		}
		after := est.Snapshot()

		wantLat := before.Position.Latitude + before.VelocityLat*dt
		wantLon := before.Position.Longitude + before.VelocityLon*dt
		wantAlt := before.Position.Altitude + before.VelocityAlt*dt

		if math.Abs(after.Position.Latitude-wantLat) > 1e-12 {
			t.Errorf("Expected lat %.12f, got %.12f", wantLat, after.Position.Latitude)
		}
		if math.Abs(after.Position.Longitude-wantLon) > 1e-12 {
			t.Errorf("Expected lon %.12f, got %.12f", wantLon, after.Position.Longitude)
		}
		if math.Abs(after.Position.Altitude-wantAlt) > 1e-9 {
			t.Errorf("Expected alt %.9f, got %.9f", wantAlt, after.Position.Altitude)
		}
		if after.VelocityAlt != before.VelocityAlt {
			t.Errorf("Expected velocity unchanged, got %f -> %f", before.VelocityAlt, after.VelocityAlt)
		}
	})

	t.Run("Acceleration adds half a t squared", func(t *testing.T) {
		est, _ := newTestEstimator()
		if err := est.Update(fixAt(45.0, -73.0, 1000)); err != nil {
			t.Fatalf("Update failed: %v", err)
		}

		if err := est.Predict(4.0, Acceleration{Up: 2}); err != nil {
			t.Fatalf("Predict failed: %v", err)
		}
		s := est.Snapshot()
		if math.Abs(s.Position.Altitude-1016.0) > 1e-9 {
			t.Errorf("Expected altitude 1016, got %f", s.Position.Altitude)
		}
		if math.Abs(s.VelocityAlt-8.0) > 1e-9 {
			t.Errorf("Expected vertical velocity 8, got %f", s.VelocityAlt)
		}
	})

	t.Run("North acceleration moves latitude", func(t *testing.T) {
		est, _ := newTestEstimator()
		if err := est.Update(fixAt(45.0, -73.0, 1000)); err != nil {
			t.Fatalf("Update failed: %v", err)
		}

		if err := est.Predict(10.0, Acceleration{North: 1}); err != nil {
			t.Fatalf("Predict failed: %v", err)
		}
		s := est.Snapshot()
		// 0.5 * 1 * 100 = 50m north
		wantLat := 45.0 + 50.0/coordinates.MetersPerDegreeLatitude
		if math.Abs(s.Position.Latitude-wantLat) > 1e-9 {
			t.Errorf("Expected lat %.9f, got %.9f", wantLat, s.Position.Latitude)
		}
		if s.Position.Longitude != -73.0 {
			t.Errorf("Expected longitude unchanged, got %f", s.Position.Longitude)
		}
	})

	t.Run("Negative dt is a no-op", func(t *testing.T) {
		est, _ := newTestEstimator()
		if err := est.Update(fixAt(45.0, -73.0, 1000)); err != nil {
			t.Fatalf("Update failed: %v", err)
		}
		before := est.Snapshot()

		if err := est.Predict(-5.0, Acceleration{Up: 10}); err != nil {
			t.Fatalf("Predict failed: %v", err)
		}
		after := est.Snapshot()

		if diff := cmp.Diff(before.Position, after.Position); diff != "" {
			t.Errorf("Position changed on negative dt (-before +after):\n%s", diff)
		}
		if !mat.Equal(before.Covariance, after.Covariance) {
			t.Error("Expected covariance unchanged on negative dt")
		}
	})

	t.Run("Covariance grows with dt", func(t *testing.T) {
		est, _ := newTestEstimator()
		if err := est.Update(fixAt(45.0, -73.0, 1000)); err != nil {
			t.Fatalf("Update failed: %v", err)
		}
		before := est.Snapshot().Covariance.At(2, 2)
		if err := est.Predict(5.0, Acceleration{}); err != nil {
			t.Fatalf("Predict failed: %v", err)
		}
		after := est.Snapshot().Covariance.At(2, 2)
		if after <= before {
			t.Errorf("Expected altitude variance to grow, got %f -> %f", before, after)
		}
	})

	t.Run("Non-finite dt is rejected", func(t *testing.T) {
		est, _ := newTestEstimator()
		if err := est.Predict(math.NaN(), Acceleration{}); !errors.Is(err, ErrNonFiniteInterval) {
			t.Errorf("Expected ErrNonFiniteInterval, got %v", err)
		}
	})
}

// TestEstimatorState tests read-only extrapolation.
func TestEstimatorState(t *testing.T) {
	est, mock := newTestEstimator()
	if err := est.Update(fixAt(45.0, -73.0, 1000)); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	mock.Add(time.Second)
	if err := est.Update(Measurement{
		Position: coordinates.Geographic{Latitude: 45.0001, Longitude: -73.0, Altitude: 1005},
		Accel:    Acceleration{Up: 1},
	}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	t.Run("Zero future dt is idempotent", func(t *testing.T) {
		first := est.State(0)
		second := est.State(0)
		if diff := cmp.Diff(first, second); diff != "" {
			t.Errorf("State(0) not idempotent (-first +second):\n%s", diff)
		}
	})

	t.Run("Future dt does not mutate the filter", func(t *testing.T) {
		before := est.Snapshot()
		ahead := est.State(30)
		after := est.Snapshot()

		if diff := cmp.Diff(before.Position, after.Position); diff != "" {
			t.Errorf("State(30) mutated position (-before +after):\n%s", diff)
		}
		if !mat.Equal(before.Covariance, after.Covariance) {
			t.Error("State(30) mutated covariance")
		}
		if ahead.Altitude <= after.Position.Altitude {
			t.Errorf("Expected extrapolated altitude above %f, got %f", after.Position.Altitude, ahead.Altitude)
		}
	})

	t.Run("Snapshot covariance is a copy", func(t *testing.T) {
		s := est.Snapshot()
		s.Covariance.Set(0, 0, 1e9)
		if est.Snapshot().Covariance.At(0, 0) == 1e9 {
			t.Error("Expected snapshot covariance to be detached")
		}
	})
}

// TestEstimatorUpdate tests the measurement update.
func TestEstimatorUpdate(t *testing.T) {
	t.Run("First fix seeds position", func(t *testing.T) {
		est, _ := newTestEstimator()
		if est.Initialized() {
			t.Fatal("Expected fresh estimator to be uninitialized")
		}
		if err := est.Update(fixAt(45.0, -73.0, 1000)); err != nil {
			t.Fatalf("Update failed: %v", err)
		}
		got := est.State(0)
		want := coordinates.Geographic{Latitude: 45.0, Longitude: -73.0, Altitude: 1000}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("Unexpected seeded position (-want +got):\n%s", diff)
		}
		if !est.Initialized() {
			t.Error("Expected estimator to be initialized")
		}
	})

	t.Run("Repeated identical fixes converge", func(t *testing.T) {
		est, mock := newTestEstimator()
		if err := est.Update(fixAt(45.0, -73.0, 1000)); err != nil {
			t.Fatalf("Update failed: %v", err)
		}

		for i := 0; i < 200; i++ {
			mock.Add(time.Second)
			if err := est.Update(fixAt(45.01, -72.99, 1100)); err != nil {
				t.Fatalf("Update %d failed: %v", i, err)
			}
		}

		s := est.Snapshot()
		if math.Abs(s.Position.Latitude-45.01) > 1e-6 || math.Abs(s.Position.Longitude+72.99) > 1e-6 {
			t.Errorf("Expected position near the fix, got %+v", s.Position)
		}
		if math.Abs(s.Position.Altitude-1100) > 1e-3 {
			t.Errorf("Expected altitude near 1100, got %f", s.Position.Altitude)
		}
		if math.Abs(s.VelocityLat) > 1e-6 || math.Abs(s.VelocityLon) > 1e-6 {
			t.Errorf("Expected horizontal velocity near 0, got %g, %g", s.VelocityLat, s.VelocityLon)
		}
		if math.Abs(s.VelocityAlt) > 1e-3 {
			t.Errorf("Expected vertical velocity near 0, got %g", s.VelocityAlt)
		}
		if s.Updates != 201 {
			t.Errorf("Expected 201 updates, got %d", s.Updates)
		}
	})

	t.Run("Moving target yields velocity", func(t *testing.T) {
		est, mock := newTestEstimator()
		alt := 1000.0
		for i := 0; i < 30; i++ {
			if err := est.Update(fixAt(45.0, -73.0, alt)); err != nil {
				t.Fatalf("Update failed: %v", err)
			}
			mock.Add(time.Second)
			alt += 5
		}
		if v := est.Snapshot().VelocityAlt; math.Abs(v-5) > 0.5 {
			t.Errorf("Expected ascent rate near 5 m/s, got %f", v)
		}
	})

	t.Run("Propagation uses the previous acceleration", func(t *testing.T) {
		withPrior, mockA := newTestEstimator()
		first := fixAt(45.0, -73.0, 1000)
		first.Accel = Acceleration{Up: 10}
		if err := withPrior.Update(first); err != nil {
			t.Fatalf("Update failed: %v", err)
		}
		mockA.Add(time.Second)
		if err := withPrior.Update(fixAt(45.0, -73.0, 1000)); err != nil {
			t.Fatalf("Update failed: %v", err)
		}
		if v := withPrior.Snapshot().VelocityAlt; v <= 0 {
			t.Errorf("Expected prior upward acceleration to leave positive velocity, got %f", v)
		}

		withoutPrior, mockB := newTestEstimator()
		if err := withoutPrior.Update(fixAt(45.0, -73.0, 1000)); err != nil {
			t.Fatalf("Update failed: %v", err)
		}
		mockB.Add(time.Second)
		second := fixAt(45.0, -73.0, 1000)
		second.Accel = Acceleration{Up: 10}
		if err := withoutPrior.Update(second); err != nil {
			t.Fatalf("Update failed: %v", err)
		}
		s := withoutPrior.Snapshot()
		if s.VelocityAlt != 0 {
			t.Errorf("Expected incoming acceleration to be deferred, got velocity %f", s.VelocityAlt)
		}
		if s.LastAccel.Up != 10 {
			t.Errorf("Expected last acceleration stored, got %+v", s.LastAccel)
		}
	})

	t.Run("Measurement timestamp overrides the clock", func(t *testing.T) {
		est, _ := newTestEstimator()
		t0 := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
		m := fixAt(45.0, -73.0, 1000)
		m.Time = t0
		if err := est.Update(m); err != nil {
			t.Fatalf("Update failed: %v", err)
		}
		if got := est.Snapshot().LastUpdate; !got.Equal(t0) {
			t.Errorf("Expected last update %v, got %v", t0, got)
		}
	})

	t.Run("Non-finite fix is rejected without mutation", func(t *testing.T) {
		est, _ := newTestEstimator()
		if err := est.Update(fixAt(45.0, -73.0, 1000)); err != nil {
			t.Fatalf("Update failed: %v", err)
		}
		before := est.Snapshot()

		bad := []Measurement{
			fixAt(math.NaN(), -73.0, 1000),
			fixAt(45.0, math.Inf(1), 1000),
			{Position: coordinates.Geographic{Latitude: 45, Longitude: -73, Altitude: 1000}, Accel: Acceleration{Up: math.NaN()}},
		}
		for _, m := range bad {
			if err := est.Update(m); !errors.Is(err, ErrNonFiniteMeasurement) {
				t.Errorf("Expected ErrNonFiniteMeasurement, got %v", err)
			}
		}

		after := est.Snapshot()
		if diff := cmp.Diff(before.Position, after.Position); diff != "" {
			t.Errorf("Rejected fix mutated position (-before +after):\n%s", diff)
		}
		if !mat.Equal(before.Covariance, after.Covariance) {
			t.Error("Rejected fix mutated covariance")
		}
		if after.Updates != before.Updates {
			t.Errorf("Expected %d updates, got %d", before.Updates, after.Updates)
		}
	})

	t.Run("Unusable fix is rejected without mutation", func(t *testing.T) {
		est, _ := newTestEstimator()
		if err := est.Update(fixAt(45.0, -73.0, 1000)); err != nil {
			t.Fatalf("Update failed: %v", err)
		}
		before := est.Snapshot()

		tests := []struct {
			name  string
			m     Measurement
			cause error
		}{
			{"no-fix sentinel", fixAt(0, 0, 0), coordinates.ErrUnsetPosition},
			{"latitude out of range", fixAt(200, -73.0, 5000), coordinates.ErrOutOfRange},
			{"longitude out of range", fixAt(45.0, -500, 5000), coordinates.ErrOutOfRange},
			{"altitude above ceiling", fixAt(45.0, -73.0, 250000), coordinates.ErrOutOfRange},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				err := est.Update(tt.m)
				if !errors.Is(err, ErrInvalidMeasurement) {
					t.Errorf("Expected ErrInvalidMeasurement, got %v", err)
				}
				if !errors.Is(err, tt.cause) {
					t.Errorf("Expected %v to wrap %v", err, tt.cause)
				}
			})
		}

		after := est.Snapshot()
		if diff := cmp.Diff(before.Position, after.Position); diff != "" {
			t.Errorf("Rejected fix mutated position (-before +after):\n%s", diff)
		}
		if !mat.Equal(before.Covariance, after.Covariance) {
			t.Error("Rejected fix mutated covariance")
		}
		if after.Updates != before.Updates {
			t.Errorf("Expected %d updates, got %d", before.Updates, after.Updates)
		}
	})

	t.Run("Unusable first fix leaves the estimator uninitialized", func(t *testing.T) {
		est, _ := newTestEstimator()
		if err := est.Update(fixAt(0, 0, 0)); !errors.Is(err, ErrInvalidMeasurement) {
			t.Errorf("Expected ErrInvalidMeasurement, got %v", err)
		}
		if est.Initialized() {
			t.Error("Expected estimator to stay uninitialized")
		}
	})

	t.Run("Reset clears the estimate", func(t *testing.T) {
		est, _ := newTestEstimator()
		if err := est.Update(fixAt(45.0, -73.0, 1000)); err != nil {
			t.Fatalf("Update failed: %v", err)
		}
		est.Reset()
		if est.Initialized() {
			t.Error("Expected estimator uninitialized after reset")
		}
		if got := est.State(0); !got.IsUnset() {
			t.Errorf("Expected unset position after reset, got %+v", got)
		}
	})
}

// TestEstimatorConcurrentAccess exercises the mutex under the race detector.
func TestEstimatorConcurrentAccess(t *testing.T) {
	est := NewEstimator(DefaultEstimatorConfig(), nil)

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			_ = est.Update(fixAt(45.0+float64(i)*1e-5, -73.0, 1000+float64(i)))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			_ = est.State(float64(i % 10))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			_ = est.Predict(0.1, Acceleration{Up: 0.5})
		}
	}()
	wg.Wait()

	if s := est.Snapshot(); s.Updates != 200 {
		t.Errorf("Expected 200 updates, got %d", s.Updates)
	}
}
