package tracking

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"gonum.org/v1/gonum/mat"

	"github.com/unklstewy/balloon-scope/pkg/coordinates"
)

// State vector layout: [lat, lon, alt, v_lat, v_lon, v_alt].
// Latitude and longitude are in degrees, altitude in meters.
const (
	stateSize       = 6
	measurementSize = 3
)

var (
	// ErrNonFiniteMeasurement is returned when a fix contains NaN or Inf.
	// The estimator state is left untouched.
	ErrNonFiniteMeasurement = errors.New("non-finite measurement")

	// ErrInvalidMeasurement is returned when a fix is finite but not a usable
	// position: the (0, 0) no-fix sentinel or out-of-range coordinates. It
	// wraps the coordinates error. The estimator state is left untouched.
	ErrInvalidMeasurement = errors.New("invalid measurement")

	// ErrNonFiniteInterval is returned when a prediction interval is NaN or Inf.
	ErrNonFiniteInterval = errors.New("non-finite prediction interval")
)

// Acceleration is a target acceleration in the local east-north-up frame, m/s².
// Gravity is expected to be removed already.
type Acceleration struct {
	East  float64
	North float64
	Up    float64
}

// IsFinite reports whether every component is a finite number.
func (a Acceleration) IsFinite() bool {
	for _, v := range []float64{a.East, a.North, a.Up} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// Measurement is one fused telemetry fix fed to the estimator.
type Measurement struct {
	// Time is when the fix was taken. Zero means "now" on the estimator clock.
	Time time.Time

	// Position is the reported geodetic position
	Position coordinates.Geographic

	// Accel is the reported acceleration at the time of the fix
	Accel Acceleration
}

// TargetState is a snapshot of the estimator.
type TargetState struct {
	// Position is the filtered position
	Position coordinates.Geographic

	// VelocityLat and VelocityLon are in degrees per second
	VelocityLat float64
	VelocityLon float64

	// VelocityAlt is in meters per second
	VelocityAlt float64

	// Covariance is a copy of the 6x6 state covariance
	Covariance *mat.Dense

	// LastAccel is the acceleration used for the next propagation
	LastAccel Acceleration

	// LastUpdate is the time of the most recent accepted fix
	LastUpdate time.Time

	// Updates counts accepted fixes
	Updates int
}

// EstimatorConfig holds the filter noise parameters.
type EstimatorConfig struct {
	// ProcessNoise is the diagonal of Q_base. Q = Q_base * dt.
	ProcessNoise [stateSize]float64

	// MeasurementNoise is the diagonal of R for [lat, lon, alt].
	MeasurementNoise [measurementSize]float64

	// InitialCovariance scales the identity used as the starting P.
	InitialCovariance float64
}

// DefaultEstimatorConfig returns noise parameters tuned for balloon telemetry:
// GPS-grade horizontal fixes, noisier barometric altitude.
func DefaultEstimatorConfig() EstimatorConfig {
	return EstimatorConfig{
		ProcessNoise:      [stateSize]float64{1e-6, 1e-6, 1e-1, 1e-4, 1e-4, 1e-2},
		MeasurementNoise:  [measurementSize]float64{1e-5, 1e-5, 1.0},
		InitialCovariance: 1.0,
	}
}

// Estimator is a constant-acceleration Kalman filter over a target's
// position and velocity.
//
// A single mutex guards the state, covariance, last fix time and last
// acceleration. Every method takes it, readers included, so Update may run
// on the telemetry goroutine while the tracking loop calls State.
type Estimator struct {
	mu sync.Mutex

	clock clock.Clock

	x *mat.VecDense
	p *mat.Dense

	qBase *mat.DiagDense
	r     *mat.DiagDense
	h     *mat.Dense

	initialCov float64

	lastAccel   Acceleration
	lastTime    time.Time
	initialized bool
	updates     int
}

// NewEstimator creates an estimator. A nil clock uses the wall clock.
func NewEstimator(cfg EstimatorConfig, clk clock.Clock) *Estimator {
	if clk == nil {
		clk = clock.New()
	}
	if cfg.InitialCovariance <= 0 {
		cfg.InitialCovariance = 1.0
	}

	h := mat.NewDense(measurementSize, stateSize, nil)
	for i := 0; i < measurementSize; i++ {
		h.Set(i, i, 1)
	}

	e := &Estimator{
		clock: clk,
		qBase: mat.NewDiagDense(stateSize, cfg.ProcessNoise[:]),
		r:     mat.NewDiagDense(measurementSize, cfg.MeasurementNoise[:]),
		h:     h,

		initialCov: cfg.InitialCovariance,
	}
	e.x = mat.NewVecDense(stateSize, nil)
	e.p = scaledIdentity(stateSize, cfg.InitialCovariance)
	return e
}

// Predict propagates the state forward by dt seconds under the given
// acceleration. Negative dt is treated as zero.
func (e *Estimator) Predict(dt float64, accel Acceleration) error {
	if math.IsNaN(dt) || math.IsInf(dt, 0) {
		return ErrNonFiniteInterval
	}
	if !accel.IsFinite() {
		return fmt.Errorf("%w: acceleration %+v", ErrNonFiniteMeasurement, accel)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.x, e.p = e.propagate(e.x, e.p, dt, accel)
	return nil
}

// Update folds a new fix into the estimate.
//
// The state is first propagated over the time since the previous fix using
// the previously stored acceleration; the fix's own acceleration is stored
// only afterwards. The first fix seeds the position with zero velocity.
// Fixes that fail coordinates.Validate are rejected.
func (e *Estimator) Update(m Measurement) error {
	if !m.Position.IsFinite() || !m.Accel.IsFinite() {
		return fmt.Errorf("%w: position %+v accel %+v", ErrNonFiniteMeasurement, m.Position, m.Accel)
	}
	if err := coordinates.Validate(m.Position); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidMeasurement, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := m.Time
	if now.IsZero() {
		now = e.clock.Now()
	}

	x, p := e.x, e.p
	if !e.initialized {
		x = mat.NewVecDense(stateSize, []float64{
			m.Position.Latitude, m.Position.Longitude, m.Position.Altitude, 0, 0, 0,
		})
	} else {
		dt := now.Sub(e.lastTime).Seconds()
		x, p = e.propagate(x, p, dt, e.lastAccel)
	}

	x, p, err := e.correct(x, p, m.Position)
	if err != nil {
		return err
	}

	e.x, e.p = x, p
	e.lastAccel = m.Accel
	if !e.initialized || now.After(e.lastTime) {
		e.lastTime = now
	}
	e.initialized = true
	e.updates++
	return nil
}

// State returns the current position estimate. A positive futureDt returns
// the position extrapolated that many seconds ahead with the last known
// acceleration; the filter itself is not advanced.
func (e *Estimator) State(futureDt float64) coordinates.Geographic {
	e.mu.Lock()
	defer e.mu.Unlock()

	x := e.x
	if futureDt > 0 && !math.IsInf(futureDt, 0) {
		x = e.extrapolate(x, futureDt, e.lastAccel)
	}
	return coordinates.Geographic{
		Latitude:  x.AtVec(0),
		Longitude: x.AtVec(1),
		Altitude:  x.AtVec(2),
	}
}

// Snapshot returns a copy of the full filter state.
func (e *Estimator) Snapshot() TargetState {
	e.mu.Lock()
	defer e.mu.Unlock()

	return TargetState{
		Position: coordinates.Geographic{
			Latitude:  e.x.AtVec(0),
			Longitude: e.x.AtVec(1),
			Altitude:  e.x.AtVec(2),
		},
		VelocityLat: e.x.AtVec(3),
		VelocityLon: e.x.AtVec(4),
		VelocityAlt: e.x.AtVec(5),
		Covariance:  mat.DenseCopyOf(e.p),
		LastAccel:   e.lastAccel,
		LastUpdate:  e.lastTime,
		Updates:     e.updates,
	}
}

// Initialized reports whether at least one fix has been accepted.
func (e *Estimator) Initialized() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.initialized
}

// Reset discards the estimate and restores the initial covariance.
func (e *Estimator) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.x = mat.NewVecDense(stateSize, nil)
	e.p = scaledIdentity(stateSize, e.initialCov)
	e.lastAccel = Acceleration{}
	e.lastTime = time.Time{}
	e.initialized = false
	e.updates = 0
}

// propagate returns x' = F x + B a and P' = F P Fᵀ + Q_base·dt without
// modifying its arguments.
func (e *Estimator) propagate(x *mat.VecDense, p *mat.Dense, dt float64, accel Acceleration) (*mat.VecDense, *mat.Dense) {
	if dt < 0 {
		dt = 0
	}

	next := e.extrapolate(x, dt, accel)

	f := transition(dt)
	var fp, nextP mat.Dense
	fp.Mul(f, p)
	nextP.Mul(&fp, f.T())

	var q mat.Dense
	q.Scale(dt, e.qBase)
	nextP.Add(&nextP, &q)

	return next, &nextP
}

// extrapolate applies the constant-acceleration kinematics to the state vector.
func (e *Estimator) extrapolate(x *mat.VecDense, dt float64, accel Acceleration) *mat.VecDense {
	aLat, aLon, aAlt := toStateUnits(x.AtVec(0), accel)
	a := [3]float64{aLat, aLon, aAlt}

	next := mat.VecDenseCopyOf(x)
	for i := 0; i < 3; i++ {
		v := x.AtVec(i + 3)
		next.SetVec(i, x.AtVec(i)+v*dt+0.5*a[i]*dt*dt)
		next.SetVec(i+3, v+a[i]*dt)
	}
	return next
}

// correct applies the Kalman measurement update.
func (e *Estimator) correct(x *mat.VecDense, p *mat.Dense, pos coordinates.Geographic) (*mat.VecDense, *mat.Dense, error) {
	z := mat.NewVecDense(measurementSize, []float64{pos.Latitude, pos.Longitude, pos.Altitude})

	// y = z - Hx
	var hx, y mat.VecDense
	hx.MulVec(e.h, x)
	y.SubVec(z, &hx)

	// S = H P Hᵀ + R
	var hp, s mat.Dense
	hp.Mul(e.h, p)
	s.Mul(&hp, e.h.T())
	s.Add(&s, e.r)

	var sInv mat.Dense
	if err := sInv.Inverse(&s); err != nil {
		return nil, nil, fmt.Errorf("failed to invert innovation covariance: %w", err)
	}

	// K = P Hᵀ S⁻¹
	var pht, k mat.Dense
	pht.Mul(p, e.h.T())
	k.Mul(&pht, &sInv)

	// x = x + K y
	var ky, nextX mat.VecDense
	ky.MulVec(&k, &y)
	nextX.AddVec(x, &ky)

	// P = (I - K H) P
	var kh, ikh, nextP mat.Dense
	kh.Mul(&k, e.h)
	ikh.Sub(scaledIdentity(stateSize, 1), &kh)
	nextP.Mul(&ikh, p)

	return &nextX, &nextP, nil
}

// transition builds the constant-velocity state transition matrix F.
func transition(dt float64) *mat.Dense {
	f := scaledIdentity(stateSize, 1)
	for i := 0; i < 3; i++ {
		f.Set(i, i+3, dt)
	}
	return f
}

func scaledIdentity(n int, scale float64) *mat.Dense {
	m := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		m.Set(i, i, scale)
	}
	return m
}

// toStateUnits converts an east-north-up acceleration in m/s² to
// [deg/s² lat, deg/s² lon, m/s² alt] at the given latitude.
func toStateUnits(latitude float64, accel Acceleration) (float64, float64, float64) {
	aLat := accel.North / coordinates.MetersPerDegreeLatitude

	var aLon float64
	if c := math.Cos(latitude * coordinates.DegreesToRadians); c > 1e-6 {
		aLon = accel.East / (coordinates.MetersPerDegreeLatitude * c)
	}

	return aLat, aLon, accel.Up
}
