package mcu

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/servolab/servobench/drive"
	"github.com/servolab/servobench/encoder"
)

// Sim is a software bench: a first-order DC motor plant behind the same
// capability surface as the real board.  The rotor velocity relaxes toward
// K times the applied duty with time constant Tau, and the quadrature count
// follows the integrated angle.
type Sim struct {
	// K is the steady-state velocity per duty count, deg/s.
	K float64

	// Tau is the mechanical time constant, seconds.
	Tau float64

	// Stiction is the duty magnitude below which the rotor does not move.
	Stiction int

	// PPR is the encoder resolution in counts per revolution.
	PPR int

	// Jitter adds up to +/- that many counts of read noise when nonzero.
	Jitter int

	mu      sync.Mutex
	duty    int     // signed
	vel     float64 // deg/s
	angle   float64 // unwrapped, deg
	rng     *rand.Rand
	running bool
	cancel  chan struct{}
}

// NewSim returns a stationary plant with the given gain and time constant
// and the bench's encoder resolution.
func NewSim(k, tau float64) *Sim {
	return &Sim{
		K:        k,
		Tau:      tau,
		Stiction: 50,
		PPR:      encoder.DefaultPPR,
		rng:      rand.New(rand.NewSource(1)),
		cancel:   make(chan struct{}),
	}
}

// Step advances the plant by dt seconds.
func (s *Sim) Step(dt float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := float64(s.duty)
	if s.duty > -s.Stiction && s.duty < s.Stiction {
		u = 0
	}
	s.vel += (s.K*u - s.vel) / s.Tau * dt
	s.angle += s.vel * dt
}

// Run steps the plant on a background ticker until Close is called.
func (s *Sim) Run(period time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	go s.ticker(period)
}

func (s *Sim) ticker(period time.Duration) {
	t := time.NewTicker(period)
	last := time.Now()
	for {
		select {
		case now := <-t.C:
			s.Step(now.Sub(last).Seconds())
			last = now
		case <-s.cancel:
			t.Stop()
			return
		}
	}
}

// Velocity returns the current rotor velocity in deg/s
func (s *Sim) Velocity() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.vel
}

// Counts returns the current quadrature count
func (s *Sim) Counts() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := int64(math.Round(s.angle / 360 * float64(s.PPR)))
	if s.Jitter > 0 {
		n += int64(s.rng.Intn(2*s.Jitter+1) - s.Jitter)
	}
	return n, nil
}

// Drive applies an actuation command to the plant
func (s *Sim) Drive(c drive.Command) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.duty = c.Signed()
	return nil
}

// Zero resets the quadrature counter.  The rotor keeps its velocity; only
// the counter register clears, as on the real board.
func (s *Sim) Zero() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.angle = 0
	return nil
}

// Close stops the background ticker if Run started one
func (s *Sim) Close() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()
	s.cancel <- struct{}{}
	return nil
}
