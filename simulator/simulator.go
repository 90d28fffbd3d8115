// Package simulator generates synthetic engine telemetry, for development
// and tests without a vehicle on the bus. It enqueues already-normalized
// standard channel names, so a simple identity profile maps everything.
package simulator

import (
	"context"
	"math/rand"
	"time"

	"github.com/devdash-project/devdash/channel"
	log "github.com/sirupsen/logrus"
)

const (
	defaultInterval = 50 * time.Millisecond

	idleRpm = 800.0
	maxRpm  = 8000.0
	rpmSpan = 7200.0
)

// Simulator is a broker adapter producing a bounded random walk of engine
// state: throttle drifts, rpm chases the throttle target, everything else
// derives from those with noise.
type Simulator struct {
	queue    *channel.Queue
	interval time.Duration
	onState  func(connected bool)
	cancel   context.CancelFunc

	rng          *rand.Rand
	throttle     float64
	rpm          float64
	accelerating bool
}

// New returns a simulator enqueuing into queue at the given interval
// (zero selects the 50ms default).
func New(queue *channel.Queue, interval time.Duration) *Simulator {
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Simulator{
		queue:    queue,
		interval: interval,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		rpm:      idleRpm,
	}
}

func (s *Simulator) Name() string {
	return "simulator"
}

func (s *Simulator) OnConnectionChange(fn func(connected bool)) {
	s.onState = fn
}

// Start begins generating data on a ticker goroutine.
func (s *Simulator) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	if s.onState != nil {
		s.onState(true)
	}
	log.WithField("interval", s.interval).Info("simulator started")

	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				if s.onState != nil {
					s.onState(false)
				}
				return
			case <-ticker.C:
				s.Generate()
			}
		}
	}()
	return nil
}

// Close stops the generator.
func (s *Simulator) Close() error {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	return nil
}

// Generate advances the simulation one step and enqueues every channel.
// Exposed for synchronous use in tests.
func (s *Simulator) Generate() {
	if s.rng.Intn(100) < 5 {
		s.accelerating = !s.accelerating
	}

	if s.accelerating {
		s.throttle = min(100, s.throttle+s.rng.Float64()*5)
	} else {
		s.throttle = max(0, s.throttle-s.rng.Float64()*3)
	}

	// rpm lags the throttle target
	target := idleRpm + s.throttle/100*rpmSpan
	s.rpm += (target - s.rpm) * 0.1
	s.rpm += s.rng.Float64()*20 - 10
	s.rpm = min(maxRpm, max(0, s.rpm))

	speed := max(0, (s.rpm-idleRpm)/rpmSpan*250)
	gear := 0.0
	if speed >= 10 {
		gear = min(6, float64(int(speed/40)+1))
	}

	now := time.Now().UnixMilli()
	s.send("rpm", s.rpm, "RPM", now)
	s.send("throttlePosition", s.throttle, "%", now)
	s.send("coolantTemperature", 85+s.rng.Float64()*5-2.5, "°C", now)
	s.send("oilTemperature", 90+s.rng.Float64()*5-2.5, "°C", now)
	s.send("intakeAirTemperature", 35+s.rng.Float64()*3-1.5, "°C", now)
	s.send("oilPressure", 200+s.rpm/maxRpm*300+s.rng.Float64()*20-10, "kPa", now)
	s.send("manifoldPressure", 30+s.throttle/100*170, "kPa", now)
	s.send("batteryVoltage", 13.8+s.rng.Float64()*0.4-0.2, "V", now)
	s.send("vehicleSpeed", speed, "km/h", now)
	s.send("gear", gear, "", now)
}

func (s *Simulator) send(name string, value float64, unit string, now int64) {
	ok := s.queue.Enqueue(channel.Update{
		Name: name,
		Value: channel.Value{
			Value:     value,
			Unit:      unit,
			Valid:     true,
			Timestamp: now,
		},
	})
	if !ok {
		log.WithField("channel", name).Debug("queue full, dropping simulated update")
	}
}

func min(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func max(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
