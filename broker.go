package devdash

import (
	"context"
	"sync"
	"time"

	"github.com/devdash-project/devdash/channel"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const (
	// drain cadence, ~60Hz
	tickInterval = 16 * time.Millisecond

	defaultGearLabel = "N"
)

// Snapshot is a copy of every cached broker property, safe to hand to
// other goroutines.
type Snapshot struct {
	Rpm                  float64
	ThrottlePosition     float64
	ManifoldPressure     float64
	CoolantTemperature   float64
	OilTemperature       float64
	IntakeAirTemperature float64
	OilPressure          float64
	FuelPressure         float64
	FuelLevel            float64
	AirFuelRatio         float64
	BatteryVoltage       float64
	VehicleSpeed         float64

	Gear      string
	Connected bool
}

// Broker drains the update queue on a fixed timer, maps protocol channel
// names to standard channels via the loaded profile, and caches the latest
// value per channel. Change notifications fire only on value deltas.
//
// All cached channel state is owned by the broker goroutine; listeners run
// on it and must not block. Snapshot is the only cross-goroutine read path.
type Broker struct {
	queue   *channel.Queue
	adapter Adapter

	mappings    map[string]StandardChannel
	gearMapping map[int]string

	handlers [numStandardChannels]func(channel.Value)
	values   [numStandardChannels]float64
	gear     string

	// names already warned about, to keep a misconfigured profile from
	// flooding the log at frame rate
	warnedUnmapped map[string]struct{}

	channelListeners    []ChannelListener
	gearListeners       []func(label string)
	connectionListeners []func(connected bool)
	forwarders          []Forwarder

	drainBuf []channel.Update
	prevSnap Snapshot

	mu        sync.Mutex
	snap      Snapshot
	connected bool

	running bool
	cancel  context.CancelFunc
}

// NewBroker returns a stopped broker with an empty mapping table and its
// own update queue.
func NewBroker() *Broker {
	b := &Broker{
		queue:          channel.NewQueue(0),
		mappings:       map[string]StandardChannel{},
		gearMapping:    defaultGearMapping(),
		gear:           defaultGearLabel,
		warnedUnmapped: map[string]struct{}{},
		drainBuf:       make([]channel.Update, 0, channel.DefaultBatchSize),
	}
	b.snap.Gear = defaultGearLabel
	b.prevSnap = b.snap
	b.initHandlers()
	return b
}

// initHandlers builds the fixed dispatch table, one handler per standard
// channel indexed by its discriminant. Gear is the only special case: its
// notification fires on resolved label changes, not raw numeric changes.
func (b *Broker) initHandlers() {
	for ch := StandardChannel(0); ch < numStandardChannels; ch++ {
		if ch == Gear {
			b.handlers[ch] = b.handleGear
			continue
		}
		ch := ch
		b.handlers[ch] = func(v channel.Value) {
			if b.values[ch] == v.Value {
				return
			}
			b.values[ch] = v.Value
			for _, fn := range b.channelListeners {
				fn(ch, v)
			}
		}
	}
}

func (b *Broker) handleGear(v channel.Value) {
	b.values[Gear] = v.Value
	label, ok := b.gearMapping[int(v.Value)]
	if !ok {
		label = defaultGearLabel
	}
	if b.gear == label {
		return
	}
	b.gear = label
	for _, fn := range b.gearListeners {
		fn(label)
	}
}

// Queue returns the update queue that adapters enqueue into.
func (b *Broker) Queue() *channel.Queue {
	return b.queue
}

// SetProfile replaces the channel and gear mapping tables. The broker must
// be stopped: mappings are read without locks on the broker goroutine, so
// a reload requires stopping first (or a fresh instance).
func (b *Broker) SetProfile(p *Profile) error {
	if b.running {
		return errors.New("cannot replace profile while broker is running")
	}

	b.mappings = make(map[string]StandardChannel, len(p.ChannelMappings))
	for name, ch := range p.ChannelMappings {
		b.mappings[name] = ch
	}

	if len(p.GearMapping) > 0 {
		b.gearMapping = make(map[int]string, len(p.GearMapping))
		for gear, label := range p.GearMapping {
			b.gearMapping[gear] = label
		}
	} else {
		b.gearMapping = defaultGearMapping()
	}

	b.warnedUnmapped = map[string]struct{}{}
	return nil
}

// SetAdapter attaches the telemetry source whose lifecycle drives the
// connection state. The broker must be stopped.
func (b *Broker) SetAdapter(adapter Adapter) error {
	if b.running {
		return errors.New("cannot replace adapter while broker is running")
	}
	b.adapter = adapter
	adapter.OnConnectionChange(b.setConnected)
	return nil
}

// OnChannelChange registers a listener for standard channel value changes.
func (b *Broker) OnChannelChange(fn ChannelListener) {
	b.channelListeners = append(b.channelListeners, fn)
}

// OnGearChange registers a listener for resolved gear label changes.
func (b *Broker) OnGearChange(fn func(label string)) {
	b.gearListeners = append(b.gearListeners, fn)
}

// OnConnectionChange registers a listener for adapter liveness transitions.
func (b *Broker) OnConnectionChange(fn func(connected bool)) {
	b.connectionListeners = append(b.connectionListeners, fn)
}

// AddForwarder registers a snapshot consumer, called after each tick that
// changed at least one property.
func (b *Broker) AddForwarder(fwd Forwarder) {
	b.forwarders = append(b.forwarders, fwd)
}

// Start begins periodic queue draining and starts the adapter. A missing
// profile is a soft failure: the broker runs, and unmapped data is dropped.
// Calling Start on a running broker is a no-op.
func (b *Broker) Start(ctx context.Context) error {
	if b.running {
		return nil
	}
	if b.adapter == nil {
		return errors.New("no adapter set")
	}
	if len(b.mappings) == 0 {
		log.Warn("no channel mappings loaded, channel data will be dropped")
	}

	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.running = true

	go b.run(ctx)

	if err := b.adapter.Start(ctx); err != nil {
		b.Stop()
		return errors.Wrapf(err, "unable to start adapter %s", b.adapter.Name())
	}
	return nil
}

// Stop halts the drain timer and the adapter.
func (b *Broker) Stop() {
	if !b.running {
		return
	}
	b.cancel()
	if err := b.adapter.Close(); err != nil {
		log.WithField("err", err).
			Warnf("%s: unable to close adapter", b.adapter.Name())
	}
	b.running = false
}

func (b *Broker) run(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.ProcessQueue()
		}
	}
}

// ProcessQueue performs one drain tick: dequeue in bulk, map, dispatch,
// publish. Driven by Start's timer; exported so tests and callers that own
// their own loop can tick synchronously.
func (b *Broker) ProcessQueue() {
	b.drainBuf = b.queue.DequeueBulk(b.drainBuf[:0], channel.DefaultBatchSize)
	if len(b.drainBuf) == 0 {
		return
	}

	for _, u := range b.drainBuf {
		if !u.Value.Valid {
			continue
		}

		ch, ok := b.mappings[u.Name]
		if !ok {
			// configuration error, not a data error: warn loudly, once
			if _, warned := b.warnedUnmapped[u.Name]; !warned {
				log.WithField("channel", u.Name).
					Error("unmapped channel, check profile channelMappings")
				b.warnedUnmapped[u.Name] = struct{}{}
			}
			continue
		}

		b.handlers[ch](u.Value)
	}

	b.publish()
}

// publish refreshes the shared snapshot and feeds forwarders on change.
func (b *Broker) publish() {
	snap := Snapshot{
		Rpm:                  b.values[Rpm],
		ThrottlePosition:     b.values[ThrottlePosition],
		ManifoldPressure:     b.values[ManifoldPressure],
		CoolantTemperature:   b.values[CoolantTemperature],
		OilTemperature:       b.values[OilTemperature],
		IntakeAirTemperature: b.values[IntakeAirTemperature],
		OilPressure:          b.values[OilPressure],
		FuelPressure:         b.values[FuelPressure],
		FuelLevel:            b.values[FuelLevel],
		AirFuelRatio:         b.values[AirFuelRatio],
		BatteryVoltage:       b.values[BatteryVoltage],
		VehicleSpeed:         b.values[VehicleSpeed],
		Gear:                 b.gear,
	}

	b.mu.Lock()
	snap.Connected = b.connected
	b.snap = snap
	b.mu.Unlock()

	if snap == b.prevSnap {
		return
	}
	prev := b.prevSnap
	b.prevSnap = snap
	for _, fwd := range b.forwarders {
		if err := fwd.Forward(&snap, &prev); err != nil {
			log.WithField("err", err).Warn("unable to forward snapshot")
		}
	}
}

// setConnected is driven by the adapter's lifecycle, independent of
// channel flow. Notification fires exactly once per transition.
func (b *Broker) setConnected(connected bool) {
	b.mu.Lock()
	if b.connected == connected {
		b.mu.Unlock()
		return
	}
	b.connected = connected
	b.snap.Connected = connected
	b.mu.Unlock()

	for _, fn := range b.connectionListeners {
		fn(connected)
	}
}

// Snapshot returns a copy of all cached properties.
func (b *Broker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snap
}

// Value returns the cached value for a standard channel. Broker goroutine
// only; cross-goroutine readers use Snapshot.
func (b *Broker) Value(ch StandardChannel) float64 {
	return b.values[ch]
}

// GearLabel returns the resolved gear label. Broker goroutine only.
func (b *Broker) GearLabel() string {
	return b.gear
}

// IsConnected reports adapter liveness.
func (b *Broker) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

// Mappings returns a copy of the active mapping table, for diagnostics.
func (b *Broker) Mappings() map[string]StandardChannel {
	m := make(map[string]StandardChannel, len(b.mappings))
	for name, ch := range b.mappings {
		m[name] = ch
	}
	return m
}

// QueueDepth reports the approximate pending update count, for diagnostics.
func (b *Broker) QueueDepth() int {
	return b.queue.ApproximateSize()
}
