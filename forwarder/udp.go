package forwarder

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"
	"unsafe"

	"github.com/BurntSushi/toml"
	"github.com/devdash-project/devdash"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

var maxTelemetrySize = int(unsafe.Sizeof(Header{}) + unsafe.Sizeof(wireTelemetry{}))

// UDPConfig locates the telemetry server.
type UDPConfig struct {
	Server string
	Port   int
}

// UDPForwarder streams broker snapshots to a UDP listener, rate limited so
// a busy broker tick cannot saturate the link. Forward never blocks; when
// the forwarding channel is full the snapshot is skipped, the next one
// carries fresher data anyway.
type UDPForwarder struct {
	Config *UDPConfig

	conn    net.Conn
	fwdChan chan *devdash.Snapshot
}

// NewUDPForwarder loads configuration from a TOML file next to the binary.
func NewUDPForwarder(fileName string) (*UDPForwarder, error) {
	dir, err := filepath.Abs(filepath.Dir(os.Args[0]))
	if err != nil {
		return nil, errors.Wrapf(err, "unable to determine binary location")
	}
	file, err := os.Open(filepath.Join(dir, fileName))
	if err != nil {
		return nil, errors.Wrapf(err, "unable to open file %s", fileName)
	}
	defer file.Close()
	return NewUDPForwarderFromReader(file)
}

// NewUDPForwarderFromConfig connects using an already-loaded config.
func NewUDPForwarderFromConfig(config *UDPConfig) (*UDPForwarder, error) {
	udp := &UDPForwarder{
		Config:  config,
		fwdChan: make(chan *devdash.Snapshot, 1),
	}
	if err := udp.connect(); err != nil {
		return nil, err
	}
	return udp, nil
}

// NewUDPForwarderFromReader loads TOML configuration and connects.
func NewUDPForwarderFromReader(configReader io.Reader) (*UDPForwarder, error) {
	configData, err := io.ReadAll(configReader)
	if err != nil {
		return nil, errors.Wrap(err, "unable to read config reader")
	}
	config := UDPConfig{}
	if _, err := toml.Decode(string(configData), &config); err != nil {
		return nil, errors.Wrapf(err, "unable to load udp forwarder configuration")
	}
	udp := &UDPForwarder{
		Config:  &config,
		fwdChan: make(chan *devdash.Snapshot, 1),
	}
	if err = udp.connect(); err != nil {
		return nil, err
	}
	return udp, nil
}

// Close shuts the UDP socket.
func (udp *UDPForwarder) Close() error {
	return udp.conn.Close()
}

// Forward hands a snapshot to the sending goroutine.
func (udp *UDPForwarder) Forward(newSnapshot *devdash.Snapshot, prevSnapshot *devdash.Snapshot) error {
	// copy: the broker reuses its snapshot on the next tick
	snapCopy := *newSnapshot
	select {
	case udp.fwdChan <- &snapCopy:
	default:
		// channel full, skip
	}
	return nil
}

// Start sends queued snapshots at most every 100ms until ctx is cancelled.
func (udp *UDPForwarder) Start(ctx context.Context) error {
	limiter := time.Tick(100 * time.Millisecond)
	for {
		<-limiter
		select {
		case snap := <-udp.fwdChan:
			if err := udp.forward(snap); err != nil {
				log.Error("unable to forward telemetry to server ", err)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (udp *UDPForwarder) forward(snap *devdash.Snapshot) error {
	buf := bytes.NewBuffer([]byte{})
	hdr := Header{
		Type: TypeTelemetry,
	}
	if err := binary.Write(buf, binary.LittleEndian, &hdr); err != nil {
		return errors.Wrap(err, "unable to write udp packet header")
	}
	wire := toWire(snap)
	if err := binary.Write(buf, binary.LittleEndian, &wire); err != nil {
		return errors.Wrap(err, "unable to write telemetry udp packet")
	}
	return binary.Write(udp.conn, binary.LittleEndian, buf.Bytes())
}

func toWire(snap *devdash.Snapshot) wireTelemetry {
	wire := wireTelemetry{
		Rpm:                  float32(snap.Rpm),
		ThrottlePosition:     float32(snap.ThrottlePosition),
		ManifoldPressure:     float32(snap.ManifoldPressure),
		CoolantTemperature:   float32(snap.CoolantTemperature),
		OilTemperature:       float32(snap.OilTemperature),
		IntakeAirTemperature: float32(snap.IntakeAirTemperature),
		OilPressure:          float32(snap.OilPressure),
		FuelPressure:         float32(snap.FuelPressure),
		FuelLevel:            float32(snap.FuelLevel),
		AirFuelRatio:         float32(snap.AirFuelRatio),
		BatteryVoltage:       float32(snap.BatteryVoltage),
		VehicleSpeed:         float32(snap.VehicleSpeed),
	}
	copy(wire.Gear[:], snap.Gear)
	if snap.Connected {
		wire.Connected = 1
	}
	return wire
}

func (udp *UDPForwarder) connect() error {
	writeBufSize := maxTelemetrySize * 2

	conn, err := net.Dial("udp", fmt.Sprintf("%s:%d",
		udp.Config.Server,
		udp.Config.Port))
	if err != nil {
		return err
	}
	udpConn := conn.(*net.UDPConn)
	if err = udpConn.SetWriteBuffer(writeBufSize); err != nil {
		return errors.Wrapf(err, "unable to set OS write buffer to %v", writeBufSize)
	}

	udp.conn = conn
	return nil
}
