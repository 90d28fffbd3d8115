package devdash

import (
	"context"

	"github.com/devdash-project/devdash/channel"
	"github.com/devdash-project/devdash/haltech"
	"github.com/devdash-project/devdash/pd16"
	log "github.com/sirupsen/logrus"
)

// to allow testing
var canConnect = func(ifaceName string, protocol *haltech.Protocol, devices []*pd16.Protocol, queue *channel.Queue) (CANConnection, error) {
	return haltech.Connect(ifaceName, protocol, devices, queue)
}

// CANConnection is the haltech.Connection surface the source needs.
type CANConnection interface {
	Start(ctx context.Context) error
	Close() error
	OnConnectionChange(func(connected bool))
}

// CANSource is the broker-facing adapter for a Haltech CAN bus. It owns
// the reconnect loop around a haltech.Connection and reports liveness to
// the broker.
type CANSource struct {
	conn   canConn
	cancel context.CancelFunc
}

// canConn is the Retryable connection cycle: one haltech.Connection per
// Open/Run/Close round.
type canConn struct {
	ifaceName string
	protocol  *haltech.Protocol
	devices   []*pd16.Protocol
	queue     *channel.Queue
	onState   func(connected bool)

	c CANConnection
}

// NewCANSource builds a source for the named interface, decoding with the
// broadcast protocol and any configured PD16 devices, enqueuing into queue.
func NewCANSource(ifaceName string, protocol *haltech.Protocol, devices []*pd16.Protocol, queue *channel.Queue) *CANSource {
	return &CANSource{
		conn: canConn{
			ifaceName: ifaceName,
			protocol:  protocol,
			devices:   devices,
			queue:     queue,
		},
	}
}

func (s *CANSource) Name() string {
	return "canbus"
}

func (s *CANSource) OnConnectionChange(fn func(connected bool)) {
	s.conn.onState = fn
}

// Start spawns the supervised receive loop and returns immediately.
func (s *CANSource) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	go func() {
		if err := retry(ctx, &s.conn); err != nil {
			log.Errorf("canbus done: %v", err)
		}
	}()
	return nil
}

// Close stops the reconnect loop. Cancellation reaches the live connection
// through its context, so the loop winds down without racing a direct close.
func (s *CANSource) Close() error {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	return nil
}

func (c *canConn) Name() string {
	return "canbus"
}

func (c *canConn) Open() error {
	conn, err := canConnect(c.ifaceName, c.protocol, c.devices, c.queue)
	if err != nil {
		return err
	}
	if c.onState != nil {
		conn.OnConnectionChange(c.onState)
	}
	c.c = conn
	return nil
}

func (c *canConn) Run(ctx context.Context) error {
	return c.c.Start(ctx)
}

func (c *canConn) Close() error {
	if c.c == nil {
		return nil
	}
	err := c.c.Close()
	c.c = nil
	return err
}
