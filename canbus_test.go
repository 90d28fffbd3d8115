package devdash

import (
	"context"
	"testing"
	"time"

	"github.com/devdash-project/devdash/channel"
	"github.com/devdash-project/devdash/haltech"
	"github.com/devdash-project/devdash/pd16"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

type canConnectionStub struct {
	startedChan chan struct{}
	stopChan    chan error
	closed      bool
	onState     func(connected bool)
}

func createCANConnectionStub() *canConnectionStub {
	return &canConnectionStub{
		startedChan: make(chan struct{}),
		stopChan:    make(chan error),
	}
}

func (s *canConnectionStub) Start(ctx context.Context) error {
	s.startedChan <- struct{}{}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-s.stopChan:
		return err
	}
}

func (s *canConnectionStub) Close() error {
	s.closed = true
	return nil
}

func (s *canConnectionStub) OnConnectionChange(fn func(connected bool)) {
	s.onState = fn
}

func TestCANSource(t *testing.T) {
	defer noDelays()()

	origCanConnect := canConnect
	defer func() {
		canConnect = origCanConnect
	}()

	stub := createCANConnectionStub()
	canConnect = func(ifaceName string, protocol *haltech.Protocol, devices []*pd16.Protocol, queue *channel.Queue) (CANConnection, error) {
		return stub, nil
	}

	queue := channel.NewQueue(0)
	source := NewCANSource("can0", nil, nil, queue)
	assert.Equal(t, "canbus", source.Name())

	var states []bool
	source.OnConnectionChange(func(connected bool) {
		states = append(states, connected)
	})

	assert.NoError(t, source.Start(context.Background()))
	<-stub.startedChan
	// the state callback was handed to the connection on open
	assert.NotNil(t, stub.onState)

	// a receive failure triggers close and reconnect
	stub.stopChan <- errors.New("fake error")
	<-stub.startedChan
	assert.True(t, stub.closed)

	assert.NoError(t, source.Close())
}

func TestCANSourceConnectRetry(t *testing.T) {
	defer noDelays()()

	origCanConnect := canConnect
	defer func() {
		canConnect = origCanConnect
	}()

	stub := createCANConnectionStub()
	attempts := 0
	canConnect = func(ifaceName string, protocol *haltech.Protocol, devices []*pd16.Protocol, queue *channel.Queue) (CANConnection, error) {
		attempts++
		if attempts < 3 {
			return nil, errors.New("interface down")
		}
		return stub, nil
	}

	source := NewCANSource("can0", nil, nil, channel.NewQueue(0))
	assert.NoError(t, source.Start(context.Background()))

	select {
	case <-stub.startedChan:
	case <-time.After(time.Second):
		t.Fatal("connection never started")
	}
	assert.Equal(t, 3, attempts)

	assert.NoError(t, source.Close())
}
