package devdash

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

var retrySleep = time.Second

// Retryable is a connection-oriented source driven by the retry loop:
// opened, run until failure, closed, reopened.
type Retryable interface {
	Open() error
	Close() error
	Run(ctx context.Context) error
	Name() string
}

// retry keeps a source alive until the context is cancelled, reconnecting
// with a fixed sleep after each failure.
func retry(ctx context.Context, r Retryable) error {
	errStarting := errors.New("starting")
	err := errStarting
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err != nil {
			if err != errStarting {
				log.WithField("err", err).Errorf("%s: reconnecting due to error", r.Name())
				if err = r.Close(); err != nil {
					log.WithField("err", err).Warnf("%s: unable to close", r.Name())
				}
				time.Sleep(retrySleep)
			}
			err = r.Open()
			if err != nil {
				continue
			}
		}
		err = r.Run(ctx)
	}
}
