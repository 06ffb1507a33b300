// Package stream publishes settlement events over NATS so keepers and
// indexers can react without polling.
package stream

import (
	"encoding/json"
	"time"

	"github.com/luxfi/log"
	"github.com/nats-io/nats.go"

	"github.com/dexlynlabs/perpcore/pkg/perp"
)

// SubjectPrefix is the root of every published subject; the event kind is
// appended, e.g. perp.events.position_changed.
const SubjectPrefix = "perp.events."

// conn is the slice of *nats.Conn the publisher needs.
type conn interface {
	Publish(subject string, data []byte) error
}

// Publisher fans settlement events out to NATS subjects keyed by event kind.
// It implements perp.EventSink. Publish failures are logged and dropped; the
// stream is a best-effort side channel, not part of settlement.
type Publisher struct {
	nc     conn
	logger log.Logger
}

// Connect dials NATS and returns a publisher over the connection.
func Connect(url string, logger log.Logger) (*Publisher, *nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, nil, err
	}
	return NewPublisher(nc, logger), nc, nil
}

// NewPublisher wraps an existing connection.
func NewPublisher(nc conn, logger log.Logger) *Publisher {
	if logger == nil {
		logger = log.Root().New("module", "stream")
	}
	return &Publisher{nc: nc, logger: logger}
}

// Emit publishes one event to its kind-specific subject.
func (p *Publisher) Emit(ev perp.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		p.logger.Error("stream: marshal event", "kind", ev.Kind(), "err", err)
		return
	}
	if err := p.nc.Publish(SubjectPrefix+ev.Kind(), data); err != nil {
		p.logger.Error("stream: publish", "kind", ev.Kind(), "err", err)
	}
}
