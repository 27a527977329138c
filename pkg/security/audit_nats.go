package security

import (
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
)

const DefaultAuditSubject = "triageflow.audit.threats"

// DialNATSSink connects to a NATS server and returns a sink publishing threat
// events on subject. The returned close function flushes the sink and drains
// the connection.
func DialNATSSink(url, subject string, buffer int, onError func(error)) (*AsyncSink, func() error, error) {
	if subject == "" {
		subject = DefaultAuditSubject
	}
	nc, err := nats.Connect(url,
		nats.Name("triageflow-audit"),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "connect to nats at %s", url)
	}
	sink := NewPublisherSink(nc, subject, buffer, onError)
	closeFn := func() error {
		_ = sink.Close()
		return nc.Drain()
	}
	return sink, closeFn, nil
}
