package helpers

import (
	"encoding/json"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
)

// NatsPublish marshals payload as JSON and publishes it on subject. A nil
// connection is a no-op: event publication is best-effort and callers must
// not have to care whether the embedded broker is up.
func NatsPublish(nc *nats.Conn, subject string, payload any) error {
	if nc == nil {
		return nil
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "failed to marshal event payload")
	}
	return errors.Wrapf(nc.Publish(subject, payloadJSON), "failed to publish on %s", subject)
}
