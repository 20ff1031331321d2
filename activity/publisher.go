package activity

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// Publisher fans events out to subscribers outside the process.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// NATSPublisher publishes each event as JSON on <prefix>.<type>.
type NATSPublisher struct {
	nc     *nats.Conn
	prefix string
}

func NewNATSPublisher(nc *nats.Conn, prefix string) *NATSPublisher {
	prefix = strings.Trim(prefix, ".")
	if prefix == "" {
		prefix = "brokerhub"
	}
	return &NATSPublisher{nc: nc, prefix: prefix}
}

// Subject returns the subject an event of the given type is published on.
func (p *NATSPublisher) Subject(t Type) string {
	return p.prefix + "." + string(t)
}

func (p *NATSPublisher) Publish(_ context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("activity: marshal event: %w", err)
	}
	if err := p.nc.Publish(p.Subject(event.Type), data); err != nil {
		return fmt.Errorf("activity: publish %s: %w", event.Type, err)
	}
	return nil
}

// Recorder stamps events, appends them to the log and then publishes them.
// A publish failure is logged and otherwise ignored; the log is the record.
type Recorder struct {
	log       Log
	publisher Publisher
	newID     func() string
	now       func() time.Time
}

// NewRecorder builds a Recorder. publisher may be nil.
func NewRecorder(l Log, publisher Publisher) *Recorder {
	return &Recorder{
		log:       l,
		publisher: publisher,
		newID:     uuid.NewString,
		now:       time.Now,
	}
}

func (r *Recorder) WithClock(now func() time.Time) *Recorder {
	r.now = now
	return r
}

func (r *Recorder) WithIDGenerator(gen func() string) *Recorder {
	r.newID = gen
	return r
}

// Record appends the event. ID and CreatedAt are filled when empty.
func (r *Recorder) Record(ctx context.Context, event Event) error {
	if event.Type == "" {
		return fmt.Errorf("activity: event type required")
	}
	if event.ID == "" {
		event.ID = r.newID()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = r.now().UTC()
	}

	if err := r.log.Append(ctx, event); err != nil {
		return err
	}

	if r.publisher != nil {
		if err := r.publisher.Publish(ctx, event); err != nil {
			log.Warn().Err(err).Str("event_id", event.ID).Str("type", string(event.Type)).Msg("activity publish failed")
		}
	}
	return nil
}

// Log exposes the underlying event log for readers.
func (r *Recorder) Log() Log {
	return r.log
}
