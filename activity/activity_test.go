package activity

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

type fakePublisher struct {
	events []Event
	err    error
}

func (p *fakePublisher) Publish(_ context.Context, event Event) error {
	p.events = append(p.events, event)
	return p.err
}

func TestRecorderStampsAndPublishes(t *testing.T) {
	ctx := context.Background()
	fixed := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	l := NewMemoryLog()
	pub := &fakePublisher{}
	rec := NewRecorder(l, pub).
		WithClock(func() time.Time { return fixed }).
		WithIDGenerator(func() string { return "evt-1" })

	if err := rec.Record(ctx, Event{CompanyID: "AO-FBB-2024001", Type: TypeBrokerageRegistered, Description: "registered"}); err != nil {
		t.Fatalf("record: %v", err)
	}

	got, err := l.ListByCompany(ctx, "AO-FBB-2024001", 5)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 event, got %d", len(got))
	}
	if got[0].ID != "evt-1" || !got[0].CreatedAt.Equal(fixed) {
		t.Fatalf("event not stamped: %+v", got[0])
	}
	if len(pub.events) != 1 || pub.events[0].ID != "evt-1" {
		t.Fatalf("expected published event, got %+v", pub.events)
	}
}

func TestRecorderIgnoresPublishFailure(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLog()
	rec := NewRecorder(l, &fakePublisher{err: errors.New("nats down")})

	if err := rec.Record(ctx, Event{AgentID: "a1", Type: TypeAgentStatusToggled}); err != nil {
		t.Fatalf("publish failure should not surface: %v", err)
	}
	got, _ := l.ListByAgent(ctx, "a1", 0)
	if len(got) != 1 {
		t.Fatalf("event should still be logged, got %d", len(got))
	}
}

func TestRecorderRequiresType(t *testing.T) {
	rec := NewRecorder(NewMemoryLog(), nil)
	if err := rec.Record(context.Background(), Event{CompanyID: "c"}); err == nil {
		t.Fatalf("expected error for untyped event")
	}
}

func TestMemoryLogNewestFirstAndLimited(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLog()
	for i := 0; i < 30; i++ {
		company := "c1"
		if i%2 == 1 {
			company = "c2"
		}
		if err := l.Append(ctx, Event{ID: fmt.Sprintf("e%02d", i), CompanyID: company, Type: TypeAgentLoadRecorded}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	got, _ := l.ListByCompany(ctx, "c1", 3)
	want := []string{"e28", "e26", "e24"}
	if len(got) != len(want) {
		t.Fatalf("expected %d events, got %d", len(want), len(got))
	}
	for i, id := range want {
		if got[i].ID != id {
			t.Fatalf("position %d: expected %s, got %s", i, id, got[i].ID)
		}
	}

	all, _ := l.ListByCompany(ctx, "c2", 0)
	if len(all) != defaultListLimit {
		t.Fatalf("default limit: expected %d, got %d", defaultListLimit, len(all))
	}
}

func TestNATSPublisherSubject(t *testing.T) {
	p := NewNATSPublisher(nil, "hub.")
	if got := p.Subject(TypeAgentRegistered); got != "hub.agent.registered" {
		t.Fatalf("unexpected subject %q", got)
	}
	if got := NewNATSPublisher(nil, "").Subject(TypeSessionLogin); got != "brokerhub.session.login" {
		t.Fatalf("unexpected default subject %q", got)
	}
}
