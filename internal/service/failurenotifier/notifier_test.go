package failurenotifier

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/papervoice/papervoice/internal/observability/notify"
)

type capturingSink struct {
	mu       sync.Mutex
	payloads []notify.JobFailurePayload
	err      error
}

func (s *capturingSink) SendJobFailure(_ context.Context, payload notify.JobFailurePayload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payloads = append(s.payloads, payload)
	return s.err
}

func (s *capturingSink) received() []notify.JobFailurePayload {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]notify.JobFailurePayload, len(s.payloads))
	copy(out, s.payloads)
	return out
}

func TestNewService_DropsNilSinks(t *testing.T) {
	svc := NewService(Options{
		Sinks: []SinkRegistration{
			{Name: "slack", Sink: &capturingSink{}},
			{Name: "broken", Sink: nil},
		},
	})

	assert.True(t, svc.Enabled())
	assert.Len(t, svc.sinks, 1)
}

func TestService_Enabled(t *testing.T) {
	assert.False(t, NewService(Options{}).Enabled())
	assert.True(t, NewService(Options{
		Sinks: []SinkRegistration{{Name: "slack", Sink: &capturingSink{}}},
	}).Enabled())
}

func TestNotifyJobFailure_FansOutToAllSinks(t *testing.T) {
	first := &capturingSink{}
	second := &capturingSink{}
	svc := NewService(Options{
		Sinks: []SinkRegistration{
			{Name: "first", Sink: first},
			{Name: "second", Sink: second},
		},
	})

	svc.NotifyJobFailure(context.Background(), notify.JobFailurePayload{
		JobID: "job-1",
		Error: "boom",
	})

	assert.Len(t, first.received(), 1)
	assert.Len(t, second.received(), 1)
}

func TestNotifyJobFailure_DefaultsSeverity(t *testing.T) {
	sink := &capturingSink{}
	svc := NewService(Options{Sinks: []SinkRegistration{{Name: "slack", Sink: sink}}})

	svc.NotifyJobFailure(context.Background(), notify.JobFailurePayload{JobID: "job-1"})

	payloads := sink.received()
	assert.Len(t, payloads, 1)
	assert.Equal(t, notify.SeverityCritical, payloads[0].Severity)
}

func TestNotifyJobFailure_SinkErrorDoesNotBlockOthers(t *testing.T) {
	failing := &capturingSink{err: errors.New("webhook down")}
	healthy := &capturingSink{}
	svc := NewService(Options{
		Sinks: []SinkRegistration{
			{Name: "failing", Sink: failing},
			{Name: "healthy", Sink: healthy},
		},
	})

	// Must not panic or propagate the sink error.
	svc.NotifyJobFailure(context.Background(), notify.JobFailurePayload{JobID: "job-1"})

	assert.Len(t, failing.received(), 1)
	assert.Len(t, healthy.received(), 1)
}

func TestNotifyJobFailure_NoSinksIsNoop(t *testing.T) {
	svc := NewService(Options{})
	svc.NotifyJobFailure(context.Background(), notify.JobFailurePayload{JobID: "job-1"})
}
