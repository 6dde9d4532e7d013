package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/streadway/amqp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/dispatch-engine/internal/model"
)

// syncQueue hands each message straight to the subscribers of its topic
// and reports the first handler error to the publisher.
type syncQueue struct {
	handlers map[string][]func(payload any) error
}

func (q *syncQueue) Subscribe(topic string, handler func(payload any) error) error {
	if q.handlers == nil {
		q.handlers = map[string][]func(payload any) error{}
	}
	q.handlers[topic] = append(q.handlers[topic], handler)
	return nil
}

func (q *syncQueue) Publish(topic string, payload any) error {
	for _, h := range q.handlers[topic] {
		if err := h(payload); err != nil {
			return err
		}
	}
	return nil
}

type fakeEventRepo struct {
	mu     sync.Mutex
	events []*model.Event
	err    error
}

func (f *fakeEventRepo) Create(ctx context.Context, e *model.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	e.ID = int64(len(f.events) + 1)
	f.events = append(f.events, e)
	return nil
}

func (f *fakeEventRepo) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

func (f *fakeEventRepo) GetByID(ctx context.Context, id int64) (*model.Event, error) {
	return nil, nil
}
func (f *fakeEventRepo) ListPending(ctx context.Context, limit int) ([]*model.Event, error) {
	return nil, nil
}
func (f *fakeEventRepo) List(ctx context.Context, status string, limit int) ([]*model.Event, error) {
	return nil, nil
}
func (f *fakeEventRepo) MarkDone(ctx context.Context, id int64) error                 { return nil }
func (f *fakeEventRepo) MarkError(ctx context.Context, id int64, message string) error { return nil }
func (f *fakeEventRepo) Requeue(ctx context.Context, id int64) error                   { return nil }

func TestEventIngestSubscriber_StoresEnvelopes(t *testing.T) {
	q := &syncQueue{}
	repo := &fakeEventRepo{}
	require.NoError(t, StartEventIngestSubscriber(context.Background(), q, "events", repo))

	require.NoError(t, q.Publish("events", model.EventEnvelope{
		EventKey: "lead.created",
		Payload:  json.RawMessage(`{"segment":"D0_D7"}`),
	}))
	require.NoError(t, q.Publish("events", []byte(`{"event_key":"sale.completed","payload":{"total":10}}`)))

	require.Equal(t, 2, repo.count())
	for _, e := range repo.events {
		assert.Equal(t, model.EventPending, e.Status)
	}
	assert.Equal(t, "lead.created", repo.events[0].EventKey)
	assert.Equal(t, "sale.completed", repo.events[1].EventKey)
}

func TestEventIngestSubscriber_DropsBadMessagesRetriesStorage(t *testing.T) {
	q := &syncQueue{}
	repo := &fakeEventRepo{}
	require.NoError(t, StartEventIngestSubscriber(context.Background(), q, "events", repo))

	assert.NoError(t, q.Publish("events", []byte(`{not json`)))
	assert.Equal(t, 0, repo.count())

	repo.err = errors.New("connection refused")
	assert.Error(t, q.Publish("events", []byte(`{"event_key":"lead.created"}`)))
}

func TestDecodeEnvelope_Rejects(t *testing.T) {
	for _, payload := range []any{
		[]byte(`{not json`),
		[]byte(`{"event_key":"  "}`),
		model.EventEnvelope{EventKey: "x", Payload: json.RawMessage(`{bad`)},
		(*model.EventEnvelope)(nil),
		42,
	} {
		_, err := decodeEnvelope(payload)
		assert.ErrorIs(t, err, errBadEnvelope, "payload %v", payload)
	}
}

func TestDecodeEnvelope_TrimsKey(t *testing.T) {
	env, err := decodeEnvelope(&model.EventEnvelope{EventKey: " lead.created "})
	require.NoError(t, err)
	assert.Equal(t, "lead.created", env.EventKey)
}

func TestRetryCount(t *testing.T) {
	assert.Equal(t, 0, retryCount(nil))
	assert.Equal(t, 0, retryCount(amqp.Table{retryHeader: "2"}))
	assert.Equal(t, 2, retryCount(amqp.Table{retryHeader: int32(2)}))
	assert.Equal(t, 3, retryCount(amqp.Table{retryHeader: int64(3)}))
}
