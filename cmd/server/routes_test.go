package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/dispatch-engine/internal/config"
	"github.com/unclebandit/dispatch-engine/internal/controller"
	"github.com/unclebandit/dispatch-engine/internal/handler"
	"github.com/unclebandit/dispatch-engine/internal/model"
	"github.com/unclebandit/dispatch-engine/internal/queue"
	"github.com/unclebandit/dispatch-engine/internal/service"
	"github.com/unclebandit/dispatch-engine/internal/whatsapp"
)

func testRouter(t *testing.T, q queue.Queue) (http.Handler, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	cfg := &config.Config{}
	cfg.WhatsApp.DefaultCountry = "55"
	cfg.Broker.EventsQueue = "automation_events"
	sender := whatsapp.NewClient(config.WhatsApp{BaseURL: "http://127.0.0.1:1", MaxRetries: 1}, &http.Client{Timeout: time.Second})
	svcs := service.NewServices(service.Deps{DB: db, Config: cfg, Sender: sender, Queue: q})

	return newRouter(routes{
		Campaigns:         &controller.CampaignController{CampaignService: svcs.Campaigns},
		Automation:        &controller.AutomationController{Events: svcs.Events, Rules: svcs.Rules, Jobs: svcs.Jobs},
		CampaignQueries:   &handler.CampaignHandler{Campaigns: svcs.Campaigns},
		AutomationQueries: &handler.AutomationHandler{Events: svcs.Events, Rules: svcs.Rules, Jobs: svcs.Jobs},
		DB:                db,
	}), mock
}

func serve(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(method, path, strings.NewReader(body)))
	return w
}

func TestHealthzPingsDatabase(t *testing.T) {
	h, mock := testRouter(t, nil)
	mock.ExpectPing()

	w := serve(h, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMetricsEndpoint(t *testing.T) {
	h, _ := testRouter(t, nil)
	w := serve(h, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

// brokerStub stands in for the AMQP queue and keeps what was published.
type brokerStub struct {
	topics   []string
	payloads []any
}

func (b *brokerStub) Publish(topic string, payload any) error {
	b.topics = append(b.topics, topic)
	b.payloads = append(b.payloads, payload)
	return nil
}

func (b *brokerStub) Subscribe(topic string, handler func(payload any) error) error { return nil }

func TestEmitThroughQueue(t *testing.T) {
	q := &brokerStub{}
	h, mock := testRouter(t, q)

	w := serve(h, http.MethodPost, "/events", `{"event_key": "lead.created", "payload": {"source": "ads"}}`)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	require.Len(t, q.payloads, 1)
	assert.Equal(t, []string{"automation_events"}, q.topics)
	env, ok := q.payloads[0].(model.EventEnvelope)
	require.True(t, ok)
	assert.Equal(t, "lead.created", env.EventKey)
	assert.JSONEq(t, `{"source": "ads"}`, string(env.Payload))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestValidationNeverReachesDatabase(t *testing.T) {
	h, mock := testRouter(t, nil)

	cases := []struct {
		method, path, body string
		want               int
	}{
		{http.MethodPost, "/campaigns", `{"name": "x", "message": "y", "recipients": ["12"]}`, http.StatusBadRequest},
		{http.MethodPost, "/campaigns", `{"name": "x"}`, http.StatusBadRequest},
		{http.MethodPost, "/rules", `{"name": "r", "event_key": "k", "action_type": "fax"}`, http.StatusBadRequest},
		{http.MethodPost, "/rules", `{"name": "r", "event_key": "k", "action_type": "log_only", "conditions": {"logical": "XOR"}}`, http.StatusBadRequest},
		{http.MethodPost, "/jobs", `{"job_type": "unknown"}`, http.StatusBadRequest},
		{http.MethodPost, "/events", `{"payload": {}}`, http.StatusBadRequest},
		{http.MethodGet, "/events?status=archived", "", http.StatusBadRequest},
		{http.MethodGet, "/jobs/abc", "", http.StatusBadRequest},
		{http.MethodDelete, "/campaigns/1", "", http.StatusMethodNotAllowed},
		{http.MethodGet, "/nope", "", http.StatusNotFound},
	}
	for _, tc := range cases {
		w := serve(h, tc.method, tc.path, tc.body)
		assert.Equal(t, tc.want, w.Code, "%s %s: %s", tc.method, tc.path, w.Body.String())
	}

	w := serve(h, http.MethodPost, "/campaigns", `{"name": "x", "message": "y", "recipients": ["12", "5511987654321"]}`)
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	assert.Equal(t, []any{"12"}, out["invalid_numbers"])

	assert.NoError(t, mock.ExpectationsWereMet())
}
