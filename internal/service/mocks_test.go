package service_test

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/lib/pq"

	appErrors "github.com/unclebandit/dispatch-engine/internal/errors"
	"github.com/unclebandit/dispatch-engine/internal/model"
	"github.com/unclebandit/dispatch-engine/internal/whatsapp"
)

// MockEventRepo keeps events in memory with the same CAS rules as the
// SQL repository.
type MockEventRepo struct {
	mu     sync.Mutex
	events map[int64]*model.Event
	nextID int64
}

func NewMockEventRepo() *MockEventRepo {
	return &MockEventRepo{events: map[int64]*model.Event{}}
}

func (m *MockEventRepo) Create(ctx context.Context, e *model.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	e.ID = m.nextID
	if e.Status == "" {
		e.Status = model.EventPending
	}
	e.CreatedAt = time.Now()
	cp := *e
	m.events[e.ID] = &cp
	return nil
}

func (m *MockEventRepo) GetByID(ctx context.Context, id int64) (*model.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[id]
	if !ok {
		return nil, appErrors.NewEventNotFound(id)
	}
	cp := *e
	return &cp, nil
}

func (m *MockEventRepo) ListPending(ctx context.Context, limit int) ([]*model.Event, error) {
	return m.List(ctx, model.EventPending, limit)
}

func (m *MockEventRepo) List(ctx context.Context, status string, limit int) ([]*model.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Event
	for _, id := range sortedIDs(m.events) {
		e := m.events[id]
		if status != "" && e.Status != status {
			continue
		}
		cp := *e
		out = append(out, &cp)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *MockEventRepo) MarkDone(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.events[id]; ok && e.Status == model.EventPending {
		now := time.Now()
		e.Status, e.ProcessedAt = model.EventDone, &now
	}
	return nil
}

func (m *MockEventRepo) MarkError(ctx context.Context, id int64, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.events[id]; ok && e.Status == model.EventPending {
		now := time.Now()
		e.Status, e.ErrorMessage, e.ProcessedAt = model.EventError, message, &now
	}
	return nil
}

func (m *MockEventRepo) Requeue(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[id]
	if !ok {
		return appErrors.NewEventNotFound(id)
	}
	if e.Status != model.EventError {
		return appErrors.ErrInvalidTransition
	}
	e.Status, e.ErrorMessage, e.ProcessedAt = model.EventPending, "", nil
	return nil
}

type MockRuleRepo struct {
	mu    sync.Mutex
	rules []*model.Rule
	loads int
}

func (m *MockRuleRepo) Create(ctx context.Context, rule *model.Rule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rule.ID = int64(len(m.rules) + 1)
	cp := *rule
	m.rules = append(m.rules, &cp)
	return nil
}

func (m *MockRuleRepo) List(ctx context.Context) ([]*model.Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*model.Rule(nil), m.rules...), nil
}

func (m *MockRuleRepo) ListActiveByEventKey(ctx context.Context, eventKey string) ([]model.Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loads++
	var out []model.Rule
	for _, r := range m.rules {
		if r.Active && r.EventKey == eventKey {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (m *MockRuleRepo) SetActive(ctx context.Context, id int64, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rules {
		if r.ID == id {
			r.Active = active
			return nil
		}
	}
	return appErrors.NewRuleNotFound(id)
}

type MockJobRepo struct {
	mu     sync.Mutex
	jobs   map[int64]*model.Job
	logs   []model.JobLog
	nextID int64
}

func NewMockJobRepo() *MockJobRepo {
	return &MockJobRepo{jobs: map[int64]*model.Job{}}
}

func (m *MockJobRepo) Create(ctx context.Context, job *model.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	job.ID = m.nextID
	if job.Status == "" {
		job.Status = model.JobPending
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = model.DefaultMaxAttempts
	}
	cp := *job
	m.jobs[job.ID] = &cp
	return nil
}

func (m *MockJobRepo) GetByID(ctx context.Context, id int64) (*model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, appErrors.NewJobNotFound(id)
	}
	cp := *j
	return &cp, nil
}

func (m *MockJobRepo) ListDue(ctx context.Context, now time.Time, limit int) ([]*model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Job
	for _, id := range sortedIDs(m.jobs) {
		j := m.jobs[id]
		if j.Status != model.JobPending || j.Attempts >= j.MaxAttempts {
			continue
		}
		if j.ScheduledFor != nil && j.ScheduledFor.After(now) {
			continue
		}
		cp := *j
		out = append(out, &cp)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *MockJobRepo) MarkDone(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j, ok := m.jobs[id]; ok && j.Status == model.JobPending {
		j.Status, j.Attempts, j.LastError = model.JobDone, j.Attempts+1, ""
	}
	return nil
}

func (m *MockJobRepo) RecordFailure(ctx context.Context, id int64, attempts int, status, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j, ok := m.jobs[id]; ok {
		j.Attempts, j.Status, j.LastError = attempts, status, lastError
	}
	return nil
}

func (m *MockJobRepo) Reset(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return appErrors.NewJobNotFound(id)
	}
	if j.Status != model.JobFailed {
		return appErrors.ErrInvalidTransition
	}
	j.Status, j.Attempts, j.LastError = model.JobPending, 0, ""
	return nil
}

func (m *MockJobRepo) AppendLog(ctx context.Context, entry *model.JobLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry.ID = int64(len(m.logs) + 1)
	m.logs = append(m.logs, *entry)
	return nil
}

func (m *MockJobRepo) ListLogs(ctx context.Context, jobID int64) ([]model.JobLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.JobLog
	for _, l := range m.logs {
		if l.JobID == jobID {
			out = append(out, l)
		}
	}
	return out, nil
}

// MockCampaignRepo models campaigns, their items and the delivery log.
type MockCampaignRepo struct {
	mu        sync.Mutex
	campaigns map[int64]*model.Campaign
	items     map[int64]*model.Recipient
	delivered map[[2]int64]bool
	nextID    int64
	nextItem  int64

	// Queued errors returned, one per call, before any state changes.
	successErrs []error
	markErrs    []error
}

func NewMockCampaignRepo() *MockCampaignRepo {
	return &MockCampaignRepo{
		campaigns: map[int64]*model.Campaign{},
		items:     map[int64]*model.Recipient{},
		delivered: map[[2]int64]bool{},
	}
}

func (m *MockCampaignRepo) CreateWithItems(ctx context.Context, c *model.Campaign, items []*model.Recipient) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.ExternalRef != "" {
		for _, existing := range m.campaigns {
			if existing.ExternalRef == c.ExternalRef {
				return &pq.Error{Code: "23505", Message: "duplicate key value violates unique constraint"}
			}
		}
	}
	m.nextID++
	c.ID = m.nextID
	c.Status = model.CampaignQueued
	c.Total = len(items)
	c.CreatedAt = time.Now()
	cp := *c
	m.campaigns[c.ID] = &cp
	for _, it := range items {
		m.nextItem++
		it.ID = m.nextItem
		it.CampaignID = c.ID
		it.Status = model.RecipientPending
		icp := *it
		m.items[it.ID] = &icp
	}
	return nil
}

func (m *MockCampaignRepo) GetByID(ctx context.Context, id int64) (*model.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return nil, appErrors.NewCampaignNotFound(id)
	}
	cp := *c
	return &cp, nil
}

func (m *MockCampaignRepo) GetByExternalRef(ctx context.Context, ref string) (*model.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.campaigns {
		if c.ExternalRef == ref {
			cp := *c
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *MockCampaignRepo) ListCampaigns(ctx context.Context, offset, limit int, status string) ([]*model.Campaign, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := sortedIDs(m.campaigns)
	var all []*model.Campaign
	for i := len(ids) - 1; i >= 0; i-- {
		c := m.campaigns[ids[i]]
		if status != "" && c.Status != status {
			continue
		}
		cp := *c
		all = append(all, &cp)
	}
	if offset >= len(all) {
		return []*model.Campaign{}, len(all), nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], len(all), nil
}

func (m *MockCampaignRepo) ListEligible(ctx context.Context, now time.Time, limit int) ([]*model.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Campaign
	for _, id := range sortedIDs(m.campaigns) {
		c := m.campaigns[id]
		due := c.ScheduledFor == nil || !c.ScheduledFor.After(now)
		if c.Status == model.CampaignRunning || (c.Status == model.CampaignQueued && due) {
			cp := *c
			out = append(out, &cp)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *MockCampaignRepo) TransitionStatus(ctx context.Context, id int64, to string, from ...string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return false, nil
	}
	for _, f := range from {
		if c.Status == f {
			c.Status = to
			return true, nil
		}
	}
	return false, nil
}

func (m *MockCampaignRepo) MarkRunning(ctx context.Context, id int64, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok || c.Status != model.CampaignQueued {
		return false, nil
	}
	c.Status = model.CampaignRunning
	if c.StartedAt == nil {
		c.StartedAt = &now
	}
	return true, nil
}

func (m *MockCampaignRepo) MarkFinished(ctx context.Context, id int64, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok || c.Status != model.CampaignRunning {
		return false, nil
	}
	c.Status, c.FinishedAt = model.CampaignFinished, &now
	return true, nil
}

func (m *MockCampaignRepo) RetryFailed(ctx context.Context, id int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return 0, appErrors.NewCampaignNotFound(id)
	}
	n := 0
	for _, it := range m.items {
		if it.CampaignID == id && it.Status == model.RecipientFailed {
			it.Status, it.LastError = model.RecipientPending, ""
			n++
		}
	}
	c.FailureCount, c.Status, c.FinishedAt = 0, model.CampaignQueued, nil
	return n, nil
}

func (m *MockCampaignRepo) GetCampaignStats(ctx context.Context, id int64) (map[string]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := map[string]int{"total": 0, "pending": 0, "sent": 0, "failed": 0}
	for _, it := range m.items {
		if it.CampaignID == id {
			stats["total"]++
			stats[it.Status]++
		}
	}
	return stats, nil
}

func (m *MockCampaignRepo) ListPendingItems(ctx context.Context, campaignID int64, limit int) ([]*model.Recipient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Recipient
	for _, id := range sortedIDs(m.items) {
		it := m.items[id]
		if it.CampaignID == campaignID && it.Status == model.RecipientPending {
			cp := *it
			out = append(out, &cp)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *MockCampaignRepo) CountPendingItems(ctx context.Context, campaignID int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, it := range m.items {
		if it.CampaignID == campaignID && it.Status == model.RecipientPending {
			n++
		}
	}
	return n, nil
}

func (m *MockCampaignRepo) IsDelivered(ctx context.Context, campaignID, itemID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.delivered[[2]int64{campaignID, itemID}], nil
}

func (m *MockCampaignRepo) MarkItemDelivered(ctx context.Context, itemID int64, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := popErr(&m.markErrs); err != nil {
		return err
	}
	if it, ok := m.items[itemID]; ok {
		it.Status, it.SentAt = model.RecipientSent, &now
	}
	return nil
}

func (m *MockCampaignRepo) RecordSuccess(ctx context.Context, item *model.Recipient, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := popErr(&m.successErrs); err != nil {
		return err
	}
	key := [2]int64{item.CampaignID, item.ID}
	if m.delivered[key] {
		return appErrors.ErrAlreadyDelivered
	}
	m.delivered[key] = true
	it := m.items[item.ID]
	it.Status, it.Attempts, it.LastError, it.SentAt = model.RecipientSent, it.Attempts+1, "", &now
	m.campaigns[item.CampaignID].SuccessCount++
	return nil
}

func (m *MockCampaignRepo) RecordFailure(ctx context.Context, item *model.Recipient, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	it := m.items[item.ID]
	it.Status, it.Attempts, it.LastError = model.RecipientFailed, it.Attempts+1, lastError
	m.campaigns[item.CampaignID].FailureCount++
	return nil
}

func popErr(queue *[]error) error {
	if len(*queue) == 0 {
		return nil
	}
	err := (*queue)[0]
	*queue = (*queue)[1:]
	return err
}

// markLogged simulates a crash between the delivery log insert and the
// item update.
func (m *MockCampaignRepo) markLogged(campaignID, itemID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delivered[[2]int64{campaignID, itemID}] = true
}

func (m *MockCampaignRepo) item(id int64) model.Recipient {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.items[id]
}

func (m *MockCampaignRepo) itemIDs(campaignID int64) []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []int64
	for _, id := range sortedIDs(m.items) {
		if m.items[id].CampaignID == campaignID {
			out = append(out, id)
		}
	}
	return out
}

// MockSender records every message and fails the ones listed in failTo.
type MockSender struct {
	mu     sync.Mutex
	sent   []whatsapp.Message
	failTo map[string]error
}

func (s *MockSender) Send(ctx context.Context, msg whatsapp.Message) (*whatsapp.SendResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, msg)
	if err, ok := s.failTo[msg.To]; ok {
		return nil, err
	}
	return &whatsapp.SendResult{Success: true, ProviderStatus: 200, ProviderMessageID: "wamid.test"}, nil
}

func (s *MockSender) calls() []whatsapp.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]whatsapp.Message(nil), s.sent...)
}

// MockAudit collects audit records.
type MockAudit struct {
	mu      sync.Mutex
	records []string
}

func (a *MockAudit) Record(channel, event string, fields map[string]any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, channel+"/"+event)
}

func (a *MockAudit) events() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.records...)
}

var errBoom = errors.New("boom")

func sortedIDs[T any](m map[int64]T) []int64 {
	ids := make([]int64, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func intPtr(v int) *int { return &v }
