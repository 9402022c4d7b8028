package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// Memory is an in-process Store for tests and dry runs.
type Memory struct {
	clock clockwork.Clock

	mu        sync.Mutex
	lists     map[uuid.UUID]DistributionList
	payments  map[uuid.UUID][]*Payment
	envelopes map[uuid.UUID][]*Envelope
	byID      map[int64]*Envelope
	nextPay   int64
	nextEnv   int64
}

func NewMemory(clock clockwork.Clock) *Memory {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Memory{
		clock:     clock,
		lists:     make(map[uuid.UUID]DistributionList),
		payments:  make(map[uuid.UUID][]*Payment),
		envelopes: make(map[uuid.UUID][]*Envelope),
		byID:      make(map[int64]*Envelope),
	}
}

func (m *Memory) CreateList(_ context.Context, list DistributionList, payments []NewPayment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.lists[list.ID]; ok {
		return fmt.Errorf("list %s already exists", list.ID)
	}
	for _, p := range payments {
		if p.Amount.IsNegative() {
			return fmt.Errorf("negative payment to %s", p.AccountID)
		}
	}
	if list.CreatedAt.IsZero() {
		list.CreatedAt = m.clock.Now().UTC()
	}
	m.lists[list.ID] = list
	rows := make([]*Payment, 0, len(payments))
	for _, p := range payments {
		m.nextPay++
		rows = append(rows, &Payment{
			ID:         m.nextPay,
			ListID:     list.ID,
			AccountID:  p.AccountID,
			Amount:     p.Amount,
			Redirected: p.Redirected,
		})
	}
	m.payments[list.ID] = rows
	return nil
}

func (m *Memory) GetList(_ context.Context, id uuid.UUID) (DistributionList, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.lists[id]
	if !ok {
		return DistributionList{}, ErrNotFound
	}
	return l, nil
}

func (m *Memory) Lists(_ context.Context, limit int) ([]DistributionList, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]DistributionList, 0, len(m.lists))
	for _, l := range m.lists {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) Payments(_ context.Context, listID uuid.UUID, filter PaymentFilter) ([]Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.lists[listID]; !ok {
		return nil, ErrNotFound
	}
	var out []Payment
	for _, p := range m.payments[listID] {
		if filter.Packed != nil && p.Packed != *filter.Packed {
			continue
		}
		out = append(out, copyPayment(p))
	}
	return out, nil
}

func (m *Memory) Envelopes(_ context.Context, listID uuid.UUID, filter EnvelopeFilter) ([]Envelope, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.lists[listID]; !ok {
		return nil, ErrNotFound
	}
	var out []Envelope
	for _, e := range m.envelopes[listID] {
		if filter.Sent != nil && e.Sent != *filter.Sent {
			continue
		}
		out = append(out, copyEnvelope(e))
	}
	return out, nil
}

func (m *Memory) CountUnpacked(_ context.Context, listID uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.lists[listID]; !ok {
		return 0, ErrNotFound
	}
	return m.countUnpacked(listID), nil
}

func (m *Memory) countUnpacked(listID uuid.UUID) int {
	n := 0
	for _, p := range m.payments[listID] {
		if !p.Packed {
			n++
		}
	}
	return n
}

func (m *Memory) PackChunk(_ context.Context, listID uuid.UUID, limit int, build BuildFunc) (PackResult, error) {
	if limit < 1 {
		return PackResult{}, fmt.Errorf("invalid chunk limit %d", limit)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.lists[listID]; !ok {
		return PackResult{}, ErrNotFound
	}

	var chunk []*Payment
	for _, p := range m.payments[listID] {
		if len(chunk) == limit {
			break
		}
		if !p.Packed {
			chunk = append(chunk, p)
		}
	}
	if len(chunk) == 0 {
		return PackResult{}, nil
	}

	view := make([]Payment, len(chunk))
	for i, p := range chunk {
		view[i] = copyPayment(p)
	}
	built, err := build(view)
	if err != nil {
		return PackResult{}, err
	}

	res := PackResult{Packed: len(chunk)}
	var envID *int64
	if built.Payload != nil {
		e := m.insertEnvelope(listID, built)
		envID = &e.ID
		c := copyEnvelope(e)
		res.Envelope = &c
	}
	for _, p := range chunk {
		p.Packed = true
		if envID != nil {
			id := *envID
			p.EnvelopeID = &id
		}
	}
	res.Remaining = m.countUnpacked(listID)
	return res, nil
}

func (m *Memory) AddEnvelope(_ context.Context, listID uuid.UUID, built Built) (Envelope, error) {
	if built.Payload == nil {
		return Envelope{}, fmt.Errorf("empty envelope payload")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.lists[listID]; !ok {
		return Envelope{}, ErrNotFound
	}
	return copyEnvelope(m.insertEnvelope(listID, built)), nil
}

func (m *Memory) insertEnvelope(listID uuid.UUID, built Built) *Envelope {
	m.nextEnv++
	e := &Envelope{
		ID:         m.nextEnv,
		ListID:     listID,
		Seq:        len(m.envelopes[listID]) + 1,
		Payload:    append([]byte(nil), built.Payload...),
		Operations: built.Operations,
		CreatedAt:  m.clock.Now().UTC(),
	}
	m.envelopes[listID] = append(m.envelopes[listID], e)
	m.byID[e.ID] = e
	return e
}

func (m *Memory) SaveAttempt(_ context.Context, envelopeID int64, payload []byte, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.byID[envelopeID]
	if !ok {
		return ErrNotFound
	}
	if e.Sent {
		return ErrAlreadySent
	}
	e.LastAttempt = append([]byte(nil), payload...)
	e.LastAttemptHash = hash
	return nil
}

func (m *Memory) MarkSent(_ context.Context, envelopeID int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.byID[envelopeID]
	if !ok {
		return ErrNotFound
	}
	if e.Sent {
		return nil
	}
	e.Sent = true
	t := at.UTC()
	e.SentAt = &t
	return nil
}

func copyPayment(p *Payment) Payment {
	c := *p
	if p.EnvelopeID != nil {
		id := *p.EnvelopeID
		c.EnvelopeID = &id
	}
	return c
}

func copyEnvelope(e *Envelope) Envelope {
	c := *e
	c.Payload = append([]byte(nil), e.Payload...)
	if e.LastAttempt != nil {
		c.LastAttempt = append([]byte(nil), e.LastAttempt...)
	}
	if e.SentAt != nil {
		t := *e.SentAt
		c.SentAt = &t
	}
	return c
}
