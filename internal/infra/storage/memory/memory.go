// Package memory provides in-process implementations of the storage
// repositories, the work queue, and the lock service. Used by tests and
// by local development without Postgres/Redis.
package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/udeposit/internal/core/domain"
)

// -----------------------------------------------------------------------------
// Order Repository
// -----------------------------------------------------------------------------

type OrderRepo struct {
	mu     sync.RWMutex
	orders map[string]*domain.Order
}

func NewOrderRepo() *OrderRepo {
	return &OrderRepo{orders: make(map[string]*domain.Order)}
}

func (r *OrderRepo) Upsert(ctx context.Context, order *domain.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cp := *order
	now := time.Now().UTC()
	if existing, ok := r.orders[order.OrderID]; ok {
		cp.CreatedAt = existing.CreatedAt
	} else if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	r.orders[order.OrderID] = &cp
	return nil
}

func (r *OrderRepo) GetByID(ctx context.Context, orderID string) (*domain.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.orders[orderID]
	if !ok {
		return nil, nil
	}
	cp := *o
	return &cp, nil
}

func (r *OrderRepo) GetByStatus(ctx context.Context, status domain.OrderStatus) ([]*domain.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*domain.Order
	for _, o := range r.orders {
		if o.Status == status {
			cp := *o
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *OrderRepo) GetByRecipient(ctx context.Context, recipient string) ([]*domain.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*domain.Order
	for _, o := range r.orders {
		if strings.EqualFold(o.RecipientAddress, recipient) {
			cp := *o
			out = append(out, &cp)
		}
	}
	return out, nil
}

// -----------------------------------------------------------------------------
// Registration Repository
// -----------------------------------------------------------------------------

type RegistrationRepo struct {
	mu   sync.RWMutex
	regs map[string]*domain.Registration // lowercase recipient -> entry
}

func NewRegistrationRepo() *RegistrationRepo {
	return &RegistrationRepo{regs: make(map[string]*domain.Registration)}
}

func (r *RegistrationRepo) Save(ctx context.Context, reg *domain.Registration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *reg
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	r.regs[strings.ToLower(reg.RecipientAddress)] = &cp
	return nil
}

func (r *RegistrationRepo) GetByRecipient(ctx context.Context, recipient string) (*domain.Registration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.regs[strings.ToLower(recipient)]
	if !ok {
		return nil, nil
	}
	cp := *reg
	return &cp, nil
}

func (r *RegistrationRepo) GetAll(ctx context.Context) ([]*domain.Registration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*domain.Registration, 0, len(r.regs))
	for _, reg := range r.regs {
		cp := *reg
		out = append(out, &cp)
	}
	return out, nil
}

func (r *RegistrationRepo) Delete(ctx context.Context, recipient string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.regs, strings.ToLower(recipient))
	return nil
}

// -----------------------------------------------------------------------------
// Work Queue
// -----------------------------------------------------------------------------

type Queue struct {
	mu         sync.Mutex
	queues     map[domain.Stage][]*domain.QueueItem
	processing map[domain.Stage][]*domain.QueueItem
	wakes      map[domain.Stage]chan struct{}
}

func NewQueue() *Queue {
	q := &Queue{
		queues:     make(map[domain.Stage][]*domain.QueueItem),
		processing: make(map[domain.Stage][]*domain.QueueItem),
		wakes:      make(map[domain.Stage]chan struct{}),
	}
	for _, stage := range domain.Stages {
		q.wakes[stage] = make(chan struct{}, 1)
	}
	return q
}

func (q *Queue) Push(ctx context.Context, stage domain.Stage, item *domain.QueueItem) error {
	q.mu.Lock()
	cp := *item
	if cp.EnqueuedAt.IsZero() {
		cp.EnqueuedAt = time.Now().UTC()
	}
	cp.ProcessingStarted = nil
	q.queues[stage] = append(q.queues[stage], &cp)
	q.mu.Unlock()

	select {
	case q.wakes[stage] <- struct{}{}:
	default:
	}
	return nil
}

func (q *Queue) PopToProcessing(ctx context.Context, stage domain.Stage) (*domain.QueueItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	items := q.queues[stage]
	if len(items) == 0 {
		return nil, nil
	}

	item := items[0]
	q.queues[stage] = items[1:]

	now := time.Now().UTC()
	item.ProcessingStarted = &now
	q.processing[stage] = append(q.processing[stage], item)

	cp := *item
	return &cp, nil
}

func (q *Queue) CompleteProcessing(ctx context.Context, stage domain.Stage, orderID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	list := q.processing[stage]
	for i, item := range list {
		if item.OrderID == orderID {
			q.processing[stage] = append(list[:i], list[i+1:]...)
			return nil
		}
	}
	return nil
}

func (q *Queue) RecoverHanging(ctx context.Context, timeout time.Duration) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := time.Now().UTC().Add(-timeout)
	recovered := 0

	for _, stage := range domain.Stages {
		var keep []*domain.QueueItem
		for _, item := range q.processing[stage] {
			if item.ProcessingStarted != nil && item.ProcessingStarted.Before(cutoff) {
				item.RetryCount++
				item.ProcessingStarted = nil
				q.queues[stage] = append(q.queues[stage], item)
				recovered++
				continue
			}
			keep = append(keep, item)
		}
		q.processing[stage] = keep
	}
	return recovered, nil
}

func (q *Queue) Wake(stage domain.Stage) <-chan struct{} {
	return q.wakes[stage]
}

// Lengths reports queue and processing depths, for test assertions.
func (q *Queue) Lengths(stage domain.Stage) (queued, processing int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queues[stage]), len(q.processing[stage])
}

// -----------------------------------------------------------------------------
// Lock Service
// -----------------------------------------------------------------------------

type lockEntry struct {
	token  string
	expiry time.Time
}

type LockService struct {
	mu    sync.Mutex
	locks map[string]lockEntry
}

func NewLockService() *LockService {
	return &LockService{locks: make(map[string]lockEntry)}
}

func (l *LockService) Acquire(ctx context.Context, key string, ttl time.Duration) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e, ok := l.locks[key]; ok && time.Now().Before(e.expiry) {
		return "", nil
	}
	token := uuid.NewString()
	l.locks[key] = lockEntry{token: token, expiry: time.Now().Add(ttl)}
	return token, nil
}

func (l *LockService) Release(ctx context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.locks[key]; ok && e.token == token {
		delete(l.locks, key)
	}
	return nil
}

func (l *LockService) Refresh(ctx context.Context, key, token string, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.locks[key]; ok && e.token == token && time.Now().Before(e.expiry) {
		e.expiry = time.Now().Add(ttl)
		l.locks[key] = e
	}
	return nil
}

// Held reports whether a key is currently locked, for test assertions.
func (l *LockService) Held(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.locks[key]
	return ok && time.Now().Before(e.expiry)
}

// Expiry returns a held key's deadline, for test assertions.
func (l *LockService) Expiry(key string) time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.locks[key].expiry
}
