package repository

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"settlement/apps/settlement/internal/model"
)

// MemoryStore is an in-process Store. Transactions are fully serialized and
// buffer their writes until commit, so a failed callback leaves no trace.
type MemoryStore struct {
	mu           sync.Mutex
	agents       map[string]model.Agent
	withdrawals  map[string]model.WithdrawalTransaction
	deposits     map[string]model.ConsumedDeposit
	outbox       []model.OutboxEvent
	nextOutboxID int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		agents:      make(map[string]model.Agent),
		withdrawals: make(map[string]model.WithdrawalTransaction),
		deposits:    make(map[string]model.ConsumedDeposit),
	}
}

// PutAgent creates or replaces an agent row.
func (s *MemoryStore) PutAgent(agent model.Agent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[agent.ID] = agent
}

// OutboxEvents returns a snapshot of every committed outbox event.
func (s *MemoryStore) OutboxEvents() []model.OutboxEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.OutboxEvent, len(s.outbox))
	copy(out, s.outbox)
	return out
}

// Withdrawals returns every committed withdrawal ordered by creation time.
func (s *MemoryStore) Withdrawals() []model.WithdrawalTransaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.WithdrawalTransaction, 0, len(s.withdrawals))
	for _, w := range s.withdrawals {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *MemoryStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &memoryTx{
		store:       s,
		agents:      make(map[string]model.Agent),
		withdrawals: make(map[string]model.WithdrawalTransaction),
		deposits:    make(map[string]model.ConsumedDeposit),
	}
	if err := fn(tx); err != nil {
		return err
	}

	for id, agent := range tx.agents {
		s.agents[id] = agent
	}
	for id, w := range tx.withdrawals {
		s.withdrawals[id] = w
	}
	for hash, d := range tx.deposits {
		s.deposits[hash] = d
	}
	for _, event := range tx.outbox {
		s.nextOutboxID++
		event.ID = s.nextOutboxID
		s.outbox = append(s.outbox, event)
	}
	return nil
}

func (s *MemoryStore) GetAgent(_ context.Context, agentID string) (*model.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	agent, ok := s.agents[agentID]
	if !ok {
		return nil, ErrAgentNotFound
	}
	return &agent, nil
}

func (s *MemoryStore) GetWithdrawal(_ context.Context, withdrawalID string) (*model.WithdrawalTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.withdrawals[withdrawalID]
	if !ok {
		return nil, ErrWithdrawalNotFound
	}
	return &w, nil
}

func (s *MemoryStore) CountWithdrawalsSince(_ context.Context, agentID string, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.countSince(nil, agentID, since), nil
}

func (s *MemoryStore) IsDepositConsumed(_ context.Context, txHash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.deposits[strings.ToLower(txHash)]
	return ok, nil
}

func (s *MemoryStore) ListWithdrawalIDs(_ context.Context, status model.WithdrawalStatus, updatedBefore time.Time, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	matches := make([]model.WithdrawalTransaction, 0)
	for _, w := range s.withdrawals {
		if w.Status == status && w.UpdatedAt.Before(updatedBefore) {
			matches = append(matches, w)
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].UpdatedAt.Before(matches[j].UpdatedAt) })

	ids := make([]string, 0, len(matches))
	for _, w := range matches {
		if limit > 0 && len(ids) == limit {
			break
		}
		ids = append(ids, w.ID)
	}
	return ids, nil
}

// countSince must be called with mu held. staged rows shadow committed ones.
func (s *MemoryStore) countSince(staged map[string]model.WithdrawalTransaction, agentID string, since time.Time) int {
	count := 0
	for id, w := range s.withdrawals {
		if _, shadowed := staged[id]; shadowed {
			continue
		}
		if w.AgentID == agentID && !w.CreatedAt.Before(since) {
			count++
		}
	}
	for _, w := range staged {
		if w.AgentID == agentID && !w.CreatedAt.Before(since) {
			count++
		}
	}
	return count
}

type memoryTx struct {
	store       *MemoryStore
	agents      map[string]model.Agent
	withdrawals map[string]model.WithdrawalTransaction
	deposits    map[string]model.ConsumedDeposit
	outbox      []model.OutboxEvent
}

func (t *memoryTx) LockAgent(_ context.Context, agentID string) (*model.Agent, error) {
	if agent, ok := t.agents[agentID]; ok {
		return &agent, nil
	}
	agent, ok := t.store.agents[agentID]
	if !ok {
		return nil, ErrAgentNotFound
	}
	return &agent, nil
}

func (t *memoryTx) UpdateAgentBalances(ctx context.Context, agent *model.Agent) error {
	if _, err := t.LockAgent(ctx, agent.ID); err != nil {
		return err
	}
	t.agents[agent.ID] = *agent
	return nil
}

func (t *memoryTx) CountWithdrawalsSince(_ context.Context, agentID string, since time.Time) (int, error) {
	return t.store.countSince(t.withdrawals, agentID, since), nil
}

func (t *memoryTx) InsertWithdrawal(_ context.Context, w *model.WithdrawalTransaction) error {
	t.withdrawals[w.ID] = *w
	return nil
}

func (t *memoryTx) LockWithdrawal(_ context.Context, withdrawalID string) (*model.WithdrawalTransaction, error) {
	if w, ok := t.withdrawals[withdrawalID]; ok {
		return &w, nil
	}
	w, ok := t.store.withdrawals[withdrawalID]
	if !ok {
		return nil, ErrWithdrawalNotFound
	}
	return &w, nil
}

func (t *memoryTx) UpdateWithdrawal(ctx context.Context, w *model.WithdrawalTransaction) error {
	if _, err := t.LockWithdrawal(ctx, w.ID); err != nil {
		return err
	}
	t.withdrawals[w.ID] = *w
	return nil
}

func (t *memoryTx) InsertConsumedDeposit(_ context.Context, d model.ConsumedDeposit) error {
	key := strings.ToLower(d.TxHash)
	if _, ok := t.deposits[key]; ok {
		return ErrDuplicateDeposit
	}
	if _, ok := t.store.deposits[key]; ok {
		return ErrDuplicateDeposit
	}
	t.deposits[key] = d
	return nil
}

func (t *memoryTx) StoreOutboxEvent(_ context.Context, event model.OutboxEvent) error {
	t.outbox = append(t.outbox, event)
	return nil
}
