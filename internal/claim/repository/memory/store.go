// Package memory is an in-process claim ledger used by tests and single-node tooling.
package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/leadclaim/internal/claim/domain"
	"github.com/smallbiznis/leadclaim/internal/lock"
)

// caseLockWait bounds how long a unit of work queues behind another on the same case.
const caseLockWait = 30 * time.Second

var ErrCaseNotFound = errors.New("memory: case not found")

type Store struct {
	mu sync.RWMutex

	cases  map[snowflake.ID]domain.Case
	claims map[snowflake.ID]domain.Claim
	order  []snowflake.ID

	caseLocks *lock.Keyed

	commitErr error
}

func New() *Store {
	return &Store{
		cases:     make(map[snowflake.ID]domain.Case),
		claims:    make(map[snowflake.ID]domain.Claim),
		caseLocks: lock.NewKeyed(),
	}
}

var _ domain.Repository = (*Store)(nil)

// PutCase inserts or replaces a case in the registry.
func (s *Store) PutCase(c domain.Case) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cases[c.ID] = c
}

// UpdateCase mutates a stored case outside the ownership fields, e.g. a data refresh.
func (s *Store) UpdateCase(id snowflake.ID, fn func(c *domain.Case)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cases[id]
	if !ok {
		return ErrCaseNotFound
	}
	fn(&c)
	s.cases[id] = c
	return nil
}

func (s *Store) Case(id snowflake.ID) (domain.Case, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.cases[id]
	return c, ok
}

// PutClaim stores a claim as-is. Used to seed history.
func (s *Store) PutClaim(c domain.Claim) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.claims[c.ID]; !ok {
		s.order = append(s.order, c.ID)
	}
	s.claims[c.ID] = c
}

// AllClaims returns every claim in insertion order.
func (s *Store) AllClaims() []domain.Claim {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Claim, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.claims[id])
	}
	return out
}

// FailNextCommit makes the next WithCaseLock commit fail with err after fn succeeded.
func (s *Store) FailNextCommit(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commitErr = err
}

// LockedCases reports how many cases currently have a holder or waiter.
func (s *Store) LockedCases() int {
	return s.caseLocks.Len()
}

func (s *Store) WithCaseLock(ctx context.Context, caseID snowflake.ID, fn func(ctx context.Context, tx domain.Tx) error) error {
	unlock, err := s.caseLocks.Lock(ctx, caseID.String(), caseLockWait)
	if err != nil {
		return err
	}
	defer unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &memTx{store: s, caseID: caseID, released: make(map[snowflake.ID]time.Time)}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	return s.commit(tx)
}

func (s *Store) commit(tx *memTx) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.commitErr != nil {
		err := s.commitErr
		s.commitErr = nil
		return err
	}

	if tx.pendingCase != nil {
		s.cases[tx.pendingCase.ID] = *tx.pendingCase
	}
	for id, at := range tx.released {
		c := s.claims[id]
		c.Active = false
		releasedAt := at
		c.ReleasedAt = &releasedAt
		s.claims[id] = c
	}
	for _, c := range tx.inserted {
		s.claims[c.ID] = c
		s.order = append(s.order, c.ID)
	}
	return nil
}

func (s *Store) CountActiveByUser(_ context.Context, userID snowflake.ID) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, c := range s.claims {
		if c.UserID == userID && c.Active {
			n++
		}
	}
	return n, nil
}

func (s *Store) ActiveForCase(_ context.Context, caseID snowflake.ID) (*domain.Claim, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeForCaseLocked(caseID), nil
}

func (s *Store) activeForCaseLocked(caseID snowflake.ID) *domain.Claim {
	for _, id := range s.order {
		c := s.claims[id]
		if c.CaseID == caseID && c.Active {
			return &c
		}
	}
	return nil
}

func (s *Store) ListByUser(_ context.Context, filter domain.ListClaimsFilter) ([]domain.Claim, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	items := make([]domain.Claim, 0)
	for _, id := range s.order {
		c := s.claims[id]
		if c.UserID != filter.UserID {
			continue
		}
		if filter.ActiveOnly && !c.Active {
			continue
		}
		items = append(items, c)
	}
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].ClaimedAt.After(items[j].ClaimedAt)
	})
	if filter.Limit > 0 && len(items) > filter.Limit {
		items = items[:filter.Limit]
	}
	return items, nil
}

func (s *Store) Stats(_ context.Context) (domain.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var stats domain.Stats
	stats.TotalCases = int64(len(s.cases))
	for _, c := range s.cases {
		if c.OwnerID != nil {
			stats.ClaimedCases++
		}
	}
	stats.TotalClaimsEver = int64(len(s.claims))
	for _, c := range s.claims {
		if c.Active {
			stats.ActiveClaims++
			stats.ActiveValueCents += c.PriceCents
		}
	}
	stats.AvailableCases = stats.TotalCases - stats.ClaimedCases
	if stats.TotalCases > 0 {
		stats.ClaimRate = float64(stats.ClaimedCases) / float64(stats.TotalCases) * 100
	}
	return stats, nil
}

func billable(c domain.Claim, start, end time.Time) bool {
	if !c.ClaimedAt.Before(end) {
		return false
	}
	return c.Active || (c.ReleasedAt != nil && c.ReleasedAt.After(start))
}

func (s *Store) BillableForUser(_ context.Context, userID snowflake.ID, start, end time.Time) ([]domain.Claim, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	items := make([]domain.Claim, 0)
	for _, id := range s.order {
		c := s.claims[id]
		if c.UserID == userID && billable(c, start, end) {
			items = append(items, c)
		}
	}
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].ClaimedAt.Before(items[j].ClaimedAt)
	})
	return items, nil
}

func (s *Store) UsersWithBillableClaims(_ context.Context, start, end time.Time) ([]snowflake.ID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[snowflake.ID]struct{})
	ids := make([]snowflake.ID, 0)
	for _, c := range s.claims {
		if !billable(c, start, end) {
			continue
		}
		if _, ok := seen[c.UserID]; ok {
			continue
		}
		seen[c.UserID] = struct{}{}
		ids = append(ids, c.UserID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *Store) CaseRef(_ context.Context, caseID snowflake.ID) (domain.CaseRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.cases[caseID]
	if !ok {
		return domain.CaseRef{}, ErrCaseNotFound
	}
	return domain.CaseRef{CaseID: c.ID, CaseNumber: c.CaseNumber, Address: c.Address}, nil
}

// memTx stages writes for one case and applies them on commit.
type memTx struct {
	store  *Store
	caseID snowflake.ID

	pendingCase *domain.Case
	inserted    []domain.Claim
	released    map[snowflake.ID]time.Time
}

func (t *memTx) Cases() domain.CaseRegistry { return txCases{t} }
func (t *memTx) Claims() domain.Ledger      { return txClaims{t} }

type txCases struct{ *memTx }

func (t txCases) Get(_ context.Context, caseID snowflake.ID) (*domain.Case, error) {
	if t.pendingCase != nil && t.pendingCase.ID == caseID {
		c := *t.pendingCase
		return &c, nil
	}
	c, ok := t.store.Case(caseID)
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (t txCases) SetOwner(ctx context.Context, caseID snowflake.ID, ownerID *snowflake.ID, at *time.Time, version int64) error {
	if caseID != t.caseID {
		return errors.New("memory: case is not locked by this unit of work")
	}
	current, err := t.Get(ctx, caseID)
	if err != nil {
		return err
	}
	if current == nil || current.Version != version {
		return domain.ErrVersionConflict
	}
	current.OwnerID = ownerID
	current.ClaimedAt = at
	current.Version++
	current.UpdatedAt = time.Now().UTC()
	t.pendingCase = current
	return nil
}

type txClaims struct{ *memTx }

func (t txClaims) ActiveForCase(_ context.Context, caseID snowflake.ID) (*domain.Claim, error) {
	for _, c := range t.inserted {
		if c.CaseID == caseID && c.Active {
			cp := c
			return &cp, nil
		}
	}

	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	c := t.store.activeForCaseLocked(caseID)
	if c == nil {
		return nil, nil
	}
	if _, released := t.released[c.ID]; released {
		return nil, nil
	}
	return c, nil
}

func (t txClaims) Insert(ctx context.Context, claim *domain.Claim) error {
	existing, err := t.ActiveForCase(ctx, claim.CaseID)
	if err != nil {
		return err
	}
	if existing != nil {
		return domain.ErrActiveClaimExists
	}
	t.inserted = append(t.inserted, *claim)
	return nil
}

func (t txClaims) Deactivate(_ context.Context, claimID snowflake.ID, releasedAt time.Time) error {
	if _, done := t.released[claimID]; done {
		return domain.ErrClaimNotActive
	}
	for i, c := range t.inserted {
		if c.ID == claimID {
			at := releasedAt
			t.inserted[i].Active = false
			t.inserted[i].ReleasedAt = &at
			return nil
		}
	}

	t.store.mu.RLock()
	c, ok := t.store.claims[claimID]
	t.store.mu.RUnlock()
	if !ok || !c.Active {
		return domain.ErrClaimNotActive
	}
	t.released[claimID] = releasedAt
	return nil
}
