package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/leadclaim/internal/audit/domain"
	"github.com/smallbiznis/leadclaim/internal/caller"
	claimdomain "github.com/smallbiznis/leadclaim/internal/claim/domain"
	"github.com/smallbiznis/leadclaim/internal/clock"
	"github.com/smallbiznis/leadclaim/internal/config"
	"github.com/smallbiznis/leadclaim/internal/lock"
	"github.com/smallbiznis/leadclaim/internal/observability/metrics"
	"github.com/smallbiznis/leadclaim/internal/outcome"
	"github.com/smallbiznis/leadclaim/internal/pricing"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	opAcquire = "acquire"
	opRelease = "release"
)

type Params struct {
	fx.In

	Repo        claimdomain.Repository
	Eligibility claimdomain.Eligibility
	Scorer      claimdomain.Scorer
	Pricing     pricing.Engine
	Policy      *config.PolicyHolder
	Clock       clock.Clock
	GenID       *snowflake.Node
	Log         *zap.Logger

	Local       *lock.Keyed             `optional:"true"`
	Distributed *lock.Redis             `optional:"true"`
	Metrics     *metrics.Metrics        `optional:"true"`
	Runtime     *metrics.RuntimeMetrics `optional:"true"`
	Audit       auditdomain.Service     `optional:"true"`
}

type Service struct {
	repo        claimdomain.Repository
	eligibility claimdomain.Eligibility
	scorer      claimdomain.Scorer
	pricing     pricing.Engine
	policy      *config.PolicyHolder
	clock       clock.Clock
	genID       *snowflake.Node
	log         *zap.Logger

	userLocks *lock.Keyed
	caseLocks lock.Locker
	metrics   *metrics.Metrics
	runtime   *metrics.RuntimeMetrics
	audit     auditdomain.Service
}

func NewService(p Params) claimdomain.Service {
	local := p.Local
	if local == nil {
		local = lock.NewKeyed()
	}
	caseLocks := lock.Chain{local}
	if p.Distributed != nil {
		caseLocks = append(caseLocks, p.Distributed)
	}
	audit := p.Audit
	if audit == nil {
		audit = auditdomain.Nop{}
	}

	return &Service{
		repo:        p.Repo,
		eligibility: p.Eligibility,
		scorer:      p.Scorer,
		pricing:     p.Pricing,
		policy:      p.Policy,
		clock:       p.Clock,
		genID:       p.GenID,
		log:         p.Log.Named("claim.service"),
		userLocks:   lock.NewKeyed(),
		caseLocks:   caseLocks,
		metrics:     p.Metrics,
		runtime:     p.Runtime,
		audit:       audit,
	}
}

func (s *Service) Acquire(ctx context.Context, caseID snowflake.ID, who caller.Caller) (claimdomain.Claim, error) {
	claim, err := s.acquire(ctx, caseID, who)
	if err != nil {
		s.reject(ctx, opAcquire, caseID, who, err)
		return claimdomain.Claim{}, err
	}

	s.metrics.RecordClaimAcquired(ctx, string(pricing.TierFor(claim.ScoreAtClaim)))
	s.log.Info("case claimed",
		zap.String("case_id", caseID.String()),
		zap.String("user_id", claim.UserID.String()),
		zap.String("claim_id", claim.ID.String()),
		zap.Int("score", claim.ScoreAtClaim),
		zap.Int64("price_cents", claim.PriceCents),
	)
	_ = s.audit.Record(ctx, auditdomain.ActionClaimAcquired, "case", caseID.String(), map[string]any{
		"claim_id":    claim.ID.String(),
		"user_id":     claim.UserID.String(),
		"score":       claim.ScoreAtClaim,
		"price_cents": claim.PriceCents,
	})
	return claim, nil
}

func (s *Service) acquire(ctx context.Context, caseID snowflake.ID, who caller.Caller) (claimdomain.Claim, error) {
	if who == nil || who.ID() == 0 {
		return claimdomain.Claim{}, claimdomain.ErrInvalidCaller
	}
	if caseID == 0 {
		return claimdomain.Claim{}, outcome.New(outcome.KindNotFound, "case not found")
	}
	userID := who.ID()
	policy := s.policy.Get()

	ok, reason, err := s.eligibility.CanTransact(ctx, userID)
	if err != nil {
		return claimdomain.Claim{}, outcome.Persistence(err)
	}
	if !ok {
		if reason == "" {
			reason = "user is not eligible to claim cases"
		}
		return claimdomain.Claim{}, outcome.New(outcome.KindNotEligible, reason)
	}

	// Held across the count and the insert so one user's parallel acquires cannot overshoot the limit.
	unlockUser, err := s.userLocks.Lock(ctx, "user:"+userID.String(), policy.LockTimeout)
	if err != nil {
		return claimdomain.Claim{}, lockFailure(err)
	}
	defer unlockUser()

	limit, err := s.eligibility.ClaimLimit(ctx, userID)
	if err != nil {
		return claimdomain.Claim{}, outcome.Persistence(err)
	}
	active, err := s.repo.CountActiveByUser(ctx, userID)
	if err != nil {
		return claimdomain.Claim{}, outcome.Persistence(err)
	}
	if active >= int64(limit) {
		return claimdomain.Claim{}, outcome.New(outcome.KindLimitExceeded,
			fmt.Sprintf("claim limit reached (%d/%d)", active, limit))
	}

	var claim claimdomain.Claim
	err = s.withCaseLock(ctx, opAcquire, caseID, func(ctx context.Context, tx claimdomain.Tx) error {
		c, err := tx.Cases().Get(ctx, caseID)
		if err != nil {
			return err
		}
		if c == nil {
			return outcome.New(outcome.KindNotFound, "case not found")
		}

		current, err := tx.Claims().ActiveForCase(ctx, caseID)
		if err != nil {
			return err
		}
		if current != nil {
			return alreadyClaimed(current.UserID == userID)
		}
		if c.OwnerID != nil {
			return alreadyClaimed(*c.OwnerID == userID)
		}

		score := s.scorer.Score(*c)
		now := s.clock.Now()
		claim = claimdomain.Claim{
			ID:           s.genID.Generate(),
			CaseID:       caseID,
			UserID:       userID,
			ClaimedAt:    now,
			ScoreAtClaim: score,
			PriceCents:   s.pricing.PriceCents(score),
			Active:       true,
		}

		if err := tx.Claims().Insert(ctx, &claim); err != nil {
			if errors.Is(err, claimdomain.ErrActiveClaimExists) {
				return alreadyClaimed(false)
			}
			return err
		}
		return tx.Cases().SetOwner(ctx, caseID, &userID, &now, c.Version)
	})
	if err != nil {
		return claimdomain.Claim{}, outcome.Persistence(err)
	}
	return claim, nil
}

func (s *Service) Release(ctx context.Context, caseID snowflake.ID, who caller.Caller) error {
	released, err := s.release(ctx, caseID, who)
	if err != nil {
		s.reject(ctx, opRelease, caseID, who, err)
		return err
	}

	asAdmin := released.UserID != who.ID()
	s.metrics.RecordClaimReleased(ctx, asAdmin)
	s.log.Info("case released",
		zap.String("case_id", caseID.String()),
		zap.String("claim_id", released.ID.String()),
		zap.String("owner_id", released.UserID.String()),
		zap.String("released_by", who.ID().String()),
		zap.Bool("admin", asAdmin),
	)
	_ = s.audit.Record(ctx, auditdomain.ActionClaimReleased, "case", caseID.String(), map[string]any{
		"claim_id": released.ID.String(),
		"owner_id": released.UserID.String(),
		"admin":    asAdmin,
	})
	return nil
}

func (s *Service) release(ctx context.Context, caseID snowflake.ID, who caller.Caller) (claimdomain.Claim, error) {
	if who == nil {
		return claimdomain.Claim{}, claimdomain.ErrInvalidCaller
	}
	if caseID == 0 {
		return claimdomain.Claim{}, outcome.New(outcome.KindNotFound, "case not found")
	}

	var released claimdomain.Claim
	err := s.withCaseLock(ctx, opRelease, caseID, func(ctx context.Context, tx claimdomain.Tx) error {
		c, err := tx.Cases().Get(ctx, caseID)
		if err != nil {
			return err
		}
		if c == nil {
			return outcome.New(outcome.KindNotFound, "case not found")
		}

		current, err := tx.Claims().ActiveForCase(ctx, caseID)
		if err != nil {
			return err
		}
		if current == nil {
			return outcome.New(outcome.KindNotClaimed, "case is not claimed")
		}
		if current.UserID != who.ID() && !who.IsAdmin() {
			return outcome.New(outcome.KindNotOwner, "you do not own this case")
		}

		now := s.clock.Now()
		if err := tx.Claims().Deactivate(ctx, current.ID, now); err != nil {
			if errors.Is(err, claimdomain.ErrClaimNotActive) {
				return outcome.New(outcome.KindNotClaimed, "case is not claimed")
			}
			return err
		}
		if err := tx.Cases().SetOwner(ctx, caseID, nil, nil, c.Version); err != nil {
			return err
		}

		released = *current
		released.Active = false
		released.ReleasedAt = &now
		return nil
	})
	if err != nil {
		return claimdomain.Claim{}, outcome.Persistence(err)
	}
	return released, nil
}

func (s *Service) AcquireMany(ctx context.Context, caseIDs []snowflake.ID, who caller.Caller) claimdomain.BulkResult {
	result := claimdomain.BulkResult{Outcomes: make([]claimdomain.Outcome, 0, len(caseIDs))}
	for _, caseID := range caseIDs {
		claim, err := s.Acquire(ctx, caseID, who)
		o := claimdomain.Outcome{CaseID: caseID}
		if err != nil {
			o.Kind, o.Message = describe(err)
			result.Failed++
		} else {
			o.Claim = &claim
			result.Succeeded++
		}
		result.Outcomes = append(result.Outcomes, o)
	}
	return result
}

func (s *Service) ReleaseMany(ctx context.Context, caseIDs []snowflake.ID, who caller.Caller) claimdomain.BulkResult {
	result := claimdomain.BulkResult{Outcomes: make([]claimdomain.Outcome, 0, len(caseIDs))}
	for _, caseID := range caseIDs {
		o := claimdomain.Outcome{CaseID: caseID}
		if err := s.Release(ctx, caseID, who); err != nil {
			o.Kind, o.Message = describe(err)
			result.Failed++
		} else {
			result.Succeeded++
		}
		result.Outcomes = append(result.Outcomes, o)
	}
	return result
}

func (s *Service) ListForUser(ctx context.Context, filter claimdomain.ListClaimsFilter) ([]claimdomain.Claim, error) {
	if filter.UserID == 0 {
		return nil, claimdomain.ErrInvalidCaller
	}
	if filter.Limit <= 0 || filter.Limit > 500 {
		filter.Limit = 100
	}
	return s.repo.ListByUser(ctx, filter)
}

func (s *Service) ActiveForCase(ctx context.Context, caseID snowflake.ID) (*claimdomain.Claim, error) {
	if caseID == 0 {
		return nil, claimdomain.ErrInvalidCaseID
	}
	return s.repo.ActiveForCase(ctx, caseID)
}

func (s *Service) Stats(ctx context.Context) (claimdomain.Stats, error) {
	return s.repo.Stats(ctx)
}

// withCaseLock takes the process-local and (when configured) distributed case lock,
// then runs fn inside the repository's locked unit of work.
func (s *Service) withCaseLock(ctx context.Context, op string, caseID snowflake.ID, fn func(ctx context.Context, tx claimdomain.Tx) error) error {
	start := time.Now()
	unlock, err := s.caseLocks.Lock(ctx, "case:"+caseID.String(), s.policy.Get().LockTimeout)
	s.runtime.ObserveLockWait(op, time.Since(start), errors.Is(err, lock.ErrTimeout))
	if err != nil {
		return lockFailure(err)
	}
	defer unlock()

	return s.repo.WithCaseLock(ctx, caseID, fn)
}

func (s *Service) reject(ctx context.Context, op string, caseID snowflake.ID, who caller.Caller, err error) {
	kind := outcome.KindOf(err)
	reason := string(kind)
	if reason == "" {
		reason = "invalid_request"
	}
	s.metrics.RecordClaimRejected(ctx, op, reason)

	fields := []zap.Field{
		zap.String("operation", op),
		zap.String("case_id", caseID.String()),
		zap.String("reason", reason),
		zap.Error(err),
	}
	if who != nil {
		fields = append(fields, zap.String("user_id", who.ID().String()))
	}
	if kind == outcome.KindPersistenceFailure {
		s.log.Warn("claim operation failed", fields...)
		return
	}
	s.log.Debug("claim operation rejected", fields...)
}

func alreadyClaimed(byCaller bool) error {
	if byCaller {
		return outcome.New(outcome.KindAlreadyClaimed, "you already own this case")
	}
	return outcome.New(outcome.KindAlreadyClaimed, "case is already claimed by another user")
}

func lockFailure(err error) error {
	return &outcome.Error{
		Kind:    outcome.KindPersistenceFailure,
		Message: "case is busy, retry shortly",
		Err:     err,
	}
}

func describe(err error) (string, string) {
	kind := outcome.KindOf(err)
	if kind == outcome.KindNone {
		return "invalid_request", err.Error()
	}
	return string(kind), err.Error()
}
