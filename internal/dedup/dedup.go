// Package dedup derives attempt fingerprints and reserves them so that at
// most one live generation attempt exists per fingerprint.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/salonworks/storyline/internal/model"
	"github.com/salonworks/storyline/internal/store"
)

// Claim describes the work an attempt is about to do.
type Claim struct {
	AttemptID   string
	Mode        model.FingerprintMode
	Trigger     model.TriggerSource
	ContentType model.ContentType
	TargetDate  time.Time
	ReportIDs   []string
}

// Fingerprint returns the dedup key for c: the hex sha256 of
// "scheduled|<date>|<type>" or "adhoc|<type>|<sorted ids>".
func Fingerprint(c Claim) string {
	var key string
	switch c.Mode {
	case model.ModeAdhoc:
		ids := slices.Clone(c.ReportIDs)
		slices.Sort(ids)
		ids = slices.Compact(ids)
		key = fmt.Sprintf("adhoc|%s|%s", c.ContentType, strings.Join(ids, ","))
	default:
		key = fmt.Sprintf("scheduled|%s|%s", c.TargetDate.Format(model.DateLayout), c.ContentType)
	}
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// DuplicateError is returned by Reserve when a live attempt already holds the
// fingerprint. Callers treat it as a successful no-op.
type DuplicateError struct {
	Fingerprint string
	AttemptID   string
	Outcome     model.Outcome
	ContentID   string
	// InFlight is set when the front guard shed the call before the store was
	// consulted; AttemptID is then unknown.
	InFlight bool
}

func (e *DuplicateError) Error() string {
	if e.InFlight {
		return fmt.Sprintf("dedup: fingerprint %s is being generated", short(e.Fingerprint))
	}
	return fmt.Sprintf("dedup: fingerprint %s already held by attempt %s (%s)", short(e.Fingerprint), e.AttemptID, e.Outcome)
}

func short(fp string) string {
	if len(fp) > 12 {
		return fp[:12]
	}
	return fp
}

// Reservation is a held fingerprint. Release must be called once the attempt
// is finished.
type Reservation struct {
	Attempt *model.GenerationAttempt
	release func(ctx context.Context)
}

// Release drops any front-guard hold. The store row stays; only a failed
// outcome frees the fingerprint there.
func (r *Reservation) Release(ctx context.Context) {
	if r != nil && r.release != nil {
		r.release(ctx)
		r.release = nil
	}
}

// Guard reserves fingerprints.
type Guard interface {
	Reserve(ctx context.Context, c Claim) (*Reservation, error)
}

// FrontGuard is a cheap, non-authoritative lock taken before the store
// reservation to shed callers racing on the same fingerprint.
type FrontGuard interface {
	Acquire(ctx context.Context, fingerprint, owner string) (bool, error)
	Release(ctx context.Context, fingerprint, owner string) error
}

// StoreGuard reserves fingerprints with the attempt store's constrained
// insert, optionally fronted by a FrontGuard.
type StoreGuard struct {
	attempts store.AttemptStore
	front    FrontGuard
}

// NewStoreGuard creates a guard over attempts. front may be nil.
func NewStoreGuard(attempts store.AttemptStore, front FrontGuard) *StoreGuard {
	return &StoreGuard{attempts: attempts, front: front}
}

// Reserve inserts a pending attempt for c or returns a *DuplicateError.
func (g *StoreGuard) Reserve(ctx context.Context, c Claim) (*Reservation, error) {
	fp := Fingerprint(c)
	attempt := &model.GenerationAttempt{
		ID:              c.AttemptID,
		Fingerprint:     fp,
		Trigger:         c.Trigger,
		Mode:            c.Mode,
		ContentType:     c.ContentType,
		TargetDate:      model.DateOf(c.TargetDate),
		SourceReportIDs: c.ReportIDs,
	}
	if attempt.ID == "" {
		attempt.ID = uuid.New().String()
	}

	var release func(ctx context.Context)
	if g.front != nil {
		ok, err := g.front.Acquire(ctx, fp, attempt.ID)
		switch {
		case err != nil:
			// The store constraint still decides.
			zap.L().Warn("dedup: front guard unavailable", zap.String("fingerprint", fp), zap.Error(err))
		case !ok:
			return nil, &DuplicateError{Fingerprint: fp, InFlight: true}
		default:
			front := g.front
			release = func(ctx context.Context) {
				if err := front.Release(ctx, fp, attempt.ID); err != nil {
					zap.L().Warn("dedup: front guard release failed", zap.String("fingerprint", fp), zap.Error(err))
				}
			}
		}
	}

	existing, reserved, err := g.attempts.ReserveAttempt(ctx, attempt)
	if err != nil {
		if release != nil {
			release(ctx)
		}
		return nil, eris.Wrap(err, "dedup: reserve")
	}
	if !reserved {
		if release != nil {
			release(ctx)
		}
		return nil, &DuplicateError{
			Fingerprint: fp,
			AttemptID:   existing.ID,
			Outcome:     existing.Outcome,
			ContentID:   existing.ContentID,
		}
	}
	return &Reservation{Attempt: attempt, release: release}, nil
}
