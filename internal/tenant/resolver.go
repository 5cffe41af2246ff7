// Package tenant decides which account's database serves a request and
// carries that decision in the request context.
package tenant

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oriys/tenantgate/internal/cache"
	"github.com/oriys/tenantgate/internal/domain"
	"github.com/oriys/tenantgate/internal/logging"
	"github.com/oriys/tenantgate/internal/metrics"
	"github.com/oriys/tenantgate/internal/observability"
)

// SubuserDirectory finds subuser parents in the main database.
type SubuserDirectory interface {
	FindSubuserParent(ctx context.Context, subuserEmail string) (parent string, found bool, err error)
}

// PrivateCloudDirectory lists the accounts that own a private database.
type PrivateCloudDirectory interface {
	ListPrivateCloudOwners(ctx context.Context) ([]string, error)
}

// SubuserProber checks a single private database for a subuser.
type SubuserProber interface {
	ProbeSubuser(ctx context.Context, owner, email string) (bool, error)
}

// Source records which step decided the effective owner.
type Source string

const (
	SourceDirect    Source = "direct"
	SourceMainStore Source = "main_store"
	SourceMemo      Source = "memo"
	SourceScan      Source = "scan"
	SourceFallback  Source = "fallback"
)

// ResolverOptions tunes the subuser fallback scan.
type ResolverOptions struct {
	// Memo remembers subuser owners found by the scan. Nil disables it.
	Memo    cache.Cache
	MemoTTL time.Duration
	// ProbeTimeout bounds each private database probe. Zero means no bound
	// beyond the request context.
	ProbeTimeout time.Duration
}

// Resolver maps a caller identity to the account whose database serves it.
type Resolver struct {
	subusers SubuserDirectory
	private  PrivateCloudDirectory
	prober   SubuserProber
	opts     ResolverOptions
}

// NewResolver creates a resolver.
func NewResolver(subusers SubuserDirectory, private PrivateCloudDirectory, prober SubuserProber, opts ResolverOptions) *Resolver {
	return &Resolver{subusers: subusers, private: private, prober: prober, opts: opts}
}

func memoKey(email string) string {
	return "subuser-owner:" + email
}

// Resolve returns the tenant identity for email. The identity is usable even
// when an error is returned: a *ResolutionError means the result is the
// fallback (the caller's own email) or was reached after a degraded step.
func (r *Resolver) Resolve(ctx context.Context, email string, userType domain.UserType) (domain.TenantIdentity, error) {
	email = domain.NormalizeEmail(email)
	id := domain.TenantIdentity{
		RawEmail:            email,
		IsSubuser:           userType == domain.UserTypeSubuser,
		EffectiveOwnerEmail: email,
	}
	if email == "" {
		return id, ErrEmptyEmail
	}
	if !id.IsSubuser {
		metrics.RecordTenantResolution(string(SourceDirect))
		return id, nil
	}

	ctx, span := observability.StartSpan(ctx, "tenant.resolve", observability.AttrTenantSubuser.Bool(true))
	defer span.End()

	owner, source, err := r.resolveSubuser(ctx, email)
	if owner != "" {
		id.EffectiveOwnerEmail = owner
	}
	metrics.RecordTenantResolution(string(source))
	span.SetAttributes(
		observability.AttrResolveSource.String(string(source)),
		observability.AttrTenantOwner.String(id.EffectiveOwnerEmail),
	)
	if err != nil {
		observability.SetSpanError(span, err)
	}
	return id, err
}

func (r *Resolver) resolveSubuser(ctx context.Context, email string) (string, Source, error) {
	log := logging.FromContext(ctx)

	parent, found, mainErr := r.subusers.FindSubuserParent(ctx, email)
	if mainErr == nil && found && parent != "" {
		return domain.NormalizeEmail(parent), SourceMainStore, nil
	}
	if mainErr != nil {
		if ctx.Err() != nil {
			return "", SourceFallback, &ResolutionError{Email: email, Stage: StageCancelled, Err: ctx.Err()}
		}
		log.Warn("subuser lookup in main database failed, scanning private databases", "email", email, "error", mainErr)
	}

	owners, err := r.private.ListPrivateCloudOwners(ctx)
	if err != nil {
		return "", SourceFallback, &ResolutionError{Email: email, Stage: StageListOwners, Err: err}
	}

	if owner := r.memoLookup(ctx, email); owner != "" {
		if r.confirmMemo(ctx, owners, owner, email) {
			return owner, SourceMemo, nil
		}
	}

	var failed int
	for _, owner := range owners {
		if err := ctx.Err(); err != nil {
			return "", SourceFallback, &ResolutionError{Email: email, Stage: StageCancelled, Err: err}
		}
		hit, err := r.probe(ctx, owner, email)
		if err != nil {
			if ctx.Err() != nil {
				return "", SourceFallback, &ResolutionError{Email: email, Stage: StageCancelled, Err: ctx.Err()}
			}
			failed++
			log.Warn("subuser probe failed", "owner", owner, "email", email, "error", err)
			continue
		}
		if hit {
			owner = domain.NormalizeEmail(owner)
			r.memoStore(ctx, email, owner)
			return owner, SourceScan, nil
		}
	}

	switch {
	case mainErr != nil:
		return "", SourceFallback, &ResolutionError{Email: email, Stage: StageMainLookup, Err: mainErr}
	case failed > 0:
		return "", SourceFallback, &ResolutionError{
			Email: email,
			Stage: StageScan,
			Err:   fmt.Errorf("%d of %d private databases could not be probed", failed, len(owners)),
		}
	}
	log.Info("subuser not found in any database, treating as standalone", "email", email, "private_owners", len(owners))
	return "", SourceFallback, nil
}

// confirmMemo re-checks a memoised owner: it must still own a private
// database and that database must still hold the subuser. Entries that fail
// the check are dropped; a probe error leaves the entry for the next request.
func (r *Resolver) confirmMemo(ctx context.Context, owners []string, owner, email string) bool {
	listed := false
	for _, o := range owners {
		if domain.NormalizeEmail(o) == owner {
			listed = true
			break
		}
	}
	if !listed {
		r.Forget(ctx, email)
		return false
	}
	hit, err := r.probe(ctx, owner, email)
	if err != nil {
		logging.FromContext(ctx).Warn("memoised subuser owner could not be confirmed", "owner", owner, "email", email, "error", err)
		return false
	}
	if !hit {
		r.Forget(ctx, email)
	}
	return hit
}

func (r *Resolver) probe(ctx context.Context, owner, email string) (bool, error) {
	if r.opts.ProbeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opts.ProbeTimeout)
		defer cancel()
	}
	return r.prober.ProbeSubuser(ctx, owner, email)
}

func (r *Resolver) memoLookup(ctx context.Context, email string) string {
	if r.opts.Memo == nil {
		return ""
	}
	val, err := r.opts.Memo.Get(ctx, memoKey(email))
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			logging.FromContext(ctx).Warn("subuser memo read failed", "error", err)
		}
		return ""
	}
	return string(val)
}

func (r *Resolver) memoStore(ctx context.Context, email, owner string) {
	if r.opts.Memo == nil {
		return
	}
	if err := r.opts.Memo.Set(ctx, memoKey(email), []byte(owner), r.opts.MemoTTL); err != nil {
		logging.FromContext(ctx).Warn("subuser memo write failed", "error", err)
	}
}

// Forget drops the memoised owner of a subuser from every cache tier.
func (r *Resolver) Forget(ctx context.Context, email string) {
	if r.opts.Memo == nil {
		return
	}
	_ = r.opts.Memo.Delete(ctx, memoKey(domain.NormalizeEmail(email)))
}

type localDeleter interface {
	DeleteLocal(ctx context.Context, key string) error
}

// ForgetLocal drops the memoised owner from this instance only. It handles
// invalidations published by the instance that already cleared the shared
// tier.
func (r *Resolver) ForgetLocal(ctx context.Context, email string) {
	if r.opts.Memo == nil {
		return
	}
	key := memoKey(domain.NormalizeEmail(email))
	if l, ok := r.opts.Memo.(localDeleter); ok {
		_ = l.DeleteLocal(ctx, key)
		return
	}
	_ = r.opts.Memo.Delete(ctx, key)
}

const subuserInvalidationPrefix = "subuser:"

// SubuserInvalidationKey is the invalidation message that tells every
// instance to forget the memoised owner of email.
func SubuserInvalidationKey(email string) string {
	return subuserInvalidationPrefix + domain.NormalizeEmail(email)
}

// ParseSubuserInvalidationKey reports whether key names a subuser, as
// opposed to an owner whose database config changed.
func ParseSubuserInvalidationKey(key string) (string, bool) {
	return strings.CutPrefix(key, subuserInvalidationPrefix)
}
