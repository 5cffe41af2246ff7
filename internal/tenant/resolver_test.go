package tenant

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oriys/tenantgate/internal/cache"
	"github.com/oriys/tenantgate/internal/domain"
)

type fakeDirectory struct {
	parents map[string]string
	err     error
	owners  []string
	listErr error
}

func (d *fakeDirectory) FindSubuserParent(_ context.Context, email string) (string, bool, error) {
	if d.err != nil {
		return "", false, d.err
	}
	p, ok := d.parents[email]
	return p, ok, nil
}

func (d *fakeDirectory) ListPrivateCloudOwners(context.Context) ([]string, error) {
	return d.owners, d.listErr
}

type fakeProber struct {
	mu     sync.Mutex
	hits   map[string]map[string]bool // owner -> subuser emails
	errs   map[string]error
	calls  []string
	onCall func(ctx context.Context, owner string) error
}

func (p *fakeProber) ProbeSubuser(ctx context.Context, owner, email string) (bool, error) {
	p.mu.Lock()
	p.calls = append(p.calls, owner)
	p.mu.Unlock()
	if p.onCall != nil {
		if err := p.onCall(ctx, owner); err != nil {
			return false, err
		}
	}
	if err := p.errs[owner]; err != nil {
		return false, err
	}
	return p.hits[owner][email], nil
}

func (p *fakeProber) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

func owners(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("owner%02d@co.com", i)
	}
	return out
}

func newResolver(dir *fakeDirectory, prober *fakeProber, opts ResolverOptions) *Resolver {
	return NewResolver(dir, dir, prober, opts)
}

func TestResolve_UserIsAlwaysItsOwnOwner(t *testing.T) {
	dir := &fakeDirectory{err: errors.New("must not be called"), listErr: errors.New("must not be called")}
	prober := &fakeProber{}
	r := newResolver(dir, prober, ResolverOptions{})

	for _, email := range []string{"a@x.com", "owner@co.com", "sub@co.com", "Mixed@Case.COM"} {
		id, err := r.Resolve(context.Background(), email, domain.UserTypeUser)
		require.NoError(t, err)
		assert.Equal(t, domain.NormalizeEmail(email), id.EffectiveOwnerEmail)
		assert.Equal(t, domain.NormalizeEmail(email), id.RawEmail)
		assert.False(t, id.IsSubuser)
	}
	assert.Zero(t, prober.callCount())
}

func TestResolve_EmptyEmail(t *testing.T) {
	r := newResolver(&fakeDirectory{}, &fakeProber{}, ResolverOptions{})
	_, err := r.Resolve(context.Background(), "  ", domain.UserTypeSubuser)
	assert.ErrorIs(t, err, ErrEmptyEmail)
}

func TestResolve_SubuserFoundInMainStore(t *testing.T) {
	dir := &fakeDirectory{parents: map[string]string{"sub@co.com": "Owner@Co.com"}}
	prober := &fakeProber{}
	r := newResolver(dir, prober, ResolverOptions{})

	id, err := r.Resolve(context.Background(), "sub@co.com", domain.UserTypeSubuser)
	require.NoError(t, err)
	assert.Equal(t, "owner@co.com", id.EffectiveOwnerEmail)
	assert.True(t, id.IsSubuser)
	assert.Zero(t, prober.callCount())
}

func TestResolve_ScanFirstMatchWins(t *testing.T) {
	all := owners(5)
	dir := &fakeDirectory{owners: all}
	prober := &fakeProber{hits: map[string]map[string]bool{
		all[2]: {"sub@co.com": true},
		all[4]: {"sub@co.com": true},
	}}
	r := newResolver(dir, prober, ResolverOptions{})

	id, err := r.Resolve(context.Background(), "sub@co.com", domain.UserTypeSubuser)
	require.NoError(t, err)
	assert.Equal(t, all[2], id.EffectiveOwnerEmail)
	assert.Equal(t, all[:3], prober.calls)
}

func TestResolve_FallbackTerminatesAcrossManyPrivateDatabases(t *testing.T) {
	all := owners(50)
	dir := &fakeDirectory{owners: all}
	prober := &fakeProber{}
	r := newResolver(dir, prober, ResolverOptions{})

	id, err := r.Resolve(context.Background(), "ghost@co.com", domain.UserTypeSubuser)
	require.NoError(t, err)
	assert.Equal(t, "ghost@co.com", id.EffectiveOwnerEmail)
	assert.Equal(t, 50, prober.callCount())
}

func TestResolve_FailedProbeIsSkipped(t *testing.T) {
	all := owners(3)
	dir := &fakeDirectory{owners: all}
	prober := &fakeProber{
		errs: map[string]error{all[0]: errors.New("connection refused")},
		hits: map[string]map[string]bool{all[1]: {"sub@co.com": true}},
	}
	r := newResolver(dir, prober, ResolverOptions{})

	id, err := r.Resolve(context.Background(), "sub@co.com", domain.UserTypeSubuser)
	require.NoError(t, err)
	assert.Equal(t, all[1], id.EffectiveOwnerEmail)
}

func TestResolve_FailedProbesWithoutMatchReportDegradedScan(t *testing.T) {
	all := owners(3)
	dir := &fakeDirectory{owners: all}
	prober := &fakeProber{errs: map[string]error{all[1]: errors.New("timeout")}}
	r := newResolver(dir, prober, ResolverOptions{})

	id, err := r.Resolve(context.Background(), "sub@co.com", domain.UserTypeSubuser)
	var re *ResolutionError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, StageScan, re.Stage)
	assert.Equal(t, "sub@co.com", id.EffectiveOwnerEmail)
	assert.Equal(t, 3, prober.callCount())
}

func TestResolve_MainLookupErrorStillScans(t *testing.T) {
	all := owners(2)
	dir := &fakeDirectory{err: errors.New("main down"), owners: all}
	prober := &fakeProber{hits: map[string]map[string]bool{all[1]: {"sub@co.com": true}}}
	r := newResolver(dir, prober, ResolverOptions{})

	id, err := r.Resolve(context.Background(), "sub@co.com", domain.UserTypeSubuser)
	require.NoError(t, err)
	assert.Equal(t, all[1], id.EffectiveOwnerEmail)

	id, err = r.Resolve(context.Background(), "ghost@co.com", domain.UserTypeSubuser)
	var re *ResolutionError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, StageMainLookup, re.Stage)
	assert.Equal(t, "ghost@co.com", id.EffectiveOwnerEmail)
}

func TestResolve_ListOwnersErrorFallsBack(t *testing.T) {
	dir := &fakeDirectory{listErr: errors.New("main down")}
	r := newResolver(dir, &fakeProber{}, ResolverOptions{})

	id, err := r.Resolve(context.Background(), "sub@co.com", domain.UserTypeSubuser)
	var re *ResolutionError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, StageListOwners, re.Stage)
	assert.Equal(t, "sub@co.com", id.EffectiveOwnerEmail)
}

func TestResolve_CancellationStopsScan(t *testing.T) {
	all := owners(10)
	dir := &fakeDirectory{owners: all}
	ctx, cancel := context.WithCancel(context.Background())
	prober := &fakeProber{onCall: func(ctx context.Context, owner string) error {
		cancel()
		return ctx.Err()
	}}
	r := newResolver(dir, prober, ResolverOptions{})

	id, err := r.Resolve(ctx, "sub@co.com", domain.UserTypeSubuser)
	var re *ResolutionError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, StageCancelled, re.Stage)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, "sub@co.com", id.EffectiveOwnerEmail)
	assert.Equal(t, 1, prober.callCount())
}

func TestResolve_ProbeTimeoutBoundsSlowDatabase(t *testing.T) {
	all := owners(2)
	dir := &fakeDirectory{owners: all}
	prober := &fakeProber{
		onCall: func(ctx context.Context, owner string) error {
			if owner == all[0] {
				<-ctx.Done()
				return ctx.Err()
			}
			return nil
		},
		hits: map[string]map[string]bool{all[1]: {"sub@co.com": true}},
	}
	r := newResolver(dir, prober, ResolverOptions{ProbeTimeout: 20 * time.Millisecond})

	id, err := r.Resolve(context.Background(), "sub@co.com", domain.UserTypeSubuser)
	require.NoError(t, err)
	assert.Equal(t, all[1], id.EffectiveOwnerEmail)
}

func TestResolve_MemoSkipsRepeatedScan(t *testing.T) {
	all := owners(4)
	dir := &fakeDirectory{owners: all}
	prober := &fakeProber{hits: map[string]map[string]bool{all[3]: {"sub@co.com": true}}}
	memo := cache.NewInMemoryCache(0)
	defer memo.Close()
	r := newResolver(dir, prober, ResolverOptions{Memo: memo, MemoTTL: time.Minute})

	first, err := r.Resolve(context.Background(), "sub@co.com", domain.UserTypeSubuser)
	require.NoError(t, err)
	second, err := r.Resolve(context.Background(), "SUB@co.com", domain.UserTypeSubuser)
	require.NoError(t, err)

	assert.Equal(t, all[3], first.EffectiveOwnerEmail)
	assert.Equal(t, first, second)
	// the memo hit costs one confirming probe instead of a full scan
	assert.Equal(t, 5, prober.callCount())

	r.Forget(context.Background(), "sub@co.com")
	_, err = r.Resolve(context.Background(), "sub@co.com", domain.UserTypeSubuser)
	require.NoError(t, err)
	assert.Equal(t, 9, prober.callCount())
}

func TestResolve_MemoDroppedWhenOwnerLeavesPrivateCloud(t *testing.T) {
	dir := &fakeDirectory{owners: []string{"a@co.com"}}
	prober := &fakeProber{hits: map[string]map[string]bool{"a@co.com": {"sub@co.com": true}}}
	memo := cache.NewInMemoryCache(0)
	defer memo.Close()
	r := newResolver(dir, prober, ResolverOptions{Memo: memo, MemoTTL: time.Minute})
	ctx := context.Background()

	first, err := r.Resolve(ctx, "sub@co.com", domain.UserTypeSubuser)
	require.NoError(t, err)
	require.Equal(t, "a@co.com", first.EffectiveOwnerEmail)

	dir.owners = nil
	prober.hits = nil

	second, err := r.Resolve(ctx, "sub@co.com", domain.UserTypeSubuser)
	require.NoError(t, err)
	assert.Equal(t, "sub@co.com", second.EffectiveOwnerEmail)
	assert.Equal(t, 1, prober.callCount())
	assert.Zero(t, memo.Len())
}

func TestResolve_MemoDroppedWhenSubuserMoves(t *testing.T) {
	dir := &fakeDirectory{owners: []string{"a@co.com", "b@co.com"}}
	prober := &fakeProber{hits: map[string]map[string]bool{"a@co.com": {"sub@co.com": true}}}
	memo := cache.NewInMemoryCache(0)
	defer memo.Close()
	r := newResolver(dir, prober, ResolverOptions{Memo: memo, MemoTTL: time.Minute})
	ctx := context.Background()

	first, err := r.Resolve(ctx, "sub@co.com", domain.UserTypeSubuser)
	require.NoError(t, err)
	require.Equal(t, "a@co.com", first.EffectiveOwnerEmail)

	prober.mu.Lock()
	prober.hits = map[string]map[string]bool{"b@co.com": {"sub@co.com": true}}
	prober.mu.Unlock()

	second, err := r.Resolve(ctx, "sub@co.com", domain.UserTypeSubuser)
	require.NoError(t, err)
	assert.Equal(t, "b@co.com", second.EffectiveOwnerEmail)

	third, err := r.Resolve(ctx, "sub@co.com", domain.UserTypeSubuser)
	require.NoError(t, err)
	assert.Equal(t, "b@co.com", third.EffectiveOwnerEmail)
}

func TestResolve_MemoKeptWhenOwnerUnreachable(t *testing.T) {
	dir := &fakeDirectory{owners: []string{"a@co.com"}}
	prober := &fakeProber{hits: map[string]map[string]bool{"a@co.com": {"sub@co.com": true}}}
	memo := cache.NewInMemoryCache(0)
	defer memo.Close()
	r := newResolver(dir, prober, ResolverOptions{Memo: memo, MemoTTL: time.Minute})
	ctx := context.Background()

	_, err := r.Resolve(ctx, "sub@co.com", domain.UserTypeSubuser)
	require.NoError(t, err)

	prober.errs = map[string]error{"a@co.com": errors.New("connection refused")}
	id, err := r.Resolve(ctx, "sub@co.com", domain.UserTypeSubuser)
	var resErr *ResolutionError
	require.ErrorAs(t, err, &resErr)
	assert.Equal(t, "sub@co.com", id.EffectiveOwnerEmail)
	assert.Equal(t, 1, memo.Len())
}

func TestResolver_ForgetLocalKeepsSharedTier(t *testing.T) {
	l1 := cache.NewInMemoryCache(0)
	l2 := cache.NewInMemoryCache(0)
	defer l1.Close()
	defer l2.Close()
	dir := &fakeDirectory{owners: []string{"a@co.com"}}
	prober := &fakeProber{hits: map[string]map[string]bool{"a@co.com": {"sub@co.com": true}}}
	r := newResolver(dir, prober, ResolverOptions{Memo: cache.NewTieredCache(l1, l2, time.Minute), MemoTTL: time.Minute})
	ctx := context.Background()

	_, err := r.Resolve(ctx, "sub@co.com", domain.UserTypeSubuser)
	require.NoError(t, err)
	require.Equal(t, 1, l1.Len())
	require.Equal(t, 1, l2.Len())

	r.ForgetLocal(ctx, "Sub@Co.com")
	assert.Zero(t, l1.Len())
	assert.Equal(t, 1, l2.Len())

	r.Forget(ctx, "sub@co.com")
	assert.Zero(t, l2.Len())
}

func TestSubuserInvalidationKey(t *testing.T) {
	email, ok := ParseSubuserInvalidationKey(SubuserInvalidationKey(" Sub@Co.com "))
	require.True(t, ok)
	assert.Equal(t, "sub@co.com", email)

	_, ok = ParseSubuserInvalidationKey("owner@co.com")
	assert.False(t, ok)
}
