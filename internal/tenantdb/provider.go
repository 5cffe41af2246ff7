package tenantdb

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/oriys/tenantgate/internal/cache"
	"github.com/oriys/tenantgate/internal/circuitbreaker"
	"github.com/oriys/tenantgate/internal/domain"
	"github.com/oriys/tenantgate/internal/logging"
	"github.com/oriys/tenantgate/internal/metrics"
	"github.com/oriys/tenantgate/internal/observability"
)

// Store is the slice of the main store the provider needs.
type Store interface {
	GetActiveTenantDatabaseConfig(ctx context.Context, owner string) (*domain.TenantDatabaseConfig, error)
	RecordConnectionTest(ctx context.Context, owner string, status domain.TestStatus, testedAt time.Time) error
}

// Options tunes private handle construction.
type Options struct {
	ConnectTimeout  time.Duration
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxIdleTime time.Duration
	Opener          Opener
	// Breaker stops construction attempts for owners whose database keeps
	// failing. The zero value disables it.
	Breaker circuitbreaker.Config
	// ConfigTTL keeps each owner's active config, or its absence, in memory
	// for this long. Zero reads the main store on every call.
	ConfigTTL time.Duration
}

// DefaultOptions returns sensible defaults for private handles.
func DefaultOptions() Options {
	return Options{
		ConnectTimeout:  5 * time.Second,
		MaxOpenConns:    10,
		MaxIdleConns:    2,
		ConnMaxIdleTime: 5 * time.Minute,
		Opener:          Open,
		Breaker: circuitbreaker.Config{
			FailureThreshold: 3,
			OpenDuration:     30 * time.Second,
			HalfOpenProbes:   1,
		},
		ConfigTTL: 5 * time.Second,
	}
}

type entry struct {
	handle      *Handle
	fingerprint string
}

// Provider caches at most one live handle per owner. Handles are created
// lazily; concurrent requests for the same owner share one construction.
type Provider struct {
	main  *Handle
	store Store
	opts  Options

	mu      sync.RWMutex
	handles map[string]*entry
	gens    map[string]uint64
	closed  bool

	group    singleflight.Group
	breakers *circuitbreaker.Registry
	configs  *cache.InMemoryCache
}

// cachedConfig is the in-memory form of an active config lookup. Config is
// nil for owners on the main database.
type cachedConfig struct {
	Config           *domain.TenantDatabaseConfig `json:"config"`
	ConnectionString string                       `json:"connection_string,omitempty"`
}

// NewProvider creates a provider around an open main handle.
func NewProvider(main *Handle, store Store, opts Options) *Provider {
	def := DefaultOptions()
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = def.ConnectTimeout
	}
	if opts.Opener == nil {
		opts.Opener = def.Opener
	}
	p := &Provider{
		main:     main,
		store:    store,
		opts:     opts,
		handles:  make(map[string]*entry),
		gens:     make(map[string]uint64),
		breakers: circuitbreaker.NewRegistry(opts.Breaker),
	}
	if opts.ConfigTTL > 0 {
		p.configs = cache.NewInMemoryCache(time.Minute)
	}
	return p
}

// MainHandle returns the shared main database handle.
func (p *Provider) MainHandle() *Handle {
	return p.main
}

// IsPrivateCloudOwner reports whether owner has an active private config.
func (p *Provider) IsPrivateCloudOwner(ctx context.Context, owner string) (bool, error) {
	cfg, err := p.activeConfig(ctx, domain.NormalizeEmail(owner))
	if err != nil {
		return false, err
	}
	return cfg != nil, nil
}

// activeConfig loads the active config of owner through the short-lived
// config cache. A load that races with Invalidate is not cached.
func (p *Provider) activeConfig(ctx context.Context, owner string) (*domain.TenantDatabaseConfig, error) {
	if p.configs != nil {
		if raw, err := p.configs.Get(ctx, owner); err == nil {
			var c cachedConfig
			if json.Unmarshal(raw, &c) == nil {
				if c.Config != nil {
					c.Config.ConnectionString = c.ConnectionString
				}
				return c.Config, nil
			}
		}
	}

	p.mu.RLock()
	gen := p.gens[owner]
	p.mu.RUnlock()

	cfg, err := p.store.GetActiveTenantDatabaseConfig(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("load tenant database config: %w", err)
	}
	if p.configs == nil {
		return cfg, nil
	}

	c := cachedConfig{Config: cfg}
	if cfg != nil {
		c.ConnectionString = cfg.ConnectionString
	}
	raw, err := json.Marshal(c)
	if err != nil {
		return cfg, nil
	}
	p.mu.RLock()
	if p.gens[owner] == gen {
		_ = p.configs.Set(ctx, owner, raw, p.opts.ConfigTTL)
	}
	p.mu.RUnlock()
	return cfg, nil
}

// HandleForOwner returns the handle serving owner. Owners without an active
// private config get the main handle itself.
func (p *Provider) HandleForOwner(ctx context.Context, owner string) (*Handle, error) {
	owner = domain.NormalizeEmail(owner)
	if owner == "" {
		return p.main, nil
	}

	cfg, err := p.activeConfig(ctx, owner)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		p.mu.RLock()
		_, cached := p.handles[owner]
		p.mu.RUnlock()
		if cached {
			p.Invalidate(owner)
		}
		return p.main, nil
	}
	fp := fingerprint(cfg)

	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return nil, ErrClosed
	}
	e := p.handles[owner]
	gen := p.gens[owner]
	p.mu.RUnlock()

	if e != nil && e.fingerprint == fp {
		return e.handle, nil
	}

	if br := p.breakers.Get(owner); br != nil && !br.Allow() {
		return nil, &ConnectionUnavailableError{Owner: owner, Err: ErrCircuitOpen}
	}

	ch := p.group.DoChan(owner+"|"+fp, func() (interface{}, error) {
		return p.build(ctx, owner, cfg, fp, gen)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Handle), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// build runs once per owner and fingerprint. It is detached from the
// caller's cancellation so a disconnecting client cannot leave a half-built
// handle behind; it is bounded by ConnectTimeout instead.
func (p *Provider) build(ctx context.Context, owner string, cfg *domain.TenantDatabaseConfig, fp string, gen uint64) (*Handle, error) {
	p.mu.RLock()
	if e := p.handles[owner]; e != nil && e.fingerprint == fp {
		p.mu.RUnlock()
		return e.handle, nil
	}
	p.mu.RUnlock()

	buildCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.opts.ConnectTimeout)
	defer cancel()
	buildCtx, span := observability.StartSpan(buildCtx, "tenantdb.open",
		observability.AttrTenantOwner.String(owner),
		observability.AttrDatabaseType.String(string(cfg.DatabaseType)))
	defer span.End()

	br := p.breakers.Get(owner)
	db, err := p.opts.Opener(buildCtx, cfg.DatabaseType, cfg.ConnectionString)
	if err != nil {
		observability.SetSpanError(span, err)
		metrics.RecordHandleConstruction(false)
		if br != nil {
			br.RecordFailure()
		}
		return nil, &ConnectionUnavailableError{Owner: owner, Err: err}
	}
	if br != nil {
		br.RecordSuccess()
	}
	if p.opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(p.opts.MaxOpenConns)
	}
	if p.opts.MaxIdleConns > 0 {
		db.SetMaxIdleConns(p.opts.MaxIdleConns)
	}
	if p.opts.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(p.opts.ConnMaxIdleTime)
	}
	h := &Handle{Owner: owner, Type: cfg.DatabaseType, DB: db}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		db.Close()
		return nil, ErrClosed
	}
	if p.gens[owner] != gen {
		p.mu.Unlock()
		db.Close()
		return nil, &ConnectionUnavailableError{Owner: owner, Err: ErrConfigChanged}
	}
	old := p.handles[owner]
	p.handles[owner] = &entry{handle: h, fingerprint: fp}
	n := len(p.handles)
	p.mu.Unlock()

	if old != nil {
		old.handle.DB.Close()
	}
	metrics.RecordHandleConstruction(true)
	metrics.SetTenantHandles(n)
	logging.FromContext(ctx).Info("tenant database handle opened", "owner", owner, "type", cfg.DatabaseType)
	return h, nil
}

// Invalidate evicts and closes the cached handle of owner. Constructions
// already in flight for the previous config are discarded.
func (p *Provider) Invalidate(owner string) {
	owner = domain.NormalizeEmail(owner)

	p.mu.Lock()
	e := p.handles[owner]
	delete(p.handles, owner)
	p.gens[owner]++
	n := len(p.handles)
	if p.configs != nil {
		_ = p.configs.Delete(context.Background(), owner)
	}
	p.mu.Unlock()
	p.breakers.Remove(owner)

	if e == nil {
		return
	}
	e.handle.DB.Close()
	metrics.RecordHandleInvalidation()
	metrics.SetTenantHandles(n)
	logging.Op().Info("tenant database handle invalidated", "owner", owner)
}

func (p *Provider) cachedHandles() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.handles)
}

// TestConnection opens a throwaway connection with the owner's active config
// and records the outcome. A failed connection is reported through the
// returned config's TestStatus, not as an error.
func (p *Provider) TestConnection(ctx context.Context, owner string) (*domain.TenantDatabaseConfig, error) {
	owner = domain.NormalizeEmail(owner)
	cfg, err := p.store.GetActiveTenantDatabaseConfig(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("load tenant database config: %w", err)
	}
	if cfg == nil {
		return nil, ErrNoPrivateDatabase
	}

	testCtx, cancel := context.WithTimeout(ctx, p.opts.ConnectTimeout)
	db, openErr := p.opts.Opener(testCtx, cfg.DatabaseType, cfg.ConnectionString)
	cancel()

	status := domain.TestStatusSuccess
	if openErr != nil {
		status = domain.TestStatusFailed
		logging.FromContext(ctx).Warn("tenant database connection test failed", "owner", owner, "error", openErr)
	} else {
		db.Close()
		p.breakers.Remove(owner)
	}

	testedAt := time.Now().UTC()
	if err := p.store.RecordConnectionTest(ctx, owner, status, testedAt); err != nil {
		return nil, fmt.Errorf("record connection test: %w", err)
	}
	cfg.TestStatus = status
	cfg.LastTestedAt = &testedAt
	return cfg, nil
}

// Close closes every cached handle and the main handle.
func (p *Provider) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	handles := p.handles
	p.handles = make(map[string]*entry)
	p.mu.Unlock()

	for _, e := range handles {
		e.handle.DB.Close()
	}
	if p.configs != nil {
		p.configs.Close()
	}
	metrics.SetTenantHandles(0)
	if p.main != nil && p.main.DB != nil {
		return p.main.DB.Close()
	}
	return nil
}
