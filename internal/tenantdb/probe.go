package tenantdb

import (
	"context"
	"fmt"
	"time"

	"github.com/oriys/tenantgate/internal/domain"
	"github.com/oriys/tenantgate/internal/metrics"
	"github.com/oriys/tenantgate/internal/observability"
)

const subuserProbeQuery = `SELECT COUNT(1) FROM subuser WHERE LOWER(subuser_email) = LOWER(?)`

// ProbeSubuser reports whether the private database of owner has a subuser
// record for email. Owners without an active private database never match.
func (p *Provider) ProbeSubuser(ctx context.Context, owner, email string) (bool, error) {
	ctx, span := observability.StartSpan(ctx, "tenantdb.probe_subuser",
		observability.AttrTenantOwner.String(owner))
	defer span.End()

	h, err := p.HandleForOwner(ctx, owner)
	if err != nil {
		observability.SetSpanError(span, err)
		return false, err
	}
	if h.IsMain() {
		return false, nil
	}

	start := time.Now()
	var n int
	err = h.DB.GetContext(ctx, &n, h.DB.Rebind(subuserProbeQuery), domain.NormalizeEmail(email))
	if err != nil {
		metrics.RecordTenantProbe("error", time.Since(start))
		observability.SetSpanError(span, err)
		return false, fmt.Errorf("probe subuser in %s: %w", owner, err)
	}

	result := "miss"
	if n > 0 {
		result = "hit"
	}
	metrics.RecordTenantProbe(result, time.Since(start))
	observability.SetSpanOK(span)
	return n > 0, nil
}
