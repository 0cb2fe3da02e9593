package entitlement

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/kenneth/segment-key-gateway/internal/apperr"
	"github.com/kenneth/segment-key-gateway/internal/audit"
	"github.com/kenneth/segment-key-gateway/internal/cache"
	"github.com/kenneth/segment-key-gateway/internal/content"
	"github.com/kenneth/segment-key-gateway/internal/metrics"
	"github.com/kenneth/segment-key-gateway/internal/tracing"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

// FailurePolicy decides what happens when an upstream service cannot answer.
type FailurePolicy string

const (
	// FailError surfaces the failure as a 500.
	FailError FailurePolicy = "error"
	// FailDeny denies access.
	FailDeny FailurePolicy = "deny"
	// FailAllow grants access and records FAIL_OPEN_ALLOW.
	FailAllow FailurePolicy = "allow"
)

// ParseFailurePolicy validates a policy name. Empty selects FailError.
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch p := FailurePolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return FailError, nil
	case FailError, FailDeny, FailAllow:
		return p, nil
	default:
		return "", apperr.Validation("unknown upstream failure policy %q", s)
	}
}

// Options configures a Gate.
type Options struct {
	FreeTier       string
	EntitlementTTL time.Duration
	CatalogTTL     time.Duration
	FailurePolicy  FailurePolicy
}

// Gate runs the access decision state machine.
type Gate struct {
	entitlements EntitlementSource
	catalog      CatalogSource
	cache        cache.Cache
	opts         Options
	logger       *logrus.Logger
	metrics      *metrics.Metrics
	audit        audit.Logger
	now          func() time.Time
}

// GateOption customises a Gate.
type GateOption func(*Gate)

// WithMetrics records decisions, upstream errors and cache lookups.
func WithMetrics(m *metrics.Metrics) GateOption {
	return func(g *Gate) { g.metrics = m }
}

// WithAudit records every decision as an access_decision audit event.
func WithAudit(a audit.Logger) GateOption {
	return func(g *Gate) { g.audit = a }
}

// WithClock overrides the clock used for rental expiry.
func WithClock(now func() time.Time) GateOption {
	return func(g *Gate) { g.now = now }
}

// NewGate creates a gate. c caches entitlement snapshots and catalog access;
// it may be nil to always ask the upstream services.
func NewGate(entitlements EntitlementSource, catalog CatalogSource, c cache.Cache, opts Options, logger *logrus.Logger, gopts ...GateOption) *Gate {
	if opts.FreeTier == "" {
		opts.FreeTier = "Free"
	}
	if opts.EntitlementTTL <= 0 {
		opts.EntitlementTTL = time.Minute
	}
	if opts.CatalogTTL <= 0 {
		opts.CatalogTTL = 5 * time.Minute
	}
	if opts.FailurePolicy == "" {
		opts.FailurePolicy = FailError
	}
	g := &Gate{
		entitlements: entitlements,
		catalog:      catalog,
		cache:        c,
		opts:         opts,
		logger:       logger,
		now:          time.Now,
	}
	for _, opt := range gopts {
		opt(g)
	}
	return g
}

// Authorize walks the state machine for req. A denied request returns the
// decision together with a Forbidden error; a request without identity for
// main-feature media returns an Unauthorized error.
func (g *Gate) Authorize(ctx context.Context, req Request) (Decision, error) {
	ctx, span := tracing.StartSpan(ctx, "entitlement.authorize",
		attribute.String("content_kind", string(req.Content.Kind)),
		attribute.String("content_id", req.Content.ID),
		attribute.String("variant", string(req.Variant)),
	)
	defer span.End()

	decision, err := g.authorize(ctx, req)
	span.SetAttributes(attribute.String("decision", string(decision.State)))

	g.metrics.RecordEntitlementDecision(ctx, string(decision.State))
	if g.audit != nil {
		g.audit.LogAccessDecision(req.Content, req.Variant, req.UserID, req.RequestID, string(decision.State), decision.Allowed, err)
	}

	entry := g.logger.WithFields(logrus.Fields{
		"request_id":   req.RequestID,
		"content_kind": req.Content.Kind,
		"content_id":   req.Content.ID,
		"variant":      req.Variant,
		"decision":     decision.State,
		"path":         decision.PathString(),
	})
	if err != nil && apperr.KindOf(err) == apperr.KindUpstream {
		entry.WithError(err).Error("Entitlement check failed")
	} else {
		entry.Debug("Entitlement decision")
	}
	return decision, err
}

func (g *Gate) authorize(ctx context.Context, req Request) (Decision, error) {
	d := Decision{}
	d.advance(StateStart)

	if err := req.Content.Validate(); err != nil {
		return d, err
	}

	if req.Variant.IsPromotional() {
		d.advance(StateTrailerBypass)
		return d, nil
	}

	if strings.TrimSpace(req.UserID) == "" {
		return d, apperr.New(apperr.KindUnauthorized, "identity required")
	}
	d.advance(StateIdentified)

	snap, err := g.snapshot(ctx, req.UserID)
	if err != nil {
		return g.onUpstreamFailure(d, err)
	}
	d.advance(StateEntitlementChecked)

	if !strings.EqualFold(snap.Tier, g.opts.FreeTier) {
		d.advance(StateNonFreeTierAllow)
		return d, nil
	}
	d.advance(StateFreeTierContentCheck)

	access, err := g.access(ctx, req.Content)
	if err != nil {
		return g.onUpstreamFailure(d, err)
	}
	if access.AccessType == AccessFree {
		d.advance(StateFreeContentAllow)
		return d, nil
	}
	d.advance(StateRentalCheck)

	now := g.now().UTC()
	for _, rental := range snap.Rentals {
		if rental.ContentID == req.Content.ID && rental.Expiry.UTC().After(now) {
			d.advance(StateRentalAllow)
			return d, nil
		}
	}
	d.advance(StateDeny)
	return d, apperr.New(apperr.KindForbidden, "not entitled to %s", req.Content)
}

// onUpstreamFailure applies the failure policy. Classified errors such as a
// catalog NotFound pass through unchanged.
func (g *Gate) onUpstreamFailure(d Decision, err error) (Decision, error) {
	if apperr.KindOf(err) != apperr.KindUpstream {
		return d, err
	}
	switch g.opts.FailurePolicy {
	case FailDeny:
		d.advance(StateDeny)
		g.logger.WithError(err).Warn("Entitlement upstream unavailable, denying access")
		return d, apperr.New(apperr.KindForbidden, "access could not be verified")
	case FailAllow:
		d.advance(StateFailOpenAllow)
		g.logger.WithError(err).Warn("Entitlement upstream unavailable, allowing access")
		return d, nil
	default:
		return d, apperr.Upstream(err, "entitlement check failed")
	}
}

func (g *Gate) snapshot(ctx context.Context, userID string) (*Snapshot, error) {
	key := "entitlements:" + userID
	var snap Snapshot
	if g.cacheGet(ctx, "entitlement", key, &snap) {
		return &snap, nil
	}

	fresh, err := g.entitlements.Entitlements(ctx, userID)
	if err != nil {
		g.metrics.RecordUpstreamError(ctx, "entitlement")
		return nil, err
	}
	if fresh == nil || strings.TrimSpace(fresh.Tier) == "" {
		g.metrics.RecordUpstreamError(ctx, "entitlement")
		return nil, apperr.Upstream(errors.New("entitlement reply without tier"), "entitlement service unavailable")
	}
	g.cacheSet(ctx, key, fresh, g.opts.EntitlementTTL)
	return fresh, nil
}

func (g *Gate) access(ctx context.Context, ref content.Ref) (*CatalogAccess, error) {
	key := "catalog:" + ref.CacheKey()
	var access CatalogAccess
	if g.cacheGet(ctx, "catalog", key, &access) {
		return &access, nil
	}

	fresh, err := g.catalog.Access(ctx, ref)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindUpstream {
			g.metrics.RecordUpstreamError(ctx, "catalog")
		}
		return nil, err
	}
	g.cacheSet(ctx, key, fresh, g.opts.CatalogTTL)
	return fresh, nil
}

// cacheGet treats cache errors as misses.
func (g *Gate) cacheGet(ctx context.Context, name, key string, dst interface{}) bool {
	if g.cache == nil {
		return false
	}
	found, err := g.cache.Get(ctx, key, dst)
	if err != nil {
		g.logger.WithError(err).WithField("cache_key", key).Warn("Cache read failed")
		found = false
	}
	g.metrics.RecordCacheLookup(name, found)
	return found
}

func (g *Gate) cacheSet(ctx context.Context, key string, value interface{}, ttl time.Duration) {
	if g.cache == nil {
		return
	}
	if err := g.cache.Set(ctx, key, value, ttl); err != nil {
		g.logger.WithError(err).WithField("cache_key", key).Warn("Cache write failed")
	}
}
