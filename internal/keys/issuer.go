package keys

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/kenneth/segment-key-gateway/internal/apperr"
	"github.com/kenneth/segment-key-gateway/internal/audit"
	"github.com/kenneth/segment-key-gateway/internal/content"
	"github.com/kenneth/segment-key-gateway/internal/crypto"
	"github.com/kenneth/segment-key-gateway/internal/metrics"
	"github.com/sirupsen/logrus"
)

// ReissuePolicy decides what happens when keys already exist for a content item.
type ReissuePolicy string

const (
	// ReissueAllow creates a second, independent key set and logs a warning.
	ReissueAllow ReissuePolicy = "allow"
	// ReissueReject fails issuance with a conflict.
	ReissueReject ReissuePolicy = "reject"
)

// MaxSegments bounds a single issuance request.
const MaxSegments = 100000

// IssuedKey is the cleartext key material returned to the pipeline. The
// slice index is the segment index.
type IssuedKey struct {
	KeyID string `json:"keyId"`
	Key   string `json:"key"`
	IV    string `json:"iv"`
}

// Issuer generates and persists segment keys.
type Issuer struct {
	store   Store
	policy  ReissuePolicy
	logger  *logrus.Logger
	metrics *metrics.Metrics
	audit   audit.Logger
	rand    io.Reader
	now     func() time.Time
}

// IssuerOption customises an Issuer.
type IssuerOption func(*Issuer)

// WithMetrics records issuance counts.
func WithMetrics(m *metrics.Metrics) IssuerOption {
	return func(i *Issuer) { i.metrics = m }
}

// WithAudit records every issuance call.
func WithAudit(a audit.Logger) IssuerOption {
	return func(i *Issuer) { i.audit = a }
}

// WithRandom replaces the entropy source.
func WithRandom(r io.Reader) IssuerOption {
	return func(i *Issuer) { i.rand = r }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) IssuerOption {
	return func(i *Issuer) { i.now = now }
}

// NewIssuer creates an issuer writing to store.
func NewIssuer(store Store, policy ReissuePolicy, logger *logrus.Logger, opts ...IssuerOption) *Issuer {
	if policy == "" {
		policy = ReissueAllow
	}
	i := &Issuer{
		store:  store,
		policy: policy,
		logger: logger,
		rand:   rand.Reader,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Issue generates totalSegments keys for the content item, persists them and
// returns the cleartext material. Key i belongs to segment i of every
// rendition.
func (i *Issuer) Issue(ctx context.Context, ref content.Ref, variant content.Variant, totalSegments int) ([]IssuedKey, error) {
	start := time.Now()
	keys, err := i.issue(ctx, ref, variant, totalSegments)
	if i.audit != nil {
		i.audit.LogKeyIssuance(ref, variant, len(keys), err, time.Since(start))
	}
	return keys, err
}

func (i *Issuer) issue(ctx context.Context, ref content.Ref, variant content.Variant, totalSegments int) ([]IssuedKey, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}
	if totalSegments <= 0 {
		return nil, apperr.Validation("totalSegments must be a positive integer")
	}
	if totalSegments > MaxSegments {
		return nil, apperr.Validation("totalSegments must not exceed %d", MaxSegments)
	}

	fields := logrus.Fields{
		"content_kind": ref.Kind,
		"content_id":   ref.ID,
		"variant":      variant,
		"segments":     totalSegments,
	}

	existing, err := i.store.CountByContent(ctx, ref, variant)
	if err != nil {
		return nil, apperr.Upstream(err, "failed to check existing keys")
	}
	if existing > 0 {
		if i.policy == ReissueReject {
			return nil, i.reissueConflict(ctx, ref, variant, fields)
		}
		i.logger.WithFields(fields).WithField("existing", existing).
			Warn("Issuing an additional key set for content that already has keys")
	}

	records := make([]KeyRecord, totalSegments)
	issued := make([]IssuedKey, totalSegments)
	now := i.now()
	for idx := range records {
		key, iv, err := i.newKeyMaterial()
		if err != nil {
			return nil, apperr.Upstream(err, "failed to generate key material")
		}
		keyID, err := uuid.NewRandomFromReader(i.rand)
		if err != nil {
			return nil, apperr.Upstream(err, "failed to generate key id")
		}
		records[idx] = KeyRecord{
			KeyID:        keyID.String(),
			Content:      ref,
			Variant:      variant,
			SegmentIndex: idx,
			Key:          hex.EncodeToString(key),
			IV:           hex.EncodeToString(iv),
			CreatedAt:    now,
		}
		issued[idx] = IssuedKey{KeyID: records[idx].KeyID, Key: records[idx].Key, IV: records[idx].IV}
	}

	if err := i.store.Put(ctx, records); err != nil {
		i.logger.WithFields(fields).WithError(err).Error("Failed to persist segment keys")
		return nil, apperr.Upstream(err, "failed to persist segment keys")
	}

	i.metrics.RecordKeysIssued(ctx, string(ref.Kind), totalSegments)
	i.logger.WithFields(fields).Info("Issued segment keys")
	return issued, nil
}

// reissueConflict logs the key ids already on record so an operator can find
// the live key set.
func (i *Issuer) reissueConflict(ctx context.Context, ref content.Ref, variant content.Variant, fields logrus.Fields) error {
	records, err := i.store.ListByContent(ctx, ref, variant)
	if err != nil {
		return apperr.Upstream(err, "failed to check existing keys")
	}
	ids := make([]string, len(records))
	for idx, rec := range records {
		ids[idx] = rec.KeyID
	}
	i.logger.WithFields(fields).WithField("existing_key_ids", ids).
		Warn("Rejected key reissue for content that already has keys")
	return apperr.New(apperr.KindConflict, "keys already issued for %s (%d existing)", ref, len(records))
}

func (i *Issuer) newKeyMaterial() (key, iv []byte, err error) {
	buf := make([]byte, crypto.SegmentKeySize+crypto.SegmentIVSize)
	if _, err := io.ReadFull(i.rand, buf); err != nil {
		return nil, nil, fmt.Errorf("entropy source: %w", err)
	}
	return buf[:crypto.SegmentKeySize], buf[crypto.SegmentKeySize:], nil
}
