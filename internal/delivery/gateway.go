// Package delivery serves rewritten playlists and segment keys to players.
package delivery

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/kenneth/segment-key-gateway/internal/apperr"
	"github.com/kenneth/segment-key-gateway/internal/audit"
	"github.com/kenneth/segment-key-gateway/internal/cache"
	"github.com/kenneth/segment-key-gateway/internal/content"
	"github.com/kenneth/segment-key-gateway/internal/crypto"
	"github.com/kenneth/segment-key-gateway/internal/entitlement"
	"github.com/kenneth/segment-key-gateway/internal/keys"
	"github.com/kenneth/segment-key-gateway/internal/metrics"
	"github.com/kenneth/segment-key-gateway/internal/playlist"
	"github.com/kenneth/segment-key-gateway/internal/s3"
	"github.com/sirupsen/logrus"
)

// KeyContentType is the media type of a delivered segment key.
const KeyContentType = "application/octet-stream"

// Envelope selects how segment keys leave the gateway.
type Envelope string

const (
	// EnvelopeNone returns the raw 16-byte key.
	EnvelopeNone Envelope = "none"
	// EnvelopeSession seals the key under the caller's session key.
	EnvelopeSession Envelope = "session"
)

// ParseEnvelope validates an envelope mode. Empty selects EnvelopeNone.
func ParseEnvelope(s string) (Envelope, error) {
	switch e := Envelope(strings.ToLower(strings.TrimSpace(s))); e {
	case "":
		return EnvelopeNone, nil
	case EnvelopeNone, EnvelopeSession:
		return e, nil
	default:
		return "", apperr.Validation("unknown key envelope %q", s)
	}
}

// Authorizer decides whether a request may see a content item.
type Authorizer interface {
	Authorize(ctx context.Context, req entitlement.Request) (entitlement.Decision, error)
}

// Config wires a Gateway.
type Config struct {
	Objects     s3.Client
	Bucket      string
	Keys        keys.Store
	Gate        Authorizer
	Sessions    *cache.SessionKeys
	Envelope    Envelope
	GatewayBase string
	// SegmentBase serves the processed tree directly (CDN or public bucket).
	// Empty points segment URIs at the gateway's redirect route.
	SegmentBase string
	// SegmentURLTTL bounds the presigned URLs handed out by SegmentURL.
	SegmentURLTTL time.Duration
	Logger        *logrus.Logger
	Metrics     *metrics.Metrics
	Audit       audit.Logger
}

// Gateway rewrites playlists and hands out segment keys after an entitlement
// check.
type Gateway struct {
	cfg Config
}

// NewGateway validates cfg and creates a gateway.
func NewGateway(cfg Config) (*Gateway, error) {
	if cfg.Objects == nil || cfg.Keys == nil || cfg.Gate == nil {
		return nil, fmt.Errorf("delivery gateway requires object storage, a key store and an authorizer")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("delivery gateway requires a bucket")
	}
	if cfg.Envelope == "" {
		cfg.Envelope = EnvelopeNone
	}
	if cfg.Envelope == EnvelopeSession && cfg.Sessions == nil {
		return nil, fmt.Errorf("session envelope requires a session key cache")
	}
	if cfg.SegmentURLTTL <= 0 {
		cfg.SegmentURLTTL = 15 * time.Minute
	}
	cfg.SegmentBase = strings.TrimSuffix(cfg.SegmentBase, "/")
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	return &Gateway{cfg: cfg}, nil
}

// Envelope reports the configured envelope mode.
func (g *Gateway) Envelope() Envelope {
	return g.cfg.Envelope
}

// MasterPlaylist returns the stored master playlist of req.Content with every
// rendition reference pointing at the gateway.
func (g *Gateway) MasterPlaylist(ctx context.Context, req entitlement.Request) ([]byte, error) {
	if _, err := g.cfg.Gate.Authorize(ctx, req); err != nil {
		return nil, err
	}

	key := content.ProcessedKey(req.Content, req.Variant, playlist.MasterName)
	data, err := g.readObject(ctx, key)
	if err != nil {
		return nil, err
	}

	rewritten, err := playlist.RewriteMaster(data, g.cfg.GatewayBase, req.Content, req.Variant)
	if err != nil {
		return nil, apperr.Upstream(err, "stored master playlist is invalid")
	}
	return rewritten, nil
}

// RenditionPlaylist returns a stored rendition playlist with every segment
// URI resolved to where a player can fetch it. file must be a bare .m3u8 name.
func (g *Gateway) RenditionPlaylist(ctx context.Context, req entitlement.Request, file string) ([]byte, error) {
	if !playlist.IsPlaylistName(file) {
		return nil, apperr.Validation("invalid playlist name %q", file)
	}
	if _, err := g.cfg.Gate.Authorize(ctx, req); err != nil {
		return nil, err
	}

	data, err := g.readObject(ctx, content.ProcessedKey(req.Content, req.Variant, file))
	if err != nil {
		return nil, err
	}
	rewritten, err := playlist.RewriteMedia(data, func(segment string) string {
		if g.cfg.SegmentBase != "" {
			return g.cfg.SegmentBase + "/" + content.ProcessedKey(req.Content, req.Variant, segment)
		}
		return playlist.SegmentURL(g.cfg.GatewayBase, req.Content, req.Variant, segment)
	})
	if err != nil {
		return nil, apperr.Upstream(err, "stored rendition playlist is invalid")
	}
	return rewritten, nil
}

// SegmentURL authorizes req and returns a short-lived presigned URL for one
// encrypted segment. file must be a bare .ts name.
func (g *Gateway) SegmentURL(ctx context.Context, req entitlement.Request, file string) (string, error) {
	if !playlist.IsSegmentName(file) {
		return "", apperr.Validation("invalid segment name %q", file)
	}
	if _, err := g.cfg.Gate.Authorize(ctx, req); err != nil {
		return "", err
	}

	key := content.ProcessedKey(req.Content, req.Variant, file)
	u, err := g.cfg.Objects.PresignGetObject(ctx, g.cfg.Bucket, key, g.cfg.SegmentURLTTL)
	if err != nil {
		return "", apperr.Upstream(err, "failed to locate segment")
	}
	return u, nil
}

// KeyRequest identifies the caller of a key fetch.
type KeyRequest struct {
	KeyID     string
	UserID    string
	RequestID string
}

// DeliveredKey is the response body for a key fetch.
type DeliveredKey struct {
	Body        []byte
	ContentType string
	Envelope    Envelope
}

// SegmentKey returns the key for req.KeyID once the caller is authorized for
// the key's content.
func (g *Gateway) SegmentKey(ctx context.Context, req KeyRequest) (delivered *DeliveredKey, err error) {
	defer func() {
		if g.cfg.Audit != nil {
			g.cfg.Audit.LogKeyDelivery(req.KeyID, req.UserID, req.RequestID, string(g.cfg.Envelope), err)
		}
	}()

	if strings.TrimSpace(req.KeyID) == "" {
		return nil, apperr.Validation("key id is required")
	}

	record, err := g.cfg.Keys.Get(ctx, req.KeyID)
	if errors.Is(err, keys.ErrNotFound) {
		return nil, apperr.NotFound("key %s not found", req.KeyID)
	}
	if err != nil {
		return nil, apperr.Upstream(err, "failed to load key")
	}

	if _, err := g.cfg.Gate.Authorize(ctx, entitlement.Request{
		UserID:    req.UserID,
		RequestID: req.RequestID,
		Content:   record.Content,
		Variant:   record.Variant,
	}); err != nil {
		return nil, err
	}

	raw, err := hex.DecodeString(record.Key)
	if err != nil || len(raw) != crypto.SegmentKeySize {
		return nil, apperr.Upstream(fmt.Errorf("stored key %s is malformed: %v", req.KeyID, err), "failed to load key")
	}

	body := raw
	if g.cfg.Envelope == EnvelopeSession {
		session, err := g.session(ctx, req.UserID)
		if err != nil {
			return nil, err
		}
		body, err = crypto.WrapKey(session.Key, raw, req.KeyID)
		if err != nil {
			return nil, apperr.Upstream(err, "failed to seal key")
		}
	}

	g.cfg.Metrics.RecordKeyDelivered(ctx, string(g.cfg.Envelope))
	g.cfg.Logger.WithFields(logrus.Fields{
		"key_id":       req.KeyID,
		"request_id":   req.RequestID,
		"content_kind": record.Content.Kind,
		"content_id":   record.Content.ID,
		"segment":      record.SegmentIndex,
	}).Debug("Delivered segment key")

	return &DeliveredKey{Body: body, ContentType: KeyContentType, Envelope: g.cfg.Envelope}, nil
}

// SessionKey is the caller's session envelope key and the time left on it.
type SessionKey struct {
	Key       []byte
	ExpiresIn time.Duration
}

// SessionKey returns the caller's envelope key. Only available in session
// envelope mode.
func (g *Gateway) SessionKey(ctx context.Context, userID string) (*SessionKey, error) {
	if g.cfg.Envelope != EnvelopeSession {
		return nil, apperr.NotFound("session keys are not enabled")
	}
	session, err := g.session(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &SessionKey{Key: session.Key, ExpiresIn: session.ExpiresIn(g.cfg.Sessions.Now())}, nil
}

func (g *Gateway) session(ctx context.Context, userID string) (cache.Session, error) {
	if strings.TrimSpace(userID) == "" {
		return cache.Session{}, apperr.New(apperr.KindUnauthorized, "identity required")
	}
	session, err := g.cfg.Sessions.GetOrCreate(ctx, userID)
	if err != nil {
		return cache.Session{}, apperr.Upstream(err, "failed to load session key")
	}
	return session, nil
}

func (g *Gateway) readObject(ctx context.Context, key string) ([]byte, error) {
	body, err := g.cfg.Objects.GetObject(ctx, g.cfg.Bucket, key)
	if err != nil {
		return nil, g.objectError(err, key)
	}
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, apperr.Upstream(err, "failed to read object")
	}
	return data, nil
}

func (g *Gateway) objectError(err error, key string) error {
	if errors.Is(err, s3.ErrNotFound) {
		return apperr.NotFound("object %s not found", key)
	}
	return apperr.Upstream(err, "failed to read object")
}
