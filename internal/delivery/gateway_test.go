package delivery

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/kenneth/segment-key-gateway/internal/apperr"
	"github.com/kenneth/segment-key-gateway/internal/audit"
	"github.com/kenneth/segment-key-gateway/internal/cache"
	"github.com/kenneth/segment-key-gateway/internal/content"
	"github.com/kenneth/segment-key-gateway/internal/crypto"
	"github.com/kenneth/segment-key-gateway/internal/entitlement"
	"github.com/kenneth/segment-key-gateway/internal/keys"
	"github.com/kenneth/segment-key-gateway/internal/logging"
	"github.com/kenneth/segment-key-gateway/internal/playlist"
	"github.com/kenneth/segment-key-gateway/internal/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const bucket = "vod"

var movieM1 = content.Ref{Kind: content.KindMovie, ID: "M1"}

type stubGate struct {
	err   error
	calls []entitlement.Request
}

func (s *stubGate) Authorize(_ context.Context, req entitlement.Request) (entitlement.Decision, error) {
	s.calls = append(s.calls, req)
	if s.err != nil {
		return entitlement.Decision{State: entitlement.StateDeny}, s.err
	}
	return entitlement.Decision{State: entitlement.StateNonFreeTierAllow, Allowed: true}, nil
}

type fixture struct {
	gw      *Gateway
	gate    *stubGate
	objects *s3.MemoryClient
	store   *keys.MemoryStore
	issued  []keys.IssuedKey
	audit   audit.Logger
	now     time.Time
}

func newFixture(t *testing.T, envelope Envelope) *fixture {
	t.Helper()
	ctx := context.Background()

	objects := s3.NewMemoryClient()
	master := "#EXTM3U\n#EXT-X-STREAM-INF:BANDWIDTH=5000000,RESOLUTION=1920x1080\nhigh.m3u8\n#EXT-X-STREAM-INF:BANDWIDTH=1400000,RESOLUTION=854x480\nlow.m3u8\n"
	require.NoError(t, objects.PutObject(ctx, bucket, "movie/M1/processed/master.m3u8", strings.NewReader(master), "application/vnd.apple.mpegurl"))

	store := keys.NewMemoryStore()
	issued, err := keys.NewIssuer(store, keys.ReissueAllow, logging.Discard()).Issue(ctx, movieM1, content.VariantMain, 2)
	require.NoError(t, err)

	var sealed []playlist.EncryptedSegment
	for i, k := range issued {
		sealed = append(sealed, playlist.EncryptedSegment{
			Segment: playlist.Segment{URI: fmt.Sprintf("high_%05d.ts", i), Duration: 6},
			KeyURI:  playlist.KeyURL("https://gw.example.com", k.KeyID),
			IV:      "0x" + k.IV,
		})
	}
	media, err := playlist.BuildEncryptedMedia(sealed)
	require.NoError(t, err)
	require.NoError(t, objects.PutObject(ctx, bucket, "movie/M1/processed/high.m3u8", bytes.NewReader(media), "application/vnd.apple.mpegurl"))

	f := &fixture{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	clock := func() time.Time { return f.now }
	gate := &stubGate{}
	auditLog := audit.NewLogger(100, nil)
	gw, err := NewGateway(Config{
		Objects:     objects,
		Bucket:      bucket,
		Keys:        store,
		Gate:        gate,
		Sessions:    cache.NewSessionKeys(cache.NewMemoryCache(clock), 10*time.Minute, cache.WithSessionClock(clock)),
		Envelope:    envelope,
		GatewayBase: "https://gw.example.com",
		Logger:      logging.Discard(),
		Audit:       auditLog,
	})
	require.NoError(t, err)
	f.gw, f.gate, f.objects, f.store, f.issued, f.audit = gw, gate, objects, store, issued, auditLog
	return f
}

func TestMasterPlaylist_Rewrites(t *testing.T) {
	f := newFixture(t, EnvelopeNone)
	out, err := f.gw.MasterPlaylist(context.Background(), entitlement.Request{UserID: "u1", Content: movieM1})
	require.NoError(t, err)

	text := string(out)
	assert.Contains(t, text, "https://gw.example.com/playlists/movie/M1/high.m3u8\n")
	assert.Contains(t, text, "https://gw.example.com/playlists/movie/M1/low.m3u8\n")
	assert.Contains(t, text, "#EXT-X-STREAM-INF:BANDWIDTH=5000000,RESOLUTION=1920x1080\n")
	require.Len(t, f.gate.calls, 1)
}

func TestMasterPlaylist_DeniedAndMissing(t *testing.T) {
	f := newFixture(t, EnvelopeNone)
	f.gate.err = apperr.New(apperr.KindForbidden, "not entitled")
	_, err := f.gw.MasterPlaylist(context.Background(), entitlement.Request{UserID: "u1", Content: movieM1})
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))

	f.gate.err = nil
	_, err = f.gw.MasterPlaylist(context.Background(), entitlement.Request{UserID: "u1", Content: content.Ref{Kind: content.KindMovie, ID: "M2"}})
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestRenditionPlaylist(t *testing.T) {
	f := newFixture(t, EnvelopeNone)
	ctx := context.Background()
	req := entitlement.Request{UserID: "u1", Content: movieM1}

	data, err := f.gw.RenditionPlaylist(ctx, req, "high.m3u8")
	require.NoError(t, err)
	segments, err := playlist.ParseMedia(data)
	require.NoError(t, err)
	require.Len(t, segments, 2)
	assert.Equal(t, "https://gw.example.com/segments/movie/M1/high_00000.ts", segments[0].URI)
	assert.Equal(t, "https://gw.example.com/segments/movie/M1/high_00001.ts", segments[1].URI)
	assert.Contains(t, string(data), `URI="https://gw.example.com/keys/`+f.issued[1].KeyID+`"`)

	for _, name := range []string{"../master.m3u8", "high_00000.ts", "a/b.m3u8", ""} {
		_, err := f.gw.RenditionPlaylist(ctx, req, name)
		assert.Equal(t, apperr.KindValidation, apperr.KindOf(err), name)
	}
	assert.Len(t, f.gate.calls, 1, "invalid names are rejected before the entitlement check")

	_, err = f.gw.RenditionPlaylist(ctx, req, "medium.m3u8")
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestRenditionPlaylist_SegmentBase(t *testing.T) {
	f := newFixture(t, EnvelopeNone)
	f.gw.cfg.SegmentBase = "https://cdn.example.com/vod"

	data, err := f.gw.RenditionPlaylist(context.Background(), entitlement.Request{UserID: "u1", Content: movieM1}, "high.m3u8")
	require.NoError(t, err)
	segments, err := playlist.ParseMedia(data)
	require.NoError(t, err)
	require.Len(t, segments, 2)
	assert.Equal(t, "https://cdn.example.com/vod/movie/M1/processed/high_00001.ts", segments[1].URI)
}

func TestSegmentURL(t *testing.T) {
	f := newFixture(t, EnvelopeNone)
	ctx := context.Background()
	req := entitlement.Request{UserID: "u1", Content: movieM1}

	u, err := f.gw.SegmentURL(ctx, req, "high_00000.ts")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(u, "memory:///vod/movie/M1/processed/high_00000.ts?expires="), u)
	require.Len(t, f.gate.calls, 1)

	for _, name := range []string{"high.m3u8", "../high_00000.ts", "a/high_00000.ts", ""} {
		_, err := f.gw.SegmentURL(ctx, req, name)
		assert.Equal(t, apperr.KindValidation, apperr.KindOf(err), name)
	}
	assert.Len(t, f.gate.calls, 1)

	f.gate.err = apperr.New(apperr.KindForbidden, "not entitled")
	_, err = f.gw.SegmentURL(ctx, req, "high_00000.ts")
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))
}

func TestSegmentKey_Raw(t *testing.T) {
	f := newFixture(t, EnvelopeNone)
	k := f.issued[1]

	delivered, err := f.gw.SegmentKey(context.Background(), KeyRequest{KeyID: k.KeyID, UserID: "u1", RequestID: "r1"})
	require.NoError(t, err)
	assert.Equal(t, KeyContentType, delivered.ContentType)
	assert.Len(t, delivered.Body, 16)
	assert.Equal(t, k.Key, hex.EncodeToString(delivered.Body))

	require.Len(t, f.gate.calls, 1)
	assert.Equal(t, movieM1, f.gate.calls[0].Content)
	assert.Equal(t, "u1", f.gate.calls[0].UserID)

	events := f.audit.GetEvents()
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, audit.EventTypeKeyDelivery, last.EventType)
	assert.Equal(t, k.KeyID, last.KeyID)
	assert.True(t, last.Success)
}

func TestSegmentKey_UnknownAndDenied(t *testing.T) {
	f := newFixture(t, EnvelopeNone)
	ctx := context.Background()

	_, err := f.gw.SegmentKey(ctx, KeyRequest{KeyID: "does-not-exist", UserID: "u1"})
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
	assert.Empty(t, f.gate.calls)

	_, err = f.gw.SegmentKey(ctx, KeyRequest{KeyID: " "})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	f.gate.err = apperr.New(apperr.KindUnauthorized, "identity required")
	_, err = f.gw.SegmentKey(ctx, KeyRequest{KeyID: f.issued[0].KeyID})
	assert.Equal(t, apperr.KindUnauthorized, apperr.KindOf(err))
}

type brokenStore struct{ keys.Store }

func (brokenStore) Get(context.Context, string) (*keys.KeyRecord, error) {
	return nil, errors.New("dial tcp 10.0.0.1:6379: connect: connection refused")
}

func TestSegmentKey_StoreFailure(t *testing.T) {
	f := newFixture(t, EnvelopeNone)
	f.gw.cfg.Keys = brokenStore{}
	_, err := f.gw.SegmentKey(context.Background(), KeyRequest{KeyID: "k", UserID: "u1"})
	assert.Equal(t, apperr.KindUpstream, apperr.KindOf(err))
	assert.NotContains(t, apperr.PublicMessage(err), "10.0.0.1")
}

func TestSegmentKey_SessionEnvelope(t *testing.T) {
	f := newFixture(t, EnvelopeSession)
	ctx := context.Background()
	k := f.issued[0]

	delivered, err := f.gw.SegmentKey(ctx, KeyRequest{KeyID: k.KeyID, UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, EnvelopeSession, delivered.Envelope)
	assert.NotEqual(t, 16, len(delivered.Body))

	f.now = f.now.Add(9 * time.Minute)
	session, err := f.gw.SessionKey(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, time.Minute, session.ExpiresIn, "reports the time left on the key that wrapped the segment key")

	raw, err := crypto.UnwrapKey(session.Key, delivered.Body, k.KeyID)
	require.NoError(t, err)
	assert.Equal(t, k.Key, hex.EncodeToString(raw))

	other, err := f.gw.SessionKey(ctx, "u2")
	require.NoError(t, err)
	_, err = crypto.UnwrapKey(other.Key, delivered.Body, k.KeyID)
	assert.Error(t, err)

	_, err = f.gw.SessionKey(ctx, "")
	assert.Equal(t, apperr.KindUnauthorized, apperr.KindOf(err))
}

func TestSessionKey_DisabledWithoutEnvelope(t *testing.T) {
	f := newFixture(t, EnvelopeNone)
	_, err := f.gw.SessionKey(context.Background(), "u1")
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestNewGateway_Validation(t *testing.T) {
	_, err := NewGateway(Config{})
	assert.Error(t, err)

	_, err = NewGateway(Config{
		Objects:  s3.NewMemoryClient(),
		Bucket:   bucket,
		Keys:     keys.NewMemoryStore(),
		Gate:     &stubGate{},
		Envelope: EnvelopeSession,
	})
	assert.Error(t, err)
}

func TestParseEnvelope(t *testing.T) {
	e, err := ParseEnvelope("")
	require.NoError(t, err)
	assert.Equal(t, EnvelopeNone, e)

	e, err = ParseEnvelope("SESSION")
	require.NoError(t, err)
	assert.Equal(t, EnvelopeSession, e)

	_, err = ParseEnvelope("widevine")
	assert.Error(t, err)
}
