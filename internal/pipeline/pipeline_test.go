package pipeline

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kenneth/segment-key-gateway/internal/audit"
	"github.com/kenneth/segment-key-gateway/internal/content"
	"github.com/kenneth/segment-key-gateway/internal/crypto"
	"github.com/kenneth/segment-key-gateway/internal/debug"
	"github.com/kenneth/segment-key-gateway/internal/events"
	"github.com/kenneth/segment-key-gateway/internal/keys"
	"github.com/kenneth/segment-key-gateway/internal/logging"
	"github.com/kenneth/segment-key-gateway/internal/playlist"
	"github.com/kenneth/segment-key-gateway/internal/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	rawBucket = "raw"
	vodBucket = "vod"
)

var movieM1 = content.Ref{Kind: content.KindMovie, ID: "M1"}

// fakeTranscoder writes deterministic plaintext segments instead of running ffmpeg.
type fakeTranscoder struct {
	segments map[string]int
	duration float64
}

func (f *fakeTranscoder) Probe(_ context.Context, input string) (*ProbeResult, error) {
	if _, err := os.Stat(input); err != nil {
		return nil, err
	}
	return &ProbeResult{DurationSeconds: f.duration, Width: 1920, Height: 1080}, nil
}

func (f *fakeTranscoder) Normalize(_ context.Context, input, output string) error {
	return copyFile(input, output)
}

func plainSegment(rendition string, i int) []byte {
	return []byte(strings.Repeat(fmt.Sprintf("%s-segment-%d|", rendition, i), 40))
}

func (f *fakeTranscoder) Transcode(_ context.Context, _ string, r Rendition, outDir string, segmentDuration time.Duration) error {
	n := f.segments[r.Name]
	var b strings.Builder
	fmt.Fprintf(&b, "#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:%d\n#EXT-X-MEDIA-SEQUENCE:0\n#EXT-X-PLAYLIST-TYPE:VOD\n", int(segmentDuration.Seconds()))
	for i := 0; i < n; i++ {
		name := fmt.Sprintf(r.SegmentPattern(), i)
		if err := os.WriteFile(filepath.Join(outDir, name), plainSegment(r.Name, i), 0o640); err != nil {
			return err
		}
		fmt.Fprintf(&b, "#EXTINF:%.6f,\n%s\n", segmentDuration.Seconds(), name)
	}
	b.WriteString("#EXT-X-ENDLIST\n")
	return os.WriteFile(filepath.Join(outDir, r.PlaylistName()), []byte(b.String()), 0o640)
}

type fixture struct {
	runner   *Runner
	objects  *s3.MemoryClient
	store    *keys.MemoryStore
	audit    audit.Logger
	workDir  string
	duration []events.DurationComputed
}

func newFixture(t *testing.T, tr Transcoder) *fixture {
	t.Helper()
	f := &fixture{
		objects: s3.NewMemoryClient(),
		store:   keys.NewMemoryStore(),
		audit:   audit.NewLogger(100, nil),
		workDir: t.TempDir(),
	}
	require.NoError(t, f.objects.PutObject(context.Background(), rawBucket, "movie/M1/source.mp4", strings.NewReader("raw-mp4"), "video/mp4"))

	runner, err := NewRunner(Config{
		Objects:         f.objects,
		Bucket:          vodBucket,
		Issuer:          keys.NewIssuer(f.store, keys.ReissueAllow, logging.Discard()),
		Transcoder:      tr,
		Sealer:          NativeSealer{},
		SegmentDuration: 6 * time.Second,
		WorkDir:         f.workDir,
		GatewayBase:     "https://gw.example.com",
		Logger:          logging.Discard(),
		Audit:           f.audit,
		OnDuration: func(_ context.Context, d events.DurationComputed) {
			f.duration = append(f.duration, d)
		},
	})
	require.NoError(t, err)
	f.runner = runner
	return f
}

func (f *fixture) object(t *testing.T, key string) []byte {
	t.Helper()
	body, err := f.objects.GetObject(context.Background(), vodBucket, key)
	require.NoError(t, err, key)
	defer body.Close()
	data, err := io.ReadAll(body)
	require.NoError(t, err)
	return data
}

func asset() events.Asset {
	return events.Asset{Content: movieM1, Source: "s3://raw/movie/M1/source.mp4"}
}

func TestRunner_EncryptsEveryRendition(t *testing.T) {
	prev := debug.Enabled()
	debug.SetEnabled(false)
	t.Cleanup(func() { debug.SetEnabled(prev) })

	tr := &fakeTranscoder{segments: map[string]int{"high": 3, "medium": 3, "low": 3}, duration: 17.5}
	f := newFixture(t, tr)
	ctx := context.Background()

	result, err := f.runner.Run(ctx, asset())
	require.NoError(t, err)
	assert.Equal(t, StageDone, result.Stage)
	assert.Equal(t, 3, result.TotalSegments)
	assert.InDelta(t, 17.5, result.DurationSeconds, 0.001)
	assert.Len(t, result.Uploaded, 3*3+3+1)
	assert.Equal(t, "movie/M1/processed/master.m3u8", result.Uploaded[len(result.Uploaded)-1], "master is uploaded last")

	require.Len(t, f.duration, 1)
	assert.Equal(t, movieM1, f.duration[0].Content)

	records, err := f.store.ListByContent(ctx, movieM1, content.VariantMain)
	require.NoError(t, err)
	require.Len(t, records, 3, "one key per segment index shared by all renditions")

	for _, r := range DefaultLadder {
		media := string(f.object(t, "movie/M1/processed/"+r.PlaylistName()))
		assert.Equal(t, 3, strings.Count(media, "#EXT-X-KEY:METHOD=AES-128"))
		segments, err := playlist.ParseMedia([]byte(media))
		require.NoError(t, err)
		require.Len(t, segments, 3)

		for i, rec := range records {
			assert.Contains(t, media, `URI="https://gw.example.com/keys/`+rec.KeyID+`"`)
			key, iv, err := crypto.DecodeKeyMaterial(rec.Key, rec.IV)
			require.NoError(t, err)
			assert.Contains(t, media, "IV="+crypto.FormatIV(iv))

			sealed := f.object(t, "movie/M1/processed/"+fmt.Sprintf(r.SegmentPattern(), i))
			plain, err := crypto.DecryptSegment(sealed, key, iv)
			require.NoError(t, err)
			assert.Equal(t, plainSegment(r.Name, i), plain)
		}
	}

	master := f.object(t, "movie/M1/processed/master.m3u8")
	assert.Equal(t, string(playlist.BuildMaster([]playlist.Rendition{
		{URI: "high.m3u8", Bandwidth: 5000000, Resolution: "1920x1080"},
		{URI: "medium.m3u8", Bandwidth: 2800000, Resolution: "1280x720"},
		{URI: "low.m3u8", Bandwidth: 1400000, Resolution: "854x480"},
	})), string(master), "master is copied unmodified")

	entries, err := os.ReadDir(f.workDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "work dir is cleaned up")

	logged := f.audit.GetEvents()
	require.NotEmpty(t, logged)
	assert.Equal(t, audit.EventTypePipelineRun, logged[len(logged)-1].EventType)
	assert.True(t, logged[len(logged)-1].Success)
}

func TestRunner_RenditionCountMismatchFailsEncrypt(t *testing.T) {
	tr := &fakeTranscoder{segments: map[string]int{"high": 3, "medium": 3, "low": 2}, duration: 18}
	f := newFixture(t, tr)

	result, err := f.runner.Run(context.Background(), asset())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "encrypt")
	assert.Equal(t, StageFailed, result.Stage)
	assert.Equal(t, StageEncrypt, result.FailedStage)

	objects, err := f.objects.ListObjects(context.Background(), vodBucket, "movie/M1/processed/")
	require.NoError(t, err)
	assert.Empty(t, objects)

	count, err := f.store.CountByContent(context.Background(), movieM1, content.VariantMain)
	require.NoError(t, err)
	assert.Equal(t, 3, count, "issued keys are not rolled back")
}

func TestRunner_MissingSourceFailsDownload(t *testing.T) {
	f := newFixture(t, &fakeTranscoder{segments: map[string]int{"high": 1, "medium": 1, "low": 1}, duration: 6})
	result, err := f.runner.Run(context.Background(), events.Asset{Content: movieM1, Source: "s3://raw/movie/M1/missing.mp4"})
	require.Error(t, err)
	assert.ErrorIs(t, err, s3.ErrNotFound)
	assert.Equal(t, StageDownload, result.FailedStage)
	assert.Empty(t, f.duration)
}

func TestRunner_EmptyRenditionFailsCount(t *testing.T) {
	f := newFixture(t, &fakeTranscoder{segments: map[string]int{}, duration: 6})
	result, err := f.runner.Run(context.Background(), asset())
	require.Error(t, err)
	assert.Equal(t, StageCount, result.FailedStage)
}

func TestRunner_VariantUsesVariantPrefix(t *testing.T) {
	f := newFixture(t, &fakeTranscoder{segments: map[string]int{"high": 1, "medium": 1, "low": 1}, duration: 6})
	a := asset()
	a.Variant = content.VariantTrailer
	result, err := f.runner.Run(context.Background(), a)
	require.NoError(t, err)
	for _, key := range result.Uploaded {
		assert.True(t, strings.HasPrefix(key, "movie/M1/trailer/processed/"), key)
	}
}

func TestRunner_CancelledContext(t *testing.T) {
	f := newFixture(t, &fakeTranscoder{segments: map[string]int{"high": 1}, duration: 6})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	result, err := f.runner.Run(ctx, asset())
	require.Error(t, err)
	assert.Equal(t, StageDownload, result.FailedStage)
}

func TestNewRunner_Validation(t *testing.T) {
	_, err := NewRunner(Config{})
	assert.Error(t, err)

	r, err := NewRunner(Config{
		Objects:    s3.NewMemoryClient(),
		Bucket:     vodBucket,
		Issuer:     keys.NewIssuer(keys.NewMemoryStore(), keys.ReissueAllow, logging.Discard()),
		Transcoder: &fakeTranscoder{},
		Sealer:     NativeSealer{},
	})
	require.NoError(t, err)
	assert.Equal(t, DefaultLadder, r.cfg.Ladder)
	assert.Equal(t, 6*time.Second, r.cfg.SegmentDuration)
}

func TestRunner_DebugKeepsWorkDir(t *testing.T) {
	prev := debug.Enabled()
	debug.SetEnabled(true)
	t.Cleanup(func() { debug.SetEnabled(prev) })

	f := newFixture(t, &fakeTranscoder{segments: map[string]int{"high": 1, "medium": 1, "low": 1}, duration: 6})
	_, err := f.runner.Run(context.Background(), asset())
	require.NoError(t, err)

	runs, err := filepath.Glob(filepath.Join(f.workDir, "run-movie-M1-*"))
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.FileExists(t, filepath.Join(runs[0], "sealed", "master.m3u8"))
}
