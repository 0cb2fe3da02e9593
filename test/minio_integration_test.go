package test

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/kenneth/segment-key-gateway/internal/app"
	"github.com/kenneth/segment-key-gateway/internal/config"
	"github.com/kenneth/segment-key-gateway/internal/crypto"
	"github.com/kenneth/segment-key-gateway/internal/pipeline"
	"github.com/kenneth/segment-key-gateway/internal/playlist"
	"github.com/kenneth/segment-key-gateway/internal/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/minio"
)

const (
	minioImage = "minio/minio:RELEASE.2024-01-16T16-07-38Z"
	rawBucket  = "raw"
	vodBucket  = "vod"
)

// startMinIO runs a MinIO container and returns a backend config for it with
// the raw and vod buckets created.
func startMinIO(t *testing.T) config.BackendConfig {
	t.Helper()
	ctx := context.Background()

	ctr, err := minio.Run(ctx, minioImage, minio.WithUsername("gateway"), minio.WithPassword("gateway-secret"))
	testcontainers.CleanupContainer(t, ctr)
	require.NoError(t, err)

	endpoint, err := ctr.ConnectionString(ctx)
	require.NoError(t, err)

	backend := config.BackendConfig{
		Endpoint:     "http://" + endpoint,
		Region:       "us-east-1",
		AccessKey:    ctr.Username,
		SecretKey:    ctr.Password,
		Provider:     "minio",
		Bucket:       vodBucket,
		UsePathStyle: true,
	}

	admin := awss3.New(awss3.Options{
		BaseEndpoint: aws.String(backend.Endpoint),
		Region:       backend.Region,
		UsePathStyle: true,
		Credentials:  credentials.NewStaticCredentialsProvider(backend.AccessKey, backend.SecretKey, ""),
	})
	for _, b := range []string{rawBucket, vodBucket} {
		_, err := admin.CreateBucket(ctx, &awss3.CreateBucketInput{Bucket: aws.String(b)})
		require.NoError(t, err, b)
	}
	return backend
}

// syntheticTranscoder writes deterministic plaintext segments so the pipeline
// can run without ffmpeg.
type syntheticTranscoder struct {
	segments int
}

func (s syntheticTranscoder) Probe(_ context.Context, input string) (*pipeline.ProbeResult, error) {
	if _, err := os.Stat(input); err != nil {
		return nil, err
	}
	return &pipeline.ProbeResult{DurationSeconds: float64(s.segments) * 6, Width: 1920, Height: 1080}, nil
}

func (s syntheticTranscoder) Normalize(_ context.Context, input, output string) error {
	data, err := os.ReadFile(input)
	if err != nil {
		return err
	}
	return os.WriteFile(output, data, 0o640)
}

func syntheticSegment(rendition string, i int) []byte {
	return bytes.Repeat([]byte(fmt.Sprintf("%s:%d;", rendition, i)), 64)
}

func (s syntheticTranscoder) Transcode(_ context.Context, _ string, r pipeline.Rendition, outDir string, d time.Duration) error {
	var b strings.Builder
	fmt.Fprintf(&b, "#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:%d\n#EXT-X-MEDIA-SEQUENCE:0\n", int(d.Seconds()))
	for i := 0; i < s.segments; i++ {
		name := fmt.Sprintf(r.SegmentPattern(), i)
		if err := os.WriteFile(filepath.Join(outDir, name), syntheticSegment(r.Name, i), 0o640); err != nil {
			return err
		}
		fmt.Fprintf(&b, "#EXTINF:%.3f,\n%s\n", d.Seconds(), name)
	}
	b.WriteString("#EXT-X-ENDLIST\n")
	return os.WriteFile(filepath.Join(outDir, r.PlaylistName()), []byte(b.String()), 0o640)
}

// freeCatalog answers every entitlement and catalog lookup with free access.
func freeCatalog(t *testing.T) string {
	t.Helper()
	srv := NewToxicServer()
	t.Cleanup(srv.Close)
	return srv.URL()
}

func putRaw(t *testing.T, backend config.BackendConfig, key string, data []byte) {
	t.Helper()
	objects, err := s3.NewClient(context.Background(), &backend, nil)
	require.NoError(t, err)
	require.NoError(t, objects.PutObject(context.Background(), rawBucket, key, bytes.NewReader(data), "video/mp4"))
}

func getObject(t *testing.T, backend config.BackendConfig, key string) []byte {
	t.Helper()
	objects, err := s3.NewClient(context.Background(), &backend, nil)
	require.NoError(t, err)
	body, err := objects.GetObject(context.Background(), vodBucket, key)
	require.NoError(t, err, key)
	defer body.Close()
	data, err := io.ReadAll(body)
	require.NoError(t, err)
	return data
}

func waitForObject(t *testing.T, backend config.BackendConfig, key string, timeout time.Duration) {
	t.Helper()
	objects, err := s3.NewClient(context.Background(), &backend, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		list, err := objects.ListObjects(context.Background(), vodBucket, key)
		return err == nil && len(list) > 0
	}, timeout, 250*time.Millisecond, "waiting for %s", key)
}

func TestMinIO_IngestAndDeliver(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping MinIO integration test in short mode")
	}

	backend := startMinIO(t)
	upstream := freeCatalog(t)
	cfg := NewTestConfig(vodBucket, upstream, upstream)
	cfg.Backend = backend

	gw := StartGateway(t, cfg, app.Options{Transcoder: syntheticTranscoder{segments: 3}})
	putRaw(t, backend, "movie/M1/source.mp4", []byte("raw mp4 bytes"))

	resp := gw.Do(t, http.MethodPost, "/events/asset-uploaded",
		`{"contentKind":"movie","contentId":"M1","rawFileLocation":"s3://raw/movie/M1/source.mp4"}`,
		map[string]string{"X-Internal-Token": InternalToken})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	waitForObject(t, backend, "movie/M1/processed/master.m3u8", 30*time.Second)

	user := map[string]string{"X-User-ID": "viewer"}
	resp = gw.Do(t, http.MethodGet, "/playlists/master/movie/M1", "", user)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	master, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(master), gw.URL+"/playlists/movie/M1/medium.m3u8")

	resp = gw.Do(t, http.MethodGet, "/playlists/movie/M1/medium.m3u8", "", user)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	media, _ := io.ReadAll(resp.Body)
	segments, err := playlist.ParseMedia(media)
	require.NoError(t, err)
	require.Len(t, segments, 3)

	keyURIs := extractKeyURIs(string(media))
	require.Len(t, keyURIs, 3)
	ivs := extractIVs(string(media))
	require.Len(t, ivs, 3)

	for i, seg := range segments {
		require.True(t, strings.HasPrefix(keyURIs[i], gw.URL+"/keys/"), keyURIs[i])
		resp = gw.Do(t, http.MethodGet, strings.TrimPrefix(keyURIs[i], gw.URL), "", user)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		key, _ := io.ReadAll(resp.Body)
		require.Len(t, key, 16)

		iv, err := hex.DecodeString(strings.TrimPrefix(ivs[i], "0x"))
		require.NoError(t, err)
		sealed := followSegment(t, gw, seg.URI, user)
		assert.Equal(t, getObject(t, backend, "movie/M1/processed/"+path.Base(seg.URI)), sealed)
		plain, err := crypto.DecryptSegment(sealed, key, iv)
		require.NoError(t, err)
		assert.Equal(t, syntheticSegment("medium", i), plain)
	}

	// Segment i of every rendition shares one key.
	resp = gw.Do(t, http.MethodGet, "/playlists/movie/M1/high.m3u8", "", user)
	high, _ := io.ReadAll(resp.Body)
	assert.Equal(t, keyURIs, extractKeyURIs(string(high)))
}

func TestMinIO_ReadinessAndMissingContent(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping MinIO integration test in short mode")
	}

	backend := startMinIO(t)
	upstream := freeCatalog(t)
	cfg := NewTestConfig(vodBucket, upstream, upstream)
	cfg.Backend = backend
	gw := StartGateway(t, cfg, app.Options{Transcoder: syntheticTranscoder{segments: 1}})

	resp := gw.Do(t, http.MethodGet, "/ready", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var status struct {
		Checks map[string]string `json:"checks"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Equal(t, "ok", status.Checks["object_storage"])

	resp = gw.Do(t, http.MethodGet, "/playlists/master/movie/NOPE", "", map[string]string{"X-User-ID": "viewer"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMinIO_FFmpegPipeline(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping MinIO integration test in short mode")
	}
	ffmpegPath, err := exec.LookPath("ffmpeg")
	if err != nil {
		t.Skip("ffmpeg not installed")
	}
	if _, err := exec.LookPath("ffprobe"); err != nil {
		t.Skip("ffprobe not installed")
	}

	source := filepath.Join(t.TempDir(), "source.mp4")
	gen := exec.Command(ffmpegPath, "-y", "-f", "lavfi", "-i", "testsrc=size=640x360:rate=25:duration=8",
		"-f", "lavfi", "-i", "sine=frequency=440:duration=8", "-c:v", "libx264", "-c:a", "aac", "-shortest", source)
	if out, err := gen.CombinedOutput(); err != nil {
		t.Skipf("ffmpeg cannot generate a test source: %v: %s", err, out)
	}
	data, err := os.ReadFile(source)
	require.NoError(t, err)

	backend := startMinIO(t)
	upstream := freeCatalog(t)
	cfg := NewTestConfig(vodBucket, upstream, upstream)
	cfg.Backend = backend
	cfg.Pipeline.Sealer = "ffmpeg"
	cfg.Pipeline.FFmpegPath = ffmpegPath
	cfg.Pipeline.SegmentDuration = 4 * time.Second
	gw := StartGateway(t, cfg, app.Options{})

	putRaw(t, backend, "short-film/F1/source.mp4", data)
	resp := gw.Do(t, http.MethodPost, "/events/asset-uploaded",
		`{"contentKind":"short-film","contentId":"F1","rawFileLocation":"s3://raw/short-film/F1/source.mp4"}`,
		map[string]string{"X-Internal-Token": InternalToken})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	waitForObject(t, backend, "short-film/F1/processed/master.m3u8", 3*time.Minute)

	user := map[string]string{"X-User-ID": "viewer"}
	resp = gw.Do(t, http.MethodGet, "/playlists/short-film/F1/low.m3u8", "", user)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	media, _ := io.ReadAll(resp.Body)
	segments, err := playlist.ParseMedia(media)
	require.NoError(t, err)
	require.NotEmpty(t, segments)

	keyURIs := extractKeyURIs(string(media))
	ivs := extractIVs(string(media))
	require.Len(t, keyURIs, len(segments))

	resp = gw.Do(t, http.MethodGet, strings.TrimPrefix(keyURIs[0], gw.URL), "", user)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	key, _ := io.ReadAll(resp.Body)
	iv, err := hex.DecodeString(strings.TrimPrefix(ivs[0], "0x"))
	require.NoError(t, err)

	plain, err := crypto.DecryptSegment(followSegment(t, gw, segments[0].URI, user), key, iv)
	require.NoError(t, err)
	require.NotEmpty(t, plain)
	assert.Equal(t, byte(0x47), plain[0], "decrypted segment is an MPEG-TS stream")
}

// followSegment fetches a segment URI from a served playlist. The gateway
// answers with a redirect to a presigned MinIO URL, which the client follows.
func followSegment(t *testing.T, gw *TestGateway, uri string, headers map[string]string) []byte {
	t.Helper()
	require.True(t, strings.HasPrefix(uri, gw.URL+"/segments/"), uri)
	resp := gw.Do(t, http.MethodGet, strings.TrimPrefix(uri, gw.URL), "", headers)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEqual(t, gw.URL, "http://"+resp.Request.URL.Host, "served from object storage")
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return data
}

func extractKeyURIs(media string) []string {
	return extractAttr(media, `URI="`, `"`)
}

func extractIVs(media string) []string {
	return extractAttr(media, "IV=", ",\n")
}

func extractAttr(media, prefix, terminators string) []string {
	var out []string
	for _, line := range strings.Split(media, "\n") {
		if !strings.HasPrefix(line, "#EXT-X-KEY:") {
			continue
		}
		i := strings.Index(line, prefix)
		if i < 0 {
			continue
		}
		rest := line[i+len(prefix):]
		if j := strings.IndexAny(rest, terminators); j >= 0 {
			rest = rest[:j]
		}
		out = append(out, rest)
	}
	return out
}
