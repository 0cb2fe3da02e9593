package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kenneth/segment-key-gateway/internal/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testKey = []byte("0123456789abcdef")
	testIV  = []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15}
)

func TestNativeSealer(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "high_00000.ts")
	out := filepath.Join(dir, "sealed.ts")
	plain := []byte(strings.Repeat("G", 188*3))
	require.NoError(t, os.WriteFile(in, plain, 0o600))

	require.NoError(t, NativeSealer{}.Seal(context.Background(), SealJob{Input: in, Output: out, Key: testKey, IV: testIV}))

	sealed, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Len(t, sealed, len(plain)+16, "full padding block appended to block-aligned input")

	got, err := crypto.DecryptSegment(sealed, testKey, testIV)
	require.NoError(t, err)
	assert.Equal(t, plain, got)
}

func TestNativeSealer_Errors(t *testing.T) {
	dir := t.TempDir()
	err := NativeSealer{}.Seal(context.Background(), SealJob{Input: filepath.Join(dir, "missing.ts"), Output: filepath.Join(dir, "o.ts"), Key: testKey, IV: testIV})
	assert.Error(t, err)

	in := filepath.Join(dir, "in.ts")
	require.NoError(t, os.WriteFile(in, []byte("x"), 0o600))
	err = NativeSealer{}.Seal(context.Background(), SealJob{Input: in, Output: filepath.Join(dir, "o.ts"), Key: testKey[:8], IV: testIV})
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, NativeSealer{}.Seal(ctx, SealJob{Input: in}), context.Canceled)
}

func TestKeyInfo(t *testing.T) {
	info := KeyInfo("https://gw.example.com/keys/k1", "/tmp/run/segment.key", testIV)
	lines := strings.Split(strings.TrimSuffix(info, "\n"), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "https://gw.example.com/keys/k1", lines[0])
	assert.Equal(t, "/tmp/run/segment.key", lines[1])
	assert.Equal(t, "000102030405060708090a0b0c0d0e0f", lines[2])
}

func TestWriteKeyFiles(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "seal", "high_00000")
	infoPath, err := writeKeyFiles(dir, SealJob{KeyURI: "https://gw/keys/k1", Key: testKey, IV: testIV})
	require.NoError(t, err)

	key, err := os.ReadFile(filepath.Join(dir, "segment.key"))
	require.NoError(t, err)
	assert.Equal(t, testKey, key)

	st, err := os.Stat(filepath.Join(dir, "segment.key"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), st.Mode().Perm())

	info, err := os.ReadFile(infoPath)
	require.NoError(t, err)
	assert.Equal(t, KeyInfo("https://gw/keys/k1", filepath.Join(dir, "segment.key"), testIV), string(info))
}

func TestNewSealer(t *testing.T) {
	s, err := NewSealer("native", "")
	require.NoError(t, err)
	assert.IsType(t, NativeSealer{}, s)

	s, err = NewSealer("ffmpeg", "/usr/local/bin/ffmpeg")
	require.NoError(t, err)
	assert.Equal(t, "/usr/local/bin/ffmpeg", s.(*FFmpegSealer).ffmpegPath)

	_, err = NewSealer("openssl", "")
	assert.Error(t, err)
}

func TestFFmpegArgs(t *testing.T) {
	args := sealArgs("/w/plain/high_00001.ts", "/w/seal/k.keyinfo", "/w/seal")
	assert.Contains(t, args, "/w/plain/high_00001.ts")
	assert.Contains(t, args, "-hls_key_info_file")
	assert.Contains(t, args, "/w/seal/k.keyinfo")
	assert.Contains(t, args, filepath.Join("/w/seal", "sealed_%05d.ts"))

	args = transcodeArgs("/w/normalized.mp4", DefaultLadder[1], "/w/plain", 6*time.Second)
	assert.Contains(t, args, "scale=1280:720")
	assert.Contains(t, args, "2800k")
	assert.Contains(t, args, filepath.Join("/w/plain", "medium.m3u8"))
	assert.Contains(t, args, filepath.Join("/w/plain", "medium_%05d.ts"))

	args = normalizeArgs("/w/source.mov", "/w/normalized.mp4")
	assert.Contains(t, args, "+faststart")
	assert.Contains(t, args, "/w/normalized.mp4")
}

func TestParseProbe(t *testing.T) {
	res, err := parseProbe(`{"streams":[{"codec_type":"audio"},{"codec_type":"video","width":1920,"height":800}],"format":{"duration":"5400.250000"}}`)
	require.NoError(t, err)
	assert.InDelta(t, 5400.25, res.DurationSeconds, 0.0001)
	assert.EqualValues(t, 1920, res.Width)
	assert.EqualValues(t, 800, res.Height)

	_, err = parseProbe(`{"format":{}}`)
	assert.Error(t, err)

	_, err = parseProbe(`not json`)
	assert.Error(t, err)
}

func TestRendition(t *testing.T) {
	high := DefaultLadder[0]
	assert.Equal(t, "1920x1080", high.Resolution())
	assert.Equal(t, uint32(5000000), high.Bandwidth())
	assert.Equal(t, "high.m3u8", high.PlaylistName())
	assert.Equal(t, "high_%05d.ts", high.SegmentPattern())
}
