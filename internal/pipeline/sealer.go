package pipeline

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kenneth/segment-key-gateway/internal/crypto"
	ffmpeg "github.com/u2takey/ffmpeg-go"
)

// SealJob encrypts one plaintext segment into Output.
type SealJob struct {
	Input  string
	Output string
	// WorkDir holds per-segment scratch files such as key material.
	WorkDir string
	KeyURI  string
	Key     []byte
	IV      []byte
}

// Sealer applies AES-128 to a single segment.
type Sealer interface {
	Seal(ctx context.Context, job SealJob) error
}

// NewSealer returns the sealer named by pipeline.sealer.
func NewSealer(name, ffmpegPath string) (Sealer, error) {
	switch name {
	case "", "ffmpeg":
		return NewFFmpegSealer(ffmpegPath), nil
	case "native":
		return NativeSealer{}, nil
	default:
		return nil, fmt.Errorf("unknown sealer %q", name)
	}
}

// NativeSealer encrypts whole segments in process with AES-128-CBC.
type NativeSealer struct{}

func (NativeSealer) Seal(ctx context.Context, job SealJob) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	plain, err := os.ReadFile(job.Input)
	if err != nil {
		return fmt.Errorf("failed to read segment %s: %w", filepath.Base(job.Input), err)
	}
	sealed, err := crypto.EncryptSegment(plain, job.Key, job.IV)
	if err != nil {
		return fmt.Errorf("failed to encrypt segment %s: %w", filepath.Base(job.Input), err)
	}
	if err := os.WriteFile(job.Output, sealed, 0o640); err != nil {
		return fmt.Errorf("failed to write segment %s: %w", filepath.Base(job.Output), err)
	}
	return nil
}

// FFmpegSealer re-multiplexes a segment through ffmpeg's HLS muxer with a key
// info file.
type FFmpegSealer struct {
	ffmpegPath string
}

// NewFFmpegSealer uses the ffmpeg binary at path ("ffmpeg" if empty).
func NewFFmpegSealer(path string) *FFmpegSealer {
	if path == "" {
		path = "ffmpeg"
	}
	return &FFmpegSealer{ffmpegPath: path}
}

// KeyInfo renders an ffmpeg key info file: key URI, key file path, IV hex.
func KeyInfo(keyURI, keyPath string, iv []byte) string {
	return strings.Join([]string{keyURI, keyPath, hex.EncodeToString(iv)}, "\n") + "\n"
}

// writeKeyFiles writes the raw key and its key info descriptor into dir.
func writeKeyFiles(dir string, job SealJob) (keyInfoPath string, err error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("failed to create key dir: %w", err)
	}
	keyPath := filepath.Join(dir, "segment.key")
	if err := os.WriteFile(keyPath, job.Key, 0o600); err != nil {
		return "", fmt.Errorf("failed to write key file: %w", err)
	}
	keyInfoPath = filepath.Join(dir, "segment.keyinfo")
	if err := os.WriteFile(keyInfoPath, []byte(KeyInfo(job.KeyURI, keyPath, job.IV)), 0o600); err != nil {
		return "", fmt.Errorf("failed to write key info file: %w", err)
	}
	return keyInfoPath, nil
}

func sealArgs(input, keyInfoPath, outDir string) []string {
	return ffmpeg.Input(input).
		Output(filepath.Join(outDir, "sealed.m3u8"), ffmpeg.KwArgs{
			"c":                    "copy",
			"f":                    "hls",
			"hls_time":             86400,
			"hls_list_size":        0,
			"hls_key_info_file":    keyInfoPath,
			"hls_segment_filename": filepath.Join(outDir, "sealed_%05d.ts"),
		}).
		OverWriteOutput().
		GetArgs()
}

func (s *FFmpegSealer) Seal(ctx context.Context, job SealJob) error {
	if err := os.MkdirAll(job.WorkDir, 0o700); err != nil {
		return fmt.Errorf("failed to create seal dir: %w", err)
	}
	defer os.RemoveAll(job.WorkDir)

	keyInfoPath, err := writeKeyFiles(job.WorkDir, job)
	if err != nil {
		return err
	}
	if err := runFFmpeg(ctx, s.ffmpegPath, sealArgs(job.Input, keyInfoPath, job.WorkDir)); err != nil {
		return fmt.Errorf("failed to seal segment %s: %w", filepath.Base(job.Input), err)
	}
	if err := os.Rename(filepath.Join(job.WorkDir, "sealed_00000.ts"), job.Output); err != nil {
		return fmt.Errorf("ffmpeg produced no sealed segment for %s: %w", filepath.Base(job.Input), err)
	}
	return nil
}
