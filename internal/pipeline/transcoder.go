package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	ffmpeg "github.com/u2takey/ffmpeg-go"
)

// ProbeResult is what the pipeline needs to know about a source file.
type ProbeResult struct {
	DurationSeconds float64
	Width           int64
	Height          int64
}

// Transcoder performs the codec work of a run.
type Transcoder interface {
	Probe(ctx context.Context, input string) (*ProbeResult, error)
	// Normalize remuxes the source into a seekable MP4 at output.
	Normalize(ctx context.Context, input, output string) error
	// Transcode writes {name}.m3u8 and {name}_%05d.ts into outDir.
	Transcode(ctx context.Context, input string, r Rendition, outDir string, segmentDuration time.Duration) error
}

// FFmpegTranscoder shells out to ffmpeg and ffprobe.
type FFmpegTranscoder struct {
	ffmpegPath string
}

// NewFFmpegTranscoder uses the ffmpeg binary at path ("ffmpeg" if empty).
func NewFFmpegTranscoder(path string) *FFmpegTranscoder {
	if path == "" {
		path = "ffmpeg"
	}
	return &FFmpegTranscoder{ffmpegPath: path}
}

func (t *FFmpegTranscoder) Probe(ctx context.Context, input string) (*ProbeResult, error) {
	timeout := time.Minute
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	data, err := ffmpeg.ProbeWithTimeout(input, timeout, nil)
	if err != nil {
		return nil, fmt.Errorf("ffprobe %s: %w", filepath.Base(input), err)
	}
	return parseProbe(data)
}

func parseProbe(data string) (*ProbeResult, error) {
	if !gjson.Valid(data) {
		return nil, fmt.Errorf("ffprobe returned invalid json")
	}
	duration := gjson.Get(data, "format.duration").Float()
	if duration <= 0 {
		return nil, fmt.Errorf("ffprobe reported no duration")
	}
	video := gjson.Get(data, `streams.#(codec_type=="video")`)
	return &ProbeResult{
		DurationSeconds: duration,
		Width:           video.Get("width").Int(),
		Height:          video.Get("height").Int(),
	}, nil
}

func normalizeArgs(input, output string) []string {
	return ffmpeg.Input(input).
		Output(output, ffmpeg.KwArgs{
			"map":      []string{"0:v:0", "0:a:0?"},
			"c":        "copy",
			"movflags": "+faststart",
		}).
		OverWriteOutput().
		GetArgs()
}

func (t *FFmpegTranscoder) Normalize(ctx context.Context, input, output string) error {
	return t.run(ctx, normalizeArgs(input, output))
}

func transcodeArgs(input string, r Rendition, outDir string, segmentDuration time.Duration) []string {
	seconds := int(segmentDuration.Seconds())
	return ffmpeg.Input(input).
		Output(filepath.Join(outDir, r.PlaylistName()), ffmpeg.KwArgs{
			"vf":                   fmt.Sprintf("scale=%d:%d", r.Width, r.Height),
			"c:v":                  "libx264",
			"b:v":                  fmt.Sprintf("%dk", r.BitrateKbps),
			"c:a":                  "aac",
			"force_key_frames":     fmt.Sprintf("expr:gte(t,n_forced*%d)", seconds),
			"f":                    "hls",
			"hls_time":             seconds,
			"hls_playlist_type":    "vod",
			"hls_list_size":        0,
			"hls_segment_filename": filepath.Join(outDir, r.SegmentPattern()),
		}).
		OverWriteOutput().
		GetArgs()
}

func (t *FFmpegTranscoder) Transcode(ctx context.Context, input string, r Rendition, outDir string, segmentDuration time.Duration) error {
	return t.run(ctx, transcodeArgs(input, r, outDir, segmentDuration))
}

func (t *FFmpegTranscoder) run(ctx context.Context, args []string) error {
	return runFFmpeg(ctx, t.ffmpegPath, args)
}

// runFFmpeg runs ffmpeg with args, killing it when ctx ends.
func runFFmpeg(ctx context.Context, path string, args []string) error {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("ffmpeg failed: %w: %s", err, lastLine(stderr.String()))
	}
	return nil
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
