package pipeline

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/kenneth/segment-key-gateway/internal/audit"
	"github.com/kenneth/segment-key-gateway/internal/content"
	"github.com/kenneth/segment-key-gateway/internal/crypto"
	"github.com/kenneth/segment-key-gateway/internal/debug"
	"github.com/kenneth/segment-key-gateway/internal/events"
	"github.com/kenneth/segment-key-gateway/internal/keys"
	"github.com/kenneth/segment-key-gateway/internal/metrics"
	"github.com/kenneth/segment-key-gateway/internal/playlist"
	"github.com/kenneth/segment-key-gateway/internal/s3"
	"github.com/kenneth/segment-key-gateway/internal/tracing"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const segmentContentType = "video/mp2t"

// KeyIssuer issues one key per segment index.
type KeyIssuer interface {
	Issue(ctx context.Context, ref content.Ref, variant content.Variant, totalSegments int) ([]keys.IssuedKey, error)
}

// Config wires a Runner.
type Config struct {
	Objects         s3.Client
	Bucket          string
	Issuer          KeyIssuer
	Transcoder      Transcoder
	Sealer          Sealer
	Ladder          []Rendition
	SegmentDuration time.Duration
	WorkDir         string
	GatewayBase     string
	Logger          *logrus.Logger
	Metrics         *metrics.Metrics
	Audit           audit.Logger
	// OnDuration receives the probed duration of every source.
	OnDuration func(context.Context, events.DurationComputed)
}

// Runner executes pipeline runs. Runs share nothing and may execute
// concurrently; the stages of one run are strictly sequential.
type Runner struct {
	cfg Config
}

// NewRunner validates cfg and creates a runner.
func NewRunner(cfg Config) (*Runner, error) {
	if cfg.Objects == nil || cfg.Issuer == nil || cfg.Transcoder == nil || cfg.Sealer == nil {
		return nil, fmt.Errorf("pipeline requires object storage, a key issuer, a transcoder and a sealer")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("pipeline requires a bucket")
	}
	if len(cfg.Ladder) == 0 {
		cfg.Ladder = DefaultLadder
	}
	if cfg.SegmentDuration <= 0 {
		cfg.SegmentDuration = 6 * time.Second
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = os.TempDir()
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	return &Runner{cfg: cfg}, nil
}

// Result summarises a run.
type Result struct {
	Content         content.Ref
	Variant         content.Variant
	Stage           Stage
	FailedStage     Stage
	DurationSeconds float64
	TotalSegments   int
	Uploaded        []string
}

// runState is the scratch state threaded through the stages of one run.
type runState struct {
	asset      events.Asset
	dir        string
	sourcePath string
	normalized string
	plainDir   string
	sealedDir  string
	probe      *ProbeResult
	total      int
	keys       []keys.IssuedKey
	uploaded   []string
}

// Process implements events.Processor.
func (r *Runner) Process(ctx context.Context, asset events.Asset) error {
	_, err := r.Run(ctx, asset)
	return err
}

// Run executes every stage for asset. On failure the returned result names the
// failed stage; objects already uploaded are left in place.
func (r *Runner) Run(ctx context.Context, asset events.Asset) (*Result, error) {
	started := time.Now()
	result := &Result{Content: asset.Content, Variant: asset.Variant}
	logger := r.cfg.Logger.WithFields(logrus.Fields{
		"content_kind": asset.Content.Kind,
		"content_id":   asset.Content.ID,
		"variant":      asset.Variant,
	})

	if err := os.MkdirAll(r.cfg.WorkDir, 0o750); err != nil {
		return r.fail(ctx, result, StageDownload, started, logger, fmt.Errorf("failed to create work dir: %w", err))
	}
	dir, err := os.MkdirTemp(r.cfg.WorkDir, fmt.Sprintf("run-%s-%s-", asset.Content.Kind, asset.Content.ID))
	if err != nil {
		return r.fail(ctx, result, StageDownload, started, logger, fmt.Errorf("failed to create run dir: %w", err))
	}
	defer func() {
		if debug.Enabled() {
			logger.WithField("work_dir", dir).Debug("Keeping pipeline work dir")
			return
		}
		if err := os.RemoveAll(dir); err != nil {
			logger.WithError(err).Warn("Failed to remove pipeline work dir")
		}
	}()

	st := &runState{
		asset:     asset,
		dir:       dir,
		plainDir:  filepath.Join(dir, "plain"),
		sealedDir: filepath.Join(dir, "sealed"),
	}

	for _, stage := range Stages {
		result.Stage = stage
		if err := ctx.Err(); err != nil {
			return r.fail(ctx, result, stage, started, logger, err)
		}

		stageStart := time.Now()
		stageCtx, span := tracing.StartSpan(ctx, "pipeline."+string(stage),
			attribute.String("content_kind", string(asset.Content.Kind)),
			attribute.String("content_id", asset.Content.ID),
		)
		err := r.execute(stageCtx, stage, st)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		r.cfg.Metrics.RecordPipelineStage(ctx, string(stage), time.Since(stageStart))

		if err != nil {
			return r.fail(ctx, result, stage, started, logger, err)
		}
		logger.WithFields(logrus.Fields{
			"stage":    stage,
			"duration": time.Since(stageStart).String(),
		}).Debug("Pipeline stage complete")
	}

	result.Stage = StageDone
	result.TotalSegments = st.total
	result.Uploaded = st.uploaded
	if st.probe != nil {
		result.DurationSeconds = st.probe.DurationSeconds
	}

	r.cfg.Metrics.RecordPipelineRun(ctx, true, string(StageDone))
	if r.cfg.Audit != nil {
		r.cfg.Audit.LogPipelineRun(asset.Content, asset.Variant, string(StageDone), nil, time.Since(started), map[string]interface{}{
			"segments": st.total,
			"objects":  len(st.uploaded),
		})
	}
	logger.WithFields(logrus.Fields{
		"segments": st.total,
		"objects":  len(st.uploaded),
		"duration": time.Since(started).String(),
	}).Info("Pipeline run complete")
	return result, nil
}

func (r *Runner) fail(ctx context.Context, result *Result, stage Stage, started time.Time, logger *logrus.Entry, err error) (*Result, error) {
	result.Stage = StageFailed
	result.FailedStage = stage
	r.cfg.Metrics.RecordPipelineRun(ctx, false, string(stage))
	if r.cfg.Audit != nil {
		r.cfg.Audit.LogPipelineRun(result.Content, result.Variant, string(stage), err, time.Since(started), nil)
	}
	logger.WithError(err).WithField("stage", stage).Error("Pipeline stage failed")
	return result, fmt.Errorf("pipeline stage %s: %w", stage, err)
}

func (r *Runner) execute(ctx context.Context, stage Stage, st *runState) error {
	switch stage {
	case StageDownload:
		return r.download(ctx, st)
	case StageProbe:
		return r.probe(ctx, st)
	case StageNormalize:
		st.normalized = filepath.Join(st.dir, "normalized.mp4")
		return r.cfg.Transcoder.Normalize(ctx, st.sourcePath, st.normalized)
	case StageTranscode:
		return r.transcode(ctx, st)
	case StageCount:
		return r.count(st)
	case StageIssueKeys:
		return r.issueKeys(ctx, st)
	case StageEncrypt:
		return r.encrypt(ctx, st)
	case StageCopyMaster:
		return copyFile(filepath.Join(st.plainDir, playlist.MasterName), filepath.Join(st.sealedDir, playlist.MasterName))
	case StageUpload:
		return r.upload(ctx, st)
	default:
		return fmt.Errorf("unknown stage %q", stage)
	}
}

func (r *Runner) download(ctx context.Context, st *runState) error {
	loc, err := s3.ParseLocation(st.asset.Source, r.cfg.Bucket)
	if err != nil {
		return err
	}
	st.sourcePath = filepath.Join(st.dir, "source"+path.Ext(loc.Key))
	if _, err := s3.Download(ctx, r.cfg.Objects, loc, st.sourcePath); err != nil {
		return err
	}
	return nil
}

func (r *Runner) probe(ctx context.Context, st *runState) error {
	res, err := r.cfg.Transcoder.Probe(ctx, st.sourcePath)
	if err != nil {
		return err
	}
	st.probe = res

	computed := events.DurationComputed{
		Content: st.asset.Content,
		Variant: st.asset.Variant,
		Seconds: res.DurationSeconds,
	}
	r.cfg.Logger.WithFields(logrus.Fields{
		"content_kind": computed.Content.Kind,
		"content_id":   computed.Content.ID,
		"duration_s":   computed.Seconds,
		"width":        res.Width,
		"height":       res.Height,
	}).Info("Duration computed")
	if r.cfg.OnDuration != nil {
		r.cfg.OnDuration(ctx, computed)
	}
	return nil
}

func (r *Runner) transcode(ctx context.Context, st *runState) error {
	if err := os.MkdirAll(st.plainDir, 0o750); err != nil {
		return fmt.Errorf("failed to create transcode dir: %w", err)
	}
	renditions := make([]playlist.Rendition, 0, len(r.cfg.Ladder))
	for _, rendition := range r.cfg.Ladder {
		if err := r.cfg.Transcoder.Transcode(ctx, st.normalized, rendition, st.plainDir, r.cfg.SegmentDuration); err != nil {
			return fmt.Errorf("rendition %s: %w", rendition.Name, err)
		}
		renditions = append(renditions, playlist.Rendition{
			URI:        rendition.PlaylistName(),
			Bandwidth:  rendition.Bandwidth(),
			Resolution: rendition.Resolution(),
		})
	}
	master := playlist.BuildMaster(renditions)
	if err := os.WriteFile(filepath.Join(st.plainDir, playlist.MasterName), master, 0o640); err != nil {
		return fmt.Errorf("failed to write master playlist: %w", err)
	}
	return nil
}

func (r *Runner) readSegments(st *runState, rendition Rendition) ([]playlist.Segment, error) {
	data, err := os.ReadFile(filepath.Join(st.plainDir, rendition.PlaylistName()))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", rendition.PlaylistName(), err)
	}
	return playlist.ParseMedia(data)
}

// count takes the segment total from the highest-fidelity rendition.
func (r *Runner) count(st *runState) error {
	segments, err := r.readSegments(st, r.cfg.Ladder[0])
	if err != nil {
		return err
	}
	if len(segments) == 0 {
		return fmt.Errorf("rendition %s has no segments", r.cfg.Ladder[0].Name)
	}
	st.total = len(segments)
	return nil
}

func (r *Runner) issueKeys(ctx context.Context, st *runState) error {
	issued, err := r.cfg.Issuer.Issue(ctx, st.asset.Content, st.asset.Variant, st.total)
	if err != nil {
		return err
	}
	if len(issued) != st.total {
		return fmt.Errorf("issuer returned %d keys for %d segments", len(issued), st.total)
	}
	st.keys = issued
	return nil
}

// encrypt seals segment i of every rendition with key i. A rendition whose
// segment count differs from the total fails the run.
func (r *Runner) encrypt(ctx context.Context, st *runState) error {
	if err := os.MkdirAll(st.sealedDir, 0o750); err != nil {
		return fmt.Errorf("failed to create sealed dir: %w", err)
	}

	for _, rendition := range r.cfg.Ladder {
		segments, err := r.readSegments(st, rendition)
		if err != nil {
			return err
		}
		if len(segments) != st.total {
			return fmt.Errorf("rendition %s has %d segments, expected %d", rendition.Name, len(segments), st.total)
		}

		sealed := make([]playlist.EncryptedSegment, 0, len(segments))
		for i, seg := range segments {
			issued := st.keys[i]
			key, iv, err := crypto.DecodeKeyMaterial(issued.Key, issued.IV)
			if err != nil {
				return fmt.Errorf("key %s: %w", issued.KeyID, err)
			}

			name := path.Base(seg.URI)
			keyURI := playlist.KeyURL(r.cfg.GatewayBase, issued.KeyID)
			job := SealJob{
				Input:   filepath.Join(st.plainDir, name),
				Output:  filepath.Join(st.sealedDir, name),
				WorkDir: filepath.Join(st.dir, "seal", fmt.Sprintf("%s_%05d", rendition.Name, i)),
				KeyURI:  keyURI,
				Key:     key,
				IV:      iv,
			}
			if err := r.cfg.Sealer.Seal(ctx, job); err != nil {
				return err
			}
			sealed = append(sealed, playlist.EncryptedSegment{
				Segment: playlist.Segment{URI: name, Duration: seg.Duration},
				KeyURI:  keyURI,
				IV:      crypto.FormatIV(iv),
			})
		}

		data, err := playlist.BuildEncryptedMedia(sealed)
		if err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(st.sealedDir, rendition.PlaylistName()), data, 0o640); err != nil {
			return fmt.Errorf("failed to write %s: %w", rendition.PlaylistName(), err)
		}
	}
	return nil
}

// upload writes segments first, then rendition playlists, then the master, so
// a visible master implies a complete tree.
func (r *Runner) upload(ctx context.Context, st *runState) error {
	entries, err := os.ReadDir(st.sealedDir)
	if err != nil {
		return fmt.Errorf("failed to list sealed dir: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.SliceStable(names, func(i, j int) bool {
		return uploadRank(names[i]) < uploadRank(names[j]) ||
			(uploadRank(names[i]) == uploadRank(names[j]) && names[i] < names[j])
	})

	for _, name := range names {
		contentType := segmentContentType
		if strings.HasSuffix(name, ".m3u8") {
			contentType = playlist.ContentType
		}
		key := content.ProcessedKey(st.asset.Content, st.asset.Variant, name)
		if err := s3.UploadFile(ctx, r.cfg.Objects, r.cfg.Bucket, key, filepath.Join(st.sealedDir, name), contentType); err != nil {
			return err
		}
		st.uploaded = append(st.uploaded, key)
	}
	return nil
}

func uploadRank(name string) int {
	switch {
	case name == playlist.MasterName:
		return 2
	case strings.HasSuffix(name, ".m3u8"):
		return 1
	default:
		return 0
	}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", filepath.Base(src), err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Base(dst), err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("failed to copy %s: %w", filepath.Base(src), err)
	}
	return out.Close()
}
