// Package pipeline turns an uploaded source file into an encrypted HLS tree
// in object storage.
package pipeline

import "fmt"

// Rendition is one rung of the bitrate ladder.
type Rendition struct {
	Name        string
	Width       int
	Height      int
	BitrateKbps int
}

// Resolution formats the rendition size as WxH.
func (r Rendition) Resolution() string {
	return fmt.Sprintf("%dx%d", r.Width, r.Height)
}

// Bandwidth is the advertised BANDWIDTH in bits per second.
func (r Rendition) Bandwidth() uint32 {
	return uint32(r.BitrateKbps) * 1000
}

// PlaylistName is the rendition's media playlist file name.
func (r Rendition) PlaylistName() string {
	return r.Name + ".m3u8"
}

// SegmentPattern is the printf pattern of the rendition's segment files.
func (r Rendition) SegmentPattern() string {
	return r.Name + "_%05d.ts"
}

// DefaultLadder is ordered from highest to lowest fidelity.
var DefaultLadder = []Rendition{
	{Name: "high", Width: 1920, Height: 1080, BitrateKbps: 5000},
	{Name: "medium", Width: 1280, Height: 720, BitrateKbps: 2800},
	{Name: "low", Width: 854, Height: 480, BitrateKbps: 1400},
}

// Stage is a step of a pipeline run.
type Stage string

const (
	StageDownload   Stage = "download"
	StageProbe      Stage = "probe"
	StageNormalize  Stage = "normalize"
	StageTranscode  Stage = "transcode"
	StageCount      Stage = "count"
	StageIssueKeys  Stage = "issue_keys"
	StageEncrypt    Stage = "encrypt"
	StageCopyMaster Stage = "copy_master"
	StageUpload     Stage = "upload"
	StageDone       Stage = "done"
	StageFailed     Stage = "failed"
)

// Stages lists the working stages in execution order.
var Stages = []Stage{
	StageDownload, StageProbe, StageNormalize, StageTranscode, StageCount,
	StageIssueKeys, StageEncrypt, StageCopyMaster, StageUpload,
}
