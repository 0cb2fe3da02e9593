// Package playlist reads, builds and rewrites HLS playlists.
package playlist

import (
	"bytes"
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/grafov/m3u8"
	"github.com/kenneth/segment-key-gateway/internal/content"
)

// ContentType is the media type of every playlist served by the gateway.
const ContentType = "application/vnd.apple.mpegurl"

// MasterName is the file name of the master playlist of a processed asset.
const MasterName = "master.m3u8"

var uriAttr = regexp.MustCompile(`URI="([^"]*)"`)

// RenditionURL is the gateway URL of a rendition playlist.
func RenditionURL(gatewayBase string, ref content.Ref, variant content.Variant, file string) string {
	return fmt.Sprintf("%s/playlists/%s/%s", strings.TrimSuffix(gatewayBase, "/"), content.RoutePath(ref, variant), file)
}

// KeyURL is the gateway URL a player fetches a segment key from.
func KeyURL(gatewayBase, keyID string) string {
	return fmt.Sprintf("%s/keys/%s", strings.TrimSuffix(gatewayBase, "/"), keyID)
}

// SegmentURL is the gateway URL that redirects a player to a stored segment.
func SegmentURL(gatewayBase string, ref content.Ref, variant content.Variant, file string) string {
	return fmt.Sprintf("%s/segments/%s/%s", strings.TrimSuffix(gatewayBase, "/"), content.RoutePath(ref, variant), file)
}

// IsSegmentName reports whether name is a bare .ts file name.
func IsSegmentName(name string) bool {
	if strings.ContainsAny(name, "/\\") || strings.Contains(name, "..") {
		return false
	}
	return strings.HasSuffix(name, ".ts") && len(name) > len(".ts")
}

// IsPlaylistName reports whether name is a bare .m3u8 file name with no path
// components.
func IsPlaylistName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	if strings.ContainsAny(name, "/\\") || strings.Contains(name, "..") {
		return false
	}
	return strings.HasSuffix(name, ".m3u8") && len(name) > len(".m3u8")
}

// RewriteMaster points every rendition reference of a master playlist at the
// gateway. URI lines and URI="..." attributes are rewritten; all other lines
// are returned byte for byte.
func RewriteMaster(data []byte, gatewayBase string, ref content.Ref, variant content.Variant) ([]byte, error) {
	_, listType, err := m3u8.DecodeFrom(bytes.NewReader(data), false)
	if err != nil {
		return nil, fmt.Errorf("failed to parse master playlist: %w", err)
	}
	if listType != m3u8.MASTER {
		return nil, fmt.Errorf("playlist is not a master playlist")
	}

	rewrite := func(uri string) string {
		return RenditionURL(gatewayBase, ref, variant, renditionFile(uri))
	}

	lines := strings.Split(string(data), "\n")
	for i, raw := range lines {
		line := strings.TrimRight(raw, "\r")
		suffix := raw[len(line):]
		trimmed := strings.TrimSpace(line)
		switch {
		case trimmed == "":
			continue
		case strings.HasPrefix(trimmed, "#"):
			if strings.Contains(line, `URI="`) {
				line = uriAttr.ReplaceAllStringFunc(line, func(m string) string {
					uri := uriAttr.FindStringSubmatch(m)[1]
					return `URI="` + rewrite(uri) + `"`
				})
			}
		default:
			line = rewrite(trimmed)
		}
		lines[i] = line + suffix
	}
	return []byte(strings.Join(lines, "\n")), nil
}

// RewriteMedia resolves every relative segment URI of a media playlist
// through segmentURL. Tags, including EXT-X-KEY, and absolute URIs are left
// untouched.
func RewriteMedia(data []byte, segmentURL func(file string) string) ([]byte, error) {
	_, listType, err := m3u8.DecodeFrom(bytes.NewReader(data), false)
	if err != nil {
		return nil, fmt.Errorf("failed to parse media playlist: %w", err)
	}
	if listType != m3u8.MEDIA {
		return nil, fmt.Errorf("playlist is not a media playlist")
	}

	lines := strings.Split(string(data), "\n")
	for i, raw := range lines {
		line := strings.TrimRight(raw, "\r")
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") || strings.Contains(trimmed, "://") {
			continue
		}
		lines[i] = segmentURL(renditionFile(trimmed)) + raw[len(line):]
	}
	return []byte(strings.Join(lines, "\n")), nil
}

// renditionFile strips any directory and query from a playlist reference.
func renditionFile(uri string) string {
	if i := strings.IndexAny(uri, "?#"); i >= 0 {
		uri = uri[:i]
	}
	return path.Base(uri)
}

// Rendition is one entry of a master playlist.
type Rendition struct {
	URI        string
	Bandwidth  uint32
	Resolution string
}

// BuildMaster encodes a master playlist listing the renditions in order.
func BuildMaster(renditions []Rendition) []byte {
	master := m3u8.NewMasterPlaylist()
	for _, r := range renditions {
		master.Append(r.URI, nil, m3u8.VariantParams{
			Bandwidth:  r.Bandwidth,
			Resolution: r.Resolution,
		})
	}
	return master.Encode().Bytes()
}

// Segment is one media segment of a rendition playlist.
type Segment struct {
	URI      string
	Duration float64
}

// ParseMedia returns the segments of a media playlist in order.
func ParseMedia(data []byte) ([]Segment, error) {
	pl, listType, err := m3u8.DecodeFrom(bytes.NewReader(data), false)
	if err != nil {
		return nil, fmt.Errorf("failed to parse media playlist: %w", err)
	}
	if listType != m3u8.MEDIA {
		return nil, fmt.Errorf("playlist is not a media playlist")
	}
	media := pl.(*m3u8.MediaPlaylist)
	segments := make([]Segment, 0, media.Count())
	for _, seg := range media.Segments {
		if seg == nil || seg.URI == "" {
			continue
		}
		segments = append(segments, Segment{URI: seg.URI, Duration: seg.Duration})
	}
	return segments, nil
}

// EncryptedSegment is a segment together with the key that protects it.
type EncryptedSegment struct {
	Segment
	KeyURI string
	IV     string
}

// BuildEncryptedMedia encodes a VOD media playlist with an EXT-X-KEY tag in
// front of every segment.
func BuildEncryptedMedia(segments []EncryptedSegment) ([]byte, error) {
	if len(segments) == 0 {
		return nil, fmt.Errorf("encrypted playlist needs at least one segment")
	}
	media, err := m3u8.NewMediaPlaylist(0, uint(len(segments)))
	if err != nil {
		return nil, fmt.Errorf("failed to create media playlist: %w", err)
	}
	media.MediaType = m3u8.VOD
	for _, seg := range segments {
		if err := media.Append(seg.URI, seg.Duration, ""); err != nil {
			return nil, fmt.Errorf("failed to append segment %s: %w", seg.URI, err)
		}
		if err := media.SetKey("AES-128", seg.KeyURI, seg.IV, "", ""); err != nil {
			return nil, fmt.Errorf("failed to set key for %s: %w", seg.URI, err)
		}
	}
	media.Close()
	return media.Encode().Bytes(), nil
}
