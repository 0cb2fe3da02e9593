// Package content models the identity of a protected content item.
package content

import (
	"fmt"
	"path"
	"strings"

	"github.com/kenneth/segment-key-gateway/internal/apperr"
)

// Kind is the catalog kind of a content item.
type Kind string

const (
	KindMovie       Kind = "movie"
	KindEpisode     Kind = "episode"
	KindDocumentary Kind = "documentary"
	KindShortFilm   Kind = "short-film"
	KindSong        Kind = "song"
)

// Kinds lists every supported kind.
var Kinds = []Kind{KindMovie, KindEpisode, KindDocumentary, KindShortFilm, KindSong}

// ParseKind validates a kind string.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Kinds {
		if k == known {
			return k, nil
		}
	}
	return "", apperr.Validation("unknown content kind %q", s)
}

// Variant distinguishes the main feature from trailer and preview media of the
// same content id. The zero value is the main feature.
type Variant string

const (
	VariantMain    Variant = ""
	VariantTrailer Variant = "trailer"
	VariantPreview Variant = "preview"
)

// ParseVariant validates a variant string. The empty string and "main" both
// denote the main feature.
func ParseVariant(s string) (Variant, error) {
	switch v := strings.ToLower(strings.TrimSpace(s)); v {
	case "", "main":
		return VariantMain, nil
	case string(VariantTrailer):
		return VariantTrailer, nil
	case string(VariantPreview):
		return VariantPreview, nil
	default:
		return "", apperr.Validation("unknown variant %q", s)
	}
}

// IsPromotional reports whether the variant is trailer or preview media, which
// is delivered without an entitlement check.
func (v Variant) IsPromotional() bool {
	return v == VariantTrailer || v == VariantPreview
}

// Ref identifies exactly one content item.
type Ref struct {
	Kind Kind   `json:"kind" bson:"kind"`
	ID   string `json:"id" bson:"id"`
}

// NewRef builds a validated reference.
func NewRef(kind, id string) (Ref, error) {
	k, err := ParseKind(kind)
	if err != nil {
		return Ref{}, err
	}
	ref := Ref{Kind: k, ID: strings.TrimSpace(id)}
	return ref, ref.Validate()
}

// Validate checks that both the kind and the id are set and the id is usable as
// a single storage path element.
func (r Ref) Validate() error {
	if r.Kind == "" {
		return apperr.Validation("content kind is required")
	}
	if _, err := ParseKind(string(r.Kind)); err != nil {
		return err
	}
	if r.ID == "" {
		return apperr.Validation("content id is required")
	}
	if strings.ContainsAny(r.ID, "/\\") || r.ID == "." || r.ID == ".." {
		return apperr.Validation("content id %q is not a valid identifier", r.ID)
	}
	return nil
}

func (r Ref) String() string {
	return fmt.Sprintf("%s/%s", r.Kind, r.ID)
}

// CacheKey is a stable key for caches keyed by content identity.
func (r Ref) CacheKey() string {
	return string(r.Kind) + ":" + r.ID
}

// Fields is the request shape that carries one optional identifier per kind.
type Fields struct {
	MovieID       string `json:"movieId,omitempty"`
	EpisodeID     string `json:"episodeId,omitempty"`
	DocumentaryID string `json:"documentaryId,omitempty"`
	ShortFilmID   string `json:"shortFilmId,omitempty"`
	SongID        string `json:"songId,omitempty"`
}

// Ref converts the optional fields to a tagged reference. Exactly one field
// must be set.
func (f Fields) Ref() (Ref, error) {
	candidates := []Ref{
		{Kind: KindMovie, ID: f.MovieID},
		{Kind: KindEpisode, ID: f.EpisodeID},
		{Kind: KindDocumentary, ID: f.DocumentaryID},
		{Kind: KindShortFilm, ID: f.ShortFilmID},
		{Kind: KindSong, ID: f.SongID},
	}
	var found []Ref
	for _, c := range candidates {
		if strings.TrimSpace(c.ID) != "" {
			c.ID = strings.TrimSpace(c.ID)
			found = append(found, c)
		}
	}
	switch len(found) {
	case 0:
		return Ref{}, apperr.Validation("one content identifier is required")
	case 1:
		return found[0], found[0].Validate()
	default:
		return Ref{}, apperr.Validation("content identifiers are mutually exclusive, got %d", len(found))
	}
}

// basePrefix is {kind}/{id} or {kind}/{id}/{variant}.
func basePrefix(ref Ref, variant Variant) string {
	if variant == VariantMain {
		return path.Join(string(ref.Kind), ref.ID)
	}
	return path.Join(string(ref.Kind), ref.ID, string(variant))
}

// ProcessedPrefix is where the encrypted tree of an asset lives in object storage.
func ProcessedPrefix(ref Ref, variant Variant) string {
	return basePrefix(ref, variant) + "/processed/"
}

// ProcessedKey joins a file name onto the processed prefix.
func ProcessedKey(ref Ref, variant Variant, name string) string {
	return ProcessedPrefix(ref, variant) + name
}

// RawPrefix is where uploaded source media of an asset is expected.
func RawPrefix(ref Ref, variant Variant) string {
	return basePrefix(ref, variant) + "/raw/"
}

// RoutePath is the variant-aware path fragment used in gateway URLs.
func RoutePath(ref Ref, variant Variant) string {
	return basePrefix(ref, variant)
}
