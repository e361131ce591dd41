package domain

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var ErrInvalidRequestKey = errors.New("invalid request key")

type MediaType string

const (
	MediaTypeMovie  MediaType = "movie"
	MediaTypeSeries MediaType = "series"
	MediaTypeAnime  MediaType = "anime"
)

func NormalizeMediaType(raw string) (MediaType, bool) {
	switch MediaType(strings.ToLower(strings.TrimSpace(raw))) {
	case MediaTypeMovie:
		return MediaTypeMovie, true
	case MediaTypeSeries, "show", "tv":
		return MediaTypeSeries, true
	case MediaTypeAnime:
		return MediaTypeAnime, true
	default:
		return "", false
	}
}

// Episodic types carry season/episode as part of their identity.
func (t MediaType) Episodic() bool {
	return t == MediaTypeSeries || t == MediaTypeAnime
}

// RequestKey identifies one logical playback resolution. Two keys that compare equal with == are
// the same request; construct them with NewRequestKey so that equality holds.
type RequestKey struct {
	MediaID   string    `json:"mediaId"`
	MediaType MediaType `json:"mediaType"`
	Season    int       `json:"season,omitempty"`
	Episode   int       `json:"episode,omitempty"`
}

func NewRequestKey(mediaID string, mediaType string, season, episode int) (RequestKey, error) {
	id := strings.TrimSpace(mediaID)
	if id == "" {
		return RequestKey{}, fmt.Errorf("%w: media id is required", ErrInvalidRequestKey)
	}
	kind, ok := NormalizeMediaType(mediaType)
	if !ok {
		return RequestKey{}, fmt.Errorf("%w: unsupported media type %q", ErrInvalidRequestKey, mediaType)
	}
	key := RequestKey{MediaID: id, MediaType: kind}
	if !kind.Episodic() {
		return key, nil
	}
	if season < 0 || episode <= 0 {
		return RequestKey{}, fmt.Errorf("%w: %s requires season >= 0 and episode >= 1", ErrInvalidRequestKey, kind)
	}
	key.Season = season
	key.Episode = episode
	return key, nil
}

// ParseRequestKey accepts "movie:tt001" and "series:tt001:1:2".
func ParseRequestKey(raw string) (RequestKey, error) {
	parts := strings.Split(strings.TrimSpace(raw), ":")
	switch len(parts) {
	case 2:
		return NewRequestKey(parts[1], parts[0], 0, 0)
	case 4:
		season, err := strconv.Atoi(parts[2])
		if err != nil {
			return RequestKey{}, fmt.Errorf("%w: season %q", ErrInvalidRequestKey, parts[2])
		}
		episode, err := strconv.Atoi(parts[3])
		if err != nil {
			return RequestKey{}, fmt.Errorf("%w: episode %q", ErrInvalidRequestKey, parts[3])
		}
		return NewRequestKey(parts[1], parts[0], season, episode)
	default:
		return RequestKey{}, fmt.Errorf("%w: %q", ErrInvalidRequestKey, raw)
	}
}

func (k RequestKey) String() string {
	if !k.MediaType.Episodic() {
		return string(k.MediaType) + ":" + k.MediaID
	}
	return fmt.Sprintf("%s:%s:%d:%d", k.MediaType, k.MediaID, k.Season, k.Episode)
}

// AddonID is the stream id addons expect: the media id, with season and episode appended for
// episodic content.
func (k RequestKey) AddonID() string {
	if !k.MediaType.Episodic() {
		return k.MediaID
	}
	return fmt.Sprintf("%s:%d:%d", k.MediaID, k.Season, k.Episode)
}
