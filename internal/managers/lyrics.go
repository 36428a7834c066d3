package managers

import (
	"context"
	"crypto/sha1"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/vibinhq/vibin/internal/services"
	"github.com/vibinhq/vibin/internal/store"
)

// Lyrics is one cached lyrics lookup. Misses are cached too, so a song with
// no lyrics is not re-queried on every play.
type Lyrics struct {
	Artist string   `json:"artist"`
	Title  string   `json:"title"`
	Lines  []string `json:"lines"`
	Found  bool     `json:"found"`
}

// LyricsManager serves lyrics from the cache, falling back to the external
// lookup service on a miss.
type LyricsManager struct {
	store  *store.Store
	genius *services.Genius
}

// NewLyrics creates the lyrics manager.
func NewLyrics(st *store.Store, genius *services.Genius) *LyricsManager {
	return &LyricsManager{store: st, genius: genius}
}

// Enabled reports whether the external lookup is configured.
func (m *LyricsManager) Enabled() bool { return m.genius.Enabled() }

// For returns the lyrics for a song, from cache when available.
func (m *LyricsManager) For(ctx context.Context, artist, title string) (Lyrics, error) {
	key := lyricsKey(artist, title)

	if rec, err := m.store.Get(store.CollectionLyricsCache, key); err == nil {
		var cached Lyrics
		if err := json.Unmarshal(rec.Value, &cached); err == nil {
			return cached, nil
		}
		log.Warn().Str("key", key).Msg("Dropping undecodable cached lyrics")
	} else if !errors.Is(err, store.ErrNotFound) {
		return Lyrics{}, err
	}

	result := Lyrics{Artist: artist, Title: title}

	lines, err := m.genius.Lyrics(ctx, artist, title)
	switch {
	case err == nil:
		result.Lines = lines
		result.Found = true
	case errors.Is(err, services.ErrServiceDisabled):
		return Lyrics{}, err
	default:
		log.Debug().Err(err).
			Str("artist", artist).
			Str("title", title).
			Msg("Lyrics lookup found nothing; caching the miss")
	}

	value, err := json.Marshal(result)
	if err != nil {
		return Lyrics{}, fmt.Errorf("encode lyrics %s: %w", key, err)
	}
	if err := m.store.Put(store.CollectionLyricsCache, key, value); err != nil {
		return Lyrics{}, err
	}
	return result, nil
}

// Invalidate drops a cached entry so the next request re-queries.
func (m *LyricsManager) Invalidate(artist, title string) error {
	return m.store.Delete(store.CollectionLyricsCache, lyricsKey(artist, title))
}

func lyricsKey(artist, title string) string {
	normalized := strings.ToLower(strings.TrimSpace(artist)) + "::" + strings.ToLower(strings.TrimSpace(title))
	return fmt.Sprintf("%x", sha1.Sum([]byte(normalized)))
}
