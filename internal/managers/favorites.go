// Package managers holds the feature managers that own user-authored data:
// favorites, stored playlists, and the lyrics and waveform caches. Each
// manager persists through the store gate and announces changes through the
// same ingestion path device adapters use, so subscribers see favorites and
// playlist changes exactly like device state changes.
package managers

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/vibinhq/vibin/internal/device"
	"github.com/vibinhq/vibin/internal/store"
)

// Favorite marks one media item (album or track) as a favorite.
type Favorite struct {
	Type    string    `json:"type"` // "album" or "track"
	MediaID string    `json:"media_id"`
	When    time.Time `json:"when_favorited"`
}

// FavoritesPayload is the broadcast payload for favorites changes.
type FavoritesPayload struct {
	Favorites []Favorite `json:"favorites"`
}

// Favorites manages the favorites collection.
type Favorites struct {
	store  *store.Store
	update device.UpdateFunc
}

// NewFavorites creates the favorites manager.
func NewFavorites(st *store.Store, update device.UpdateFunc) *Favorites {
	return &Favorites{store: st, update: update}
}

// All returns every favorite, oldest first.
func (f *Favorites) All() ([]Favorite, error) {
	records, err := f.store.List(store.CollectionFavorites)
	if err != nil {
		return nil, err
	}

	favorites := make([]Favorite, 0, len(records))
	for _, rec := range records {
		var fav Favorite
		if err := json.Unmarshal(rec.Value, &fav); err != nil {
			return nil, fmt.Errorf("decode favorite %s: %w", rec.Key, err)
		}
		favorites = append(favorites, fav)
	}
	return favorites, nil
}

// Add marks a media item as a favorite and announces the new collection.
// Re-adding an existing favorite refreshes its timestamp.
func (f *Favorites) Add(favType, mediaID string) (Favorite, error) {
	fav := Favorite{Type: favType, MediaID: mediaID, When: time.Now().UTC()}

	value, err := json.Marshal(fav)
	if err != nil {
		return Favorite{}, fmt.Errorf("encode favorite %s: %w", mediaID, err)
	}
	if err := f.store.Put(store.CollectionFavorites, mediaID, value); err != nil {
		return Favorite{}, err
	}

	f.announce()
	return fav, nil
}

// Remove unmarks a favorite and announces the new collection.
func (f *Favorites) Remove(mediaID string) error {
	if err := f.store.Delete(store.CollectionFavorites, mediaID); err != nil {
		return err
	}
	f.announce()
	return nil
}

// Announce broadcasts the current favorites collection unconditionally, used
// at startup to seed the snapshot.
func (f *Favorites) Announce() {
	f.announce()
}

func (f *Favorites) announce() {
	favorites, err := f.All()
	if err != nil {
		return // the failed operation already surfaced the error
	}
	f.update(device.ChangeRecord{
		Role:  device.RoleMediaServer,
		Kind:  device.KindFavorites,
		Value: FavoritesPayload{Favorites: favorites},
		At:    time.Now(),
	})
}
