package managers

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vibinhq/vibin/internal/device"
	"github.com/vibinhq/vibin/internal/store"
)

// StoredPlaylist is a named, persisted play queue.
type StoredPlaylist struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Created  time.Time `json:"created"`
	Updated  time.Time `json:"updated"`
	EntryIDs []string  `json:"entry_ids"` // media server item ids, in order
}

// StoredPlaylistsPayload is the broadcast payload for playlist changes.
type StoredPlaylistsPayload struct {
	Playlists []StoredPlaylist `json:"playlists"`
}

// Playlists manages the stored playlists collection.
type Playlists struct {
	store  *store.Store
	update device.UpdateFunc
}

// NewPlaylists creates the stored playlists manager.
func NewPlaylists(st *store.Store, update device.UpdateFunc) *Playlists {
	return &Playlists{store: st, update: update}
}

// All returns every stored playlist.
func (p *Playlists) All() ([]StoredPlaylist, error) {
	records, err := p.store.List(store.CollectionStoredPlaylists)
	if err != nil {
		return nil, err
	}

	playlists := make([]StoredPlaylist, 0, len(records))
	for _, rec := range records {
		var pl StoredPlaylist
		if err := json.Unmarshal(rec.Value, &pl); err != nil {
			return nil, fmt.Errorf("decode playlist %s: %w", rec.Key, err)
		}
		playlists = append(playlists, pl)
	}
	return playlists, nil
}

// Get returns one stored playlist by id.
func (p *Playlists) Get(id string) (StoredPlaylist, error) {
	rec, err := p.store.Get(store.CollectionStoredPlaylists, id)
	if err != nil {
		return StoredPlaylist{}, err
	}

	var pl StoredPlaylist
	if err := json.Unmarshal(rec.Value, &pl); err != nil {
		return StoredPlaylist{}, fmt.Errorf("decode playlist %s: %w", id, err)
	}
	return pl, nil
}

// Create stores a new playlist and announces the new collection.
func (p *Playlists) Create(name string, entryIDs []string) (StoredPlaylist, error) {
	now := time.Now().UTC()
	pl := StoredPlaylist{
		ID:       uuid.NewString(),
		Name:     name,
		Created:  now,
		Updated:  now,
		EntryIDs: entryIDs,
	}

	if err := p.put(pl); err != nil {
		return StoredPlaylist{}, err
	}
	p.announce()
	return pl, nil
}

// Update replaces a playlist's name and/or entries. Empty name keeps the
// current one; nil entries keep the current ones.
func (p *Playlists) Update(id, name string, entryIDs []string) (StoredPlaylist, error) {
	pl, err := p.Get(id)
	if err != nil {
		return StoredPlaylist{}, err
	}

	if name != "" {
		pl.Name = name
	}
	if entryIDs != nil {
		pl.EntryIDs = entryIDs
	}
	pl.Updated = time.Now().UTC()

	if err := p.put(pl); err != nil {
		return StoredPlaylist{}, err
	}
	p.announce()
	return pl, nil
}

// Delete removes a stored playlist and announces the new collection.
func (p *Playlists) Delete(id string) error {
	if err := p.store.Delete(store.CollectionStoredPlaylists, id); err != nil {
		return err
	}
	p.announce()
	return nil
}

// Announce broadcasts the current collection unconditionally, used at startup
// to seed the snapshot.
func (p *Playlists) Announce() {
	p.announce()
}

func (p *Playlists) put(pl StoredPlaylist) error {
	value, err := json.Marshal(pl)
	if err != nil {
		return fmt.Errorf("encode playlist %s: %w", pl.ID, err)
	}
	return p.store.Put(store.CollectionStoredPlaylists, pl.ID, value)
}

func (p *Playlists) announce() {
	playlists, err := p.All()
	if err != nil {
		return
	}
	p.update(device.ChangeRecord{
		Role:  device.RoleStreamer,
		Kind:  device.KindStoredPlaylists,
		Value: StoredPlaylistsPayload{Playlists: playlists},
		At:    time.Now(),
	})
}
