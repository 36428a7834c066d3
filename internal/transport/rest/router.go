// Package rest exposes the HTTP API: transport and power actions, library
// browsing, favorites and stored playlists, lyrics, waveforms, and the
// WebSocket upgrade endpoint. Handlers are thin; every operation proxies a
// device adapter or a feature manager.
package rest

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/vibinhq/vibin/internal/device"
	"github.com/vibinhq/vibin/internal/hub"
	"github.com/vibinhq/vibin/internal/managers"
	"github.com/vibinhq/vibin/internal/services"
	"github.com/vibinhq/vibin/internal/store"
	"github.com/vibinhq/vibin/internal/version"
)

// Deps carries everything the router serves. Amplifier may be nil (no
// amplifier configured); Lyrics and Waveforms may be disabled but are never
// nil.
type Deps struct {
	Streamer    device.Streamer
	MediaServer device.MediaServer
	Amplifier   device.Amplifier

	Sync      *hub.Synchronizer
	Favorites *managers.Favorites
	Playlists *managers.Playlists
	Lyrics    *managers.LyricsManager
	Waveforms *managers.Waveforms

	WebSocket http.Handler
}

type router struct {
	deps Deps
}

// NewRouter builds the API router.
func NewRouter(deps Deps) http.Handler {
	rt := &router{deps: deps}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(cors)

	r.Handle("/ws", deps.WebSocket)

	r.Route("/api", func(r chi.Router) {
		r.Get("/version", rt.getVersion)
		r.Get("/state", rt.getState)

		r.Route("/transport", func(r chi.Router) {
			r.Post("/play", rt.action(func(req *http.Request) error {
				return deps.Streamer.Play(req.Context())
			}))
			r.Post("/pause", rt.action(func(req *http.Request) error {
				return deps.Streamer.Pause(req.Context())
			}))
			r.Post("/toggle", rt.action(func(req *http.Request) error {
				return deps.Streamer.TogglePlayback(req.Context())
			}))
			r.Post("/stop", rt.action(func(req *http.Request) error {
				return deps.Streamer.Stop(req.Context())
			}))
			r.Post("/next", rt.action(func(req *http.Request) error {
				return deps.Streamer.Next(req.Context())
			}))
			r.Post("/previous", rt.action(func(req *http.Request) error {
				return deps.Streamer.Previous(req.Context())
			}))
			r.Post("/seek", rt.seek)
			r.Post("/repeat", rt.action(func(req *http.Request) error {
				return deps.Streamer.SetRepeat(req.Context(), req.URL.Query().Get("state"))
			}))
			r.Post("/shuffle", rt.action(func(req *http.Request) error {
				return deps.Streamer.SetShuffle(req.Context(), req.URL.Query().Get("state"))
			}))
			r.Get("/position", rt.getPosition)
		})

		r.Route("/streamer", func(r chi.Router) {
			r.Post("/power/on", rt.action(func(req *http.Request) error {
				return deps.Streamer.PowerOn(req.Context())
			}))
			r.Post("/power/off", rt.action(func(req *http.Request) error {
				return deps.Streamer.PowerOff(req.Context())
			}))
			r.Post("/power/toggle", rt.action(func(req *http.Request) error {
				return deps.Streamer.PowerToggle(req.Context())
			}))
			r.Post("/source", rt.action(func(req *http.Request) error {
				return deps.Streamer.SelectSource(req.Context(), req.URL.Query().Get("id"))
			}))
		})

		r.Post("/presets/{id}/play", rt.playPreset)

		r.Route("/browse", func(r chi.Router) {
			r.Get("/children/{id}", rt.browseChildren)
			r.Get("/metadata/{id}", rt.browseMetadata)
		})

		r.Route("/favorites", func(r chi.Router) {
			r.Get("/", rt.listFavorites)
			r.Post("/", rt.addFavorite)
			r.Delete("/{mediaID}", rt.removeFavorite)
		})

		r.Route("/playlists", func(r chi.Router) {
			r.Get("/", rt.listPlaylists)
			r.Post("/", rt.createPlaylist)
			r.Get("/{id}", rt.getPlaylist)
			r.Put("/{id}", rt.updatePlaylist)
			r.Delete("/{id}", rt.deletePlaylist)
		})

		r.Route("/amplifier", func(r chi.Router) {
			r.Use(rt.requireAmplifier)
			r.Post("/power/on", rt.action(func(req *http.Request) error {
				return deps.Amplifier.PowerOn(req.Context())
			}))
			r.Post("/power/off", rt.action(func(req *http.Request) error {
				return deps.Amplifier.PowerOff(req.Context())
			}))
			r.Post("/power/toggle", rt.action(func(req *http.Request) error {
				return deps.Amplifier.PowerToggle(req.Context())
			}))
			r.Post("/volume", rt.setVolume)
			r.Post("/volume/up", rt.action(func(req *http.Request) error {
				return deps.Amplifier.VolumeUp(req.Context())
			}))
			r.Post("/volume/down", rt.action(func(req *http.Request) error {
				return deps.Amplifier.VolumeDown(req.Context())
			}))
			r.Post("/mute/toggle", rt.action(func(req *http.Request) error {
				return deps.Amplifier.MuteToggle(req.Context())
			}))
		})

		r.Get("/lyrics", rt.getLyrics)
		r.Get("/waveform/{mediaID}", rt.getWaveform)
		r.Get("/links", rt.getLinks)
	})

	return r
}

// action wraps a fire-and-forget device operation.
func (rt *router) action(fn func(*http.Request) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := fn(r); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (rt *router) getVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, version.GetInfo())
}

func (rt *router) getState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, rt.deps.Sync.StateSnapshot())
}

func (rt *router) seek(w http.ResponseWriter, r *http.Request) {
	seconds, err := strconv.Atoi(r.URL.Query().Get("position"))
	if err != nil {
		http.Error(w, "position must be an integer number of seconds", http.StatusBadRequest)
		return
	}
	if err := rt.deps.Streamer.Seek(r.Context(), seconds); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (rt *router) getPosition(w http.ResponseWriter, r *http.Request) {
	position, err := rt.deps.Streamer.TransportPosition(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, device.Position{Position: position})
}

func (rt *router) playPreset(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "preset id must be an integer", http.StatusBadRequest)
		return
	}
	if err := rt.deps.Streamer.PlayPreset(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (rt *router) browseChildren(w http.ResponseWriter, r *http.Request) {
	items, err := rt.deps.MediaServer.Browse(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (rt *router) browseMetadata(w http.ResponseWriter, r *http.Request) {
	item, err := rt.deps.MediaServer.Metadata(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (rt *router) listFavorites(w http.ResponseWriter, r *http.Request) {
	favorites, err := rt.deps.Favorites.All()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, managers.FavoritesPayload{Favorites: favorites})
}

func (rt *router) addFavorite(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Type    string `json:"type"`
		MediaID string `json:"media_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.MediaID == "" {
		http.Error(w, "body must carry type and media_id", http.StatusBadRequest)
		return
	}

	fav, err := rt.deps.Favorites.Add(body.Type, body.MediaID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, fav)
}

func (rt *router) removeFavorite(w http.ResponseWriter, r *http.Request) {
	if err := rt.deps.Favorites.Remove(chi.URLParam(r, "mediaID")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (rt *router) listPlaylists(w http.ResponseWriter, r *http.Request) {
	playlists, err := rt.deps.Playlists.All()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, managers.StoredPlaylistsPayload{Playlists: playlists})
}

func (rt *router) getPlaylist(w http.ResponseWriter, r *http.Request) {
	playlist, err := rt.deps.Playlists.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, playlist)
}

type playlistBody struct {
	Name     string   `json:"name"`
	EntryIDs []string `json:"entry_ids"`
}

func (rt *router) createPlaylist(w http.ResponseWriter, r *http.Request) {
	var body playlistBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Name == "" {
		http.Error(w, "body must carry a playlist name", http.StatusBadRequest)
		return
	}

	playlist, err := rt.deps.Playlists.Create(body.Name, body.EntryIDs)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, playlist)
}

func (rt *router) updatePlaylist(w http.ResponseWriter, r *http.Request) {
	var body playlistBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	playlist, err := rt.deps.Playlists.Update(chi.URLParam(r, "id"), body.Name, body.EntryIDs)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, playlist)
}

func (rt *router) deletePlaylist(w http.ResponseWriter, r *http.Request) {
	if err := rt.deps.Playlists.Delete(chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (rt *router) setVolume(w http.ResponseWriter, r *http.Request) {
	volume, err := strconv.ParseFloat(r.URL.Query().Get("level"), 64)
	if err != nil || volume < 0 || volume > 1 {
		http.Error(w, "level must be a number between 0.0 and 1.0", http.StatusBadRequest)
		return
	}
	if err := rt.deps.Amplifier.SetVolume(r.Context(), volume); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (rt *router) getLyrics(w http.ResponseWriter, r *http.Request) {
	if !rt.deps.Lyrics.Enabled() {
		http.Error(w, "lyrics lookup is not configured", http.StatusNotImplemented)
		return
	}

	artist := r.URL.Query().Get("artist")
	title := r.URL.Query().Get("title")
	if title == "" {
		http.Error(w, "title is required", http.StatusBadRequest)
		return
	}

	lyrics, err := rt.deps.Lyrics.For(r.Context(), artist, title)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, lyrics)
}

func (rt *router) getWaveform(w http.ResponseWriter, r *http.Request) {
	if !rt.deps.Waveforms.Enabled() {
		http.Error(w, "waveform rendering is not available", http.StatusNotImplemented)
		return
	}

	mediaID := chi.URLParam(r, "mediaID")

	item, err := rt.deps.MediaServer.Metadata(r.Context(), mediaID)
	if err != nil {
		writeError(w, err)
		return
	}
	if item.URI == "" {
		http.Error(w, "item has no audio resource", http.StatusNotFound)
		return
	}

	waveform, err := rt.deps.Waveforms.For(r.Context(), mediaID, item.URI)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write(waveform)
}

func (rt *router) getLinks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	links := services.MediaLinks(q.Get("artist"), q.Get("album"), q.Get("title"))
	writeJSON(w, http.StatusOK, links)
}

func (rt *router) requireAmplifier(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rt.deps.Amplifier == nil {
			http.Error(w, "no amplifier configured", http.StatusNotImplemented)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Error().Err(err).Msg("Could not encode response")
	}
}

// writeError maps the failure taxonomy onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, device.ErrDeviceNotFound), errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, device.ErrAmbiguousDevice):
		status = http.StatusConflict
	case errors.Is(err, device.ErrDeviceUnreachable):
		status = http.StatusServiceUnavailable
	case errors.Is(err, device.ErrDeviceRejected):
		status = http.StatusBadGateway
	case errors.Is(err, store.ErrPersistence):
		status = http.StatusInternalServerError
	case errors.Is(err, services.ErrServiceDisabled):
		status = http.StatusNotImplemented
	}

	writeJSON(w, status, map[string]string{"error": err.Error()})
}
