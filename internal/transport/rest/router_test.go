package rest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/vibinhq/vibin/internal/device"
	"github.com/vibinhq/vibin/internal/hub"
	"github.com/vibinhq/vibin/internal/managers"
	"github.com/vibinhq/vibin/internal/services"
	"github.com/vibinhq/vibin/internal/store"
)

// fakeStreamer records the last action invoked and fails on demand.
type fakeStreamer struct {
	lastAction string
	lastArg    any
	err        error
	position   int
}

func (f *fakeStreamer) call(name string, arg any) error {
	f.lastAction = name
	f.lastArg = arg
	return f.err
}

func (f *fakeStreamer) Reference() device.Reference { return device.Reference{} }
func (f *fakeStreamer) Start(ctx context.Context) error { return nil }
func (f *fakeStreamer) Shutdown() {}
func (f *fakeStreamer) Play(ctx context.Context) error { return f.call("play", nil) }
func (f *fakeStreamer) Pause(ctx context.Context) error { return f.call("pause", nil) }
func (f *fakeStreamer) TogglePlayback(ctx context.Context) error {
	return f.call("toggle", nil)
}
func (f *fakeStreamer) Stop(ctx context.Context) error { return f.call("stop", nil) }
func (f *fakeStreamer) Next(ctx context.Context) error { return f.call("next", nil) }
func (f *fakeStreamer) Previous(ctx context.Context) error { return f.call("previous", nil) }
func (f *fakeStreamer) Seek(ctx context.Context, seconds int) error {
	return f.call("seek", seconds)
}
func (f *fakeStreamer) SetRepeat(ctx context.Context, state string) error {
	return f.call("repeat", state)
}
func (f *fakeStreamer) SetShuffle(ctx context.Context, state string) error {
	return f.call("shuffle", state)
}
func (f *fakeStreamer) SelectSource(ctx context.Context, sourceID string) error {
	return f.call("source", sourceID)
}
func (f *fakeStreamer) PowerOn(ctx context.Context) error { return f.call("power_on", nil) }
func (f *fakeStreamer) PowerOff(ctx context.Context) error { return f.call("power_off", nil) }
func (f *fakeStreamer) PowerToggle(ctx context.Context) error { return f.call("power_toggle", nil) }
func (f *fakeStreamer) PlayPreset(ctx context.Context, presetID int) error {
	return f.call("preset", presetID)
}
func (f *fakeStreamer) TransportPosition(ctx context.Context) (int, error) {
	return f.position, f.err
}
func (f *fakeStreamer) TransportState() device.TransportState { return device.TransportState{} }
func (f *fakeStreamer) CurrentlyPlaying() device.CurrentlyPlaying { return device.CurrentlyPlaying{} }
func (f *fakeStreamer) State() device.StreamerState { return device.StreamerState{} }

type fakeMediaServer struct {
	items map[string][]device.MediaItem
	err   error
}

func (f *fakeMediaServer) Reference() device.Reference { return device.Reference{} }
func (f *fakeMediaServer) Start(ctx context.Context) error { return nil }
func (f *fakeMediaServer) Shutdown() {}
func (f *fakeMediaServer) Browse(ctx context.Context, parentID string) ([]device.MediaItem, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.items[parentID], nil
}
func (f *fakeMediaServer) Metadata(ctx context.Context, id string) (device.MediaItem, error) {
	if f.err != nil {
		return device.MediaItem{}, f.err
	}
	items := f.items[id]
	if len(items) == 0 {
		return device.MediaItem{}, &device.NotFoundError{Role: device.RoleMediaServer, Identifier: id}
	}
	return items[0], nil
}
func (f *fakeMediaServer) State() device.MediaServerState { return device.MediaServerState{} }

func newTestServer(t *testing.T, streamer *fakeStreamer, media *fakeMediaServer) *httptest.Server {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "rest.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	noop := func(device.ChangeRecord) {}
	router := NewRouter(Deps{
		Streamer:    streamer,
		MediaServer: media,
		Amplifier:   nil,
		Sync:        hub.NewSynchronizer(nil),
		Favorites:   managers.NewFavorites(st, noop),
		Playlists:   managers.NewPlaylists(st, noop),
		Lyrics:      managers.NewLyrics(st, services.NewGenius("")),
		Waveforms:   managers.NewWaveforms(st),
		WebSocket:   http.NotFoundHandler(),
	})

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return server
}

func post(t *testing.T, url string, body string) *http.Response {
	t.Helper()
	res, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	t.Cleanup(func() { res.Body.Close() })
	return res
}

func TestTransportActions(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/api/transport/play", "play"},
		{"/api/transport/pause", "pause"},
		{"/api/transport/toggle", "toggle"},
		{"/api/transport/stop", "stop"},
		{"/api/transport/next", "next"},
		{"/api/transport/previous", "previous"},
		{"/api/streamer/power/on", "power_on"},
		{"/api/streamer/power/toggle", "power_toggle"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			streamer := &fakeStreamer{}
			server := newTestServer(t, streamer, &fakeMediaServer{})

			res := post(t, server.URL+tt.path, "")
			if res.StatusCode != http.StatusNoContent {
				t.Fatalf("status = %d", res.StatusCode)
			}
			if streamer.lastAction != tt.want {
				t.Errorf("action = %q, want %q", streamer.lastAction, tt.want)
			}
		})
	}
}

func TestSeek(t *testing.T) {
	streamer := &fakeStreamer{}
	server := newTestServer(t, streamer, &fakeMediaServer{})

	res := post(t, server.URL+"/api/transport/seek?position=95", "")
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d", res.StatusCode)
	}
	if streamer.lastAction != "seek" || streamer.lastArg != 95 {
		t.Errorf("seek arg = %v", streamer.lastArg)
	}

	res = post(t, server.URL+"/api/transport/seek?position=later", "")
	if res.StatusCode != http.StatusBadRequest {
		t.Errorf("non-numeric position: status = %d", res.StatusCode)
	}
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"not found", &device.NotFoundError{Role: device.RoleStreamer}, http.StatusNotFound},
		{"unreachable", device.ErrDeviceUnreachable, http.StatusServiceUnavailable},
		{"rejected", &device.RejectedError{Role: device.RoleStreamer, Action: "play"}, http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			streamer := &fakeStreamer{err: tt.err}
			server := newTestServer(t, streamer, &fakeMediaServer{})

			res := post(t, server.URL+"/api/transport/play", "")
			if res.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", res.StatusCode, tt.want)
			}

			var body map[string]string
			if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
				t.Fatalf("decode error body: %v", err)
			}
			if body["error"] == "" {
				t.Error("error body missing detail")
			}
		})
	}
}

func TestBrowse(t *testing.T) {
	media := &fakeMediaServer{items: map[string][]device.MediaItem{
		"0": {
			{ID: "album-1", Title: "Kind of Blue", Container: true},
			{ID: "album-2", Title: "Blue Train", Container: true},
		},
	}}
	server := newTestServer(t, &fakeStreamer{}, media)

	res, err := http.Get(server.URL + "/api/browse/children/0")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", res.StatusCode)
	}
	var items []device.MediaItem
	if err := json.NewDecoder(res.Body).Decode(&items); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(items) != 2 || items[0].Title != "Kind of Blue" {
		t.Errorf("items = %+v", items)
	}
}

func TestBrowseMetadataMissing(t *testing.T) {
	server := newTestServer(t, &fakeStreamer{}, &fakeMediaServer{})

	res, err := http.Get(server.URL + "/api/browse/metadata/ghost")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", res.StatusCode)
	}
}

func TestFavoritesEndpoints(t *testing.T) {
	server := newTestServer(t, &fakeStreamer{}, &fakeMediaServer{})

	res := post(t, server.URL+"/api/favorites/", `{"type":"album","media_id":"co-9"}`)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("add: status = %d", res.StatusCode)
	}

	res = post(t, server.URL+"/api/favorites/", `{"type":"album"}`)
	if res.StatusCode != http.StatusBadRequest {
		t.Errorf("missing media_id: status = %d", res.StatusCode)
	}

	list, err := http.Get(server.URL + "/api/favorites/")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer list.Body.Close()

	var payload managers.FavoritesPayload
	if err := json.NewDecoder(list.Body).Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(payload.Favorites) != 1 || payload.Favorites[0].MediaID != "co-9" {
		t.Errorf("favorites = %+v", payload.Favorites)
	}

	req, _ := http.NewRequest(http.MethodDelete, server.URL+"/api/favorites/co-9", nil)
	del, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	del.Body.Close()
	if del.StatusCode != http.StatusNoContent {
		t.Errorf("delete: status = %d", del.StatusCode)
	}
}

func TestPlaylistEndpoints(t *testing.T) {
	server := newTestServer(t, &fakeStreamer{}, &fakeMediaServer{})

	res := post(t, server.URL+"/api/playlists/", `{"name":"Morning","entry_ids":["tr-1"]}`)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create: status = %d", res.StatusCode)
	}
	var created managers.StoredPlaylist
	if err := json.NewDecoder(res.Body).Decode(&created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.ID == "" {
		t.Fatal("no id in response")
	}

	res = post(t, server.URL+"/api/playlists/", `{"entry_ids":["tr-1"]}`)
	if res.StatusCode != http.StatusBadRequest {
		t.Errorf("nameless create: status = %d", res.StatusCode)
	}

	missing, err := http.Get(server.URL + "/api/playlists/no-such-id")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Errorf("missing playlist: status = %d", missing.StatusCode)
	}
}

func TestAmplifierRoutesWithoutAmplifier(t *testing.T) {
	server := newTestServer(t, &fakeStreamer{}, &fakeMediaServer{})

	res := post(t, server.URL+"/api/amplifier/power/on", "")
	if res.StatusCode != http.StatusNotImplemented {
		t.Errorf("status = %d, want 501", res.StatusCode)
	}
}

func TestLyricsDisabled(t *testing.T) {
	server := newTestServer(t, &fakeStreamer{}, &fakeMediaServer{})

	res, err := http.Get(server.URL + "/api/lyrics?artist=a&title=b")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusNotImplemented {
		t.Errorf("status = %d, want 501", res.StatusCode)
	}
}

func TestLinks(t *testing.T) {
	server := newTestServer(t, &fakeStreamer{}, &fakeMediaServer{})

	res, err := http.Get(server.URL + "/api/links?artist=Miles+Davis&album=Kind+of+Blue")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer res.Body.Close()

	var links []services.Link
	if err := json.NewDecoder(res.Body).Decode(&links); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(links) == 0 {
		t.Fatal("no links returned")
	}
}

func TestVersionEndpoint(t *testing.T) {
	server := newTestServer(t, &fakeStreamer{}, &fakeMediaServer{})

	res, err := http.Get(server.URL + "/api/version")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer res.Body.Close()

	var info struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	}
	if err := json.NewDecoder(res.Body).Decode(&info); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if info.Name != "vibin" || info.Version == "" {
		t.Errorf("info = %+v", info)
	}
}
