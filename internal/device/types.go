// Package device defines the device roles, capability contracts, and the
// normalized change records that adapters feed into the hub.
package device

import (
	"strings"
	"time"
)

// Role identifies the physical role a device plays in the system.
type Role string

const (
	RoleStreamer    Role = "streamer"
	RoleMediaServer Role = "media_server"
	RoleAmplifier   Role = "amplifier"
)

// ServiceEndpoint holds the per-service URLs extracted from a device
// description document.
type ServiceEndpoint struct {
	ServiceType string `json:"service_type"`
	ServiceID   string `json:"service_id"`
	ControlURL  string `json:"control_url"`
	EventSubURL string `json:"event_sub_url"`
}

// Reference is a resolved device: the identifying key the user supplied plus
// the concrete network endpoints discovered for it. Immutable once resolved;
// connectivity loss triggers a fresh resolution, never mutation.
type Reference struct {
	Role         Role              `json:"role"`
	Key          string            `json:"key"` // hostname, friendly name, or description URL
	FriendlyName string            `json:"friendly_name"`
	Manufacturer string            `json:"manufacturer"`
	ModelName    string            `json:"model_name"`
	UDN          string            `json:"udn"`
	DeviceType   string            `json:"device_type"`
	Location     string            `json:"location"` // description document URL
	BaseURL      string            `json:"base_url"`
	Hostname     string            `json:"hostname"`
	Services     []ServiceEndpoint `json:"services"`
}

// Service returns the endpoint whose service type contains the given
// fragment (case-insensitive match is the caller's concern; fragments are
// canonical UPnP names like "AVTransport").
func (r Reference) Service(fragment string) (ServiceEndpoint, bool) {
	for _, svc := range r.Services {
		if strings.Contains(strings.ToLower(svc.ServiceType), strings.ToLower(fragment)) {
			return svc, true
		}
	}
	return ServiceEndpoint{}, false
}

// ChangeKind is the closed set of normalized change categories. UPnPProperties
// is the catch-all for vendor property bags that have no typed mapping yet;
// it is kept as a permanent fallback, not a deprecation candidate.
type ChangeKind string

const (
	KindTransportState   ChangeKind = "TransportState"
	KindCurrentlyPlaying ChangeKind = "CurrentlyPlaying"
	KindPosition         ChangeKind = "Position"
	KindSystem           ChangeKind = "System"
	KindPresets          ChangeKind = "Presets"
	KindStoredPlaylists  ChangeKind = "StoredPlaylists"
	KindFavorites        ChangeKind = "Favorites"
	KindUPnPProperties   ChangeKind = "UPnPProperties"
)

// Kinds lists every change kind the hub tracks, in slot order.
func Kinds() []ChangeKind {
	return []ChangeKind{
		KindTransportState,
		KindCurrentlyPlaying,
		KindPosition,
		KindSystem,
		KindPresets,
		KindStoredPlaylists,
		KindFavorites,
		KindUPnPProperties,
	}
}

// ChangeRecord is a normalized fact emitted by an adapter.
type ChangeRecord struct {
	Role  Role       `json:"role"`
	Kind  ChangeKind `json:"kind"`
	Value any        `json:"value"`
	At    time.Time  `json:"at"`
}

// UpdateFunc is handed to every adapter at construction. Adapters invoke it
// for every recognized device-state change.
type UpdateFunc func(ChangeRecord)

// PlayStatus is the transport play state reported by a streamer.
type PlayStatus string

const (
	PlayStatusBuffering  PlayStatus = "buffering"
	PlayStatusConnecting PlayStatus = "connecting"
	PlayStatusNoSignal   PlayStatus = "no_signal"
	PlayStatusNotReady   PlayStatus = "not_ready"
	PlayStatusPause      PlayStatus = "pause"
	PlayStatusPlay       PlayStatus = "play"
	PlayStatusReady      PlayStatus = "ready"
	PlayStatusStop       PlayStatus = "stop"
)

// PowerState is an on/off toggle shared by streamers and amplifiers.
type PowerState string

const (
	PowerOn  PowerState = "on"
	PowerOff PowerState = "off"
)

// TransportState describes what the streamer transport is doing.
type TransportState struct {
	PlayState      PlayStatus `json:"play_state"`
	Repeat         string     `json:"repeat,omitempty"`
	Shuffle        string     `json:"shuffle,omitempty"`
	ActiveControls []string   `json:"active_controls,omitempty"`
}

// ActiveTrack is the media item currently being rendered.
type ActiveTrack struct {
	Title    string `json:"title,omitempty"`
	Artist   string `json:"artist,omitempty"`
	Album    string `json:"album,omitempty"`
	Duration int    `json:"duration,omitempty"` // seconds
	ArtURL   string `json:"art_url,omitempty"`
}

// MediaFormat describes the encoding of the active stream.
type MediaFormat struct {
	SampleFormat  string `json:"sample_format,omitempty"`
	SampleRate    int    `json:"sample_rate,omitempty"`
	BitDepth      int    `json:"bit_depth,omitempty"`
	Codec         string `json:"codec,omitempty"`
	Lossless      bool   `json:"lossless,omitempty"`
	BitRate       int    `json:"bit_rate,omitempty"`
	ChannelsCount int    `json:"channels,omitempty"`
}

// PlaylistEntry is one entry of the streamer's active playlist.
type PlaylistEntry struct {
	ID       int    `json:"id"`
	Index    int    `json:"index"`
	Title    string `json:"title,omitempty"`
	Artist   string `json:"artist,omitempty"`
	Album    string `json:"album,omitempty"`
	Duration string `json:"duration,omitempty"` // h:mm:ss
	URI      string `json:"uri,omitempty"`
	MediaID  string `json:"media_id,omitempty"`
}

// ActivePlaylist is the streamer's current play queue.
type ActivePlaylist struct {
	CurrentTrackIndex int             `json:"current_track_index"`
	Entries           []PlaylistEntry `json:"entries"`
}

// CurrentlyPlaying aggregates the active track, its format, and the playlist
// context it is playing from.
type CurrentlyPlaying struct {
	ActiveTrack ActiveTrack    `json:"active_track"`
	Format      MediaFormat    `json:"format"`
	Playlist    ActivePlaylist `json:"playlist"`
	StreamURL   string         `json:"stream_url,omitempty"`
}

// Position is the transport playhead, in seconds into the active track.
type Position struct {
	Position int `json:"position"`
}

// AudioSource is one selectable input on the streamer.
type AudioSource struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Class    string `json:"class,omitempty"`
	Playable bool   `json:"playable"`
}

// StreamerDisplay mirrors the streamer's front-panel display contents.
type StreamerDisplay struct {
	Line1   string `json:"line1,omitempty"`
	Line2   string `json:"line2,omitempty"`
	Line3   string `json:"line3,omitempty"`
	Format  string `json:"format,omitempty"`
	Context string `json:"context,omitempty"`
	ArtURL  string `json:"art_url,omitempty"`
}

// StreamerState is the streamer's contribution to the System payload.
type StreamerState struct {
	Name         string          `json:"name"`
	Power        PowerState      `json:"power,omitempty"`
	Reachable    bool            `json:"reachable"`
	ActiveSource string          `json:"active_source,omitempty"`
	Sources      []AudioSource   `json:"sources,omitempty"`
	Display      StreamerDisplay `json:"display"`
}

// AmplifierState is the amplifier's contribution to the System payload.
type AmplifierState struct {
	Name      string     `json:"name"`
	Power     PowerState `json:"power,omitempty"`
	Volume    float64    `json:"volume"` // 0.0 - 1.0
	Mute      string     `json:"mute,omitempty"`
	Reachable bool       `json:"reachable"`
}

// MediaServerState is the media server's contribution to the System payload.
type MediaServerState struct {
	Name      string `json:"name"`
	Reachable bool   `json:"reachable"`
}

// SystemState is the aggregate System payload: power, source, display, and
// reachability of every device the hub manages. Reachability lets clients
// distinguish "stale because the device is gone" from "no change yet".
type SystemState struct {
	Streamer    *StreamerState    `json:"streamer,omitempty"`
	MediaServer *MediaServerState `json:"media_server,omitempty"`
	Amplifier   *AmplifierState   `json:"amplifier,omitempty"`
}

// Preset is one of the streamer's stored station/playlist presets.
type Preset struct {
	ID      int    `json:"id"`
	Name    string `json:"name"`
	Type    string `json:"type,omitempty"`
	Class   string `json:"class,omitempty"`
	State   string `json:"state,omitempty"`
	ArtURL  string `json:"art_url,omitempty"`
	Playing bool   `json:"is_playing"`
}

// Presets is the full preset bank.
type Presets struct {
	Start   int      `json:"start,omitempty"`
	End     int      `json:"end,omitempty"`
	MaxSlot int      `json:"max_presets,omitempty"`
	Presets []Preset `json:"presets"`
}

// UPnPProperties is the catch-all nested property bag: service name to
// property name to last seen value. Adapters forward any property they have
// not promoted to a typed kind so no information is lost.
type UPnPProperties map[string]map[string]any

// MediaItem is a browseable item on the media server (container, album, or
// track) in its DIDL-derived form.
type MediaItem struct {
	ID         string `json:"id"`
	ParentID   string `json:"parent_id"`
	Title      string `json:"title"`
	Class      string `json:"class"`
	Artist     string `json:"artist,omitempty"`
	Album      string `json:"album,omitempty"`
	TrackNum   int    `json:"track_number,omitempty"`
	Duration   string `json:"duration,omitempty"`
	URI        string `json:"uri,omitempty"`
	ArtURL     string `json:"art_url,omitempty"`
	ChildCount int    `json:"child_count,omitempty"`
	Container  bool   `json:"is_container"`
}
