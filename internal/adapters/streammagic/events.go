package streammagic

import (
	"encoding/json"
	"encoding/xml"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/vibinhq/vibin/internal/device"
	"github.com/vibinhq/vibin/internal/upnp"
)

// playStatePayload is the /zone/play_state feed.
type playStatePayload struct {
	State       string `json:"state"`
	ModeRepeat  string `json:"mode_repeat"`
	ModeShuffle string `json:"mode_shuffle"`
	Position    *int   `json:"position"`
	QueueIndex  int    `json:"queue_index"`
	Metadata    struct {
		Title        string `json:"title"`
		Name         string `json:"name"`
		Artist       string `json:"artist"`
		Album        string `json:"album"`
		Duration     int    `json:"duration"`
		ArtURL       string `json:"art_url"`
		SampleFormat string `json:"sample_format"`
		SampleRate   int    `json:"sample_rate"`
		BitDepth     int    `json:"bit_depth"`
		BitRate      int    `json:"bit_rate"`
		Codec        string `json:"codec"`
		Lossless     bool   `json:"lossless"`
		StreamURL    string `json:"stream_url"`
	} `json:"metadata"`
}

// nowPlayingPayload is the /zone/now_playing feed.
type nowPlayingPayload struct {
	Source struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"source"`
	Display struct {
		Line1   string `json:"line1"`
		Line2   string `json:"line2"`
		Line3   string `json:"line3"`
		Format  string `json:"format"`
		Context string `json:"context"`
		ArtURL  string `json:"art_url"`
	} `json:"display"`
	Controls []string `json:"controls"`
}

type sourcesPayload struct {
	Sources []struct {
		ID       string `json:"id"`
		Name     string `json:"name"`
		Class    string `json:"class"`
		Playable bool   `json:"playable"`
	} `json:"sources"`
}

// handleSMOIP routes one push-channel update to the matching typed change
// record. Payloads that fail to decode are logged and dropped; the channel
// keeps running.
func (a *Adapter) handleSMOIP(path string, data json.RawMessage) {
	var err error
	switch path {
	case "/zone/play_state":
		err = a.applyPlayState(data)
	case "/zone/play_state/position":
		err = a.applyPosition(data)
	case "/zone/now_playing":
		err = a.applyNowPlaying(data)
	case "/presets/list":
		err = a.applyPresets(data)
	case "/system/power":
		err = a.applyPower(data)
	case "/system/sources":
		err = a.applySources(data)
	default:
		log.Debug().Str("path", path).Msg("Unhandled SMOIP update path")
		return
	}

	if err != nil {
		log.Warn().Err(err).
			Str("device", a.ref.FriendlyName).
			Str("path", path).
			Msg("Discarding malformed SMOIP update")
	}
}

func (a *Adapter) applyPlayState(data json.RawMessage) error {
	var payload playStatePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return err
	}

	title := payload.Metadata.Title
	if title == "" {
		title = payload.Metadata.Name
	}

	a.mu.Lock()
	a.transport.PlayState = device.PlayStatus(strings.ToLower(payload.State))
	a.transport.Repeat = payload.ModeRepeat
	a.transport.Shuffle = payload.ModeShuffle
	a.playing.ActiveTrack = device.ActiveTrack{
		Title:    title,
		Artist:   payload.Metadata.Artist,
		Album:    payload.Metadata.Album,
		Duration: payload.Metadata.Duration,
		ArtURL:   payload.Metadata.ArtURL,
	}
	a.playing.Format = device.MediaFormat{
		SampleFormat: payload.Metadata.SampleFormat,
		SampleRate:   payload.Metadata.SampleRate,
		BitDepth:     payload.Metadata.BitDepth,
		BitRate:      payload.Metadata.BitRate,
		Codec:        payload.Metadata.Codec,
		Lossless:     payload.Metadata.Lossless,
	}
	a.playing.StreamURL = payload.Metadata.StreamURL
	a.playing.Playlist.CurrentTrackIndex = payload.QueueIndex
	transport := a.transport
	playing := a.playing
	a.mu.Unlock()

	a.emit(device.KindTransportState, transport)
	a.emit(device.KindCurrentlyPlaying, playing)

	if payload.Position != nil {
		a.emit(device.KindPosition, device.Position{Position: *payload.Position})
	}
	return nil
}

func (a *Adapter) applyPosition(data json.RawMessage) error {
	var payload struct {
		Position int `json:"position"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return err
	}
	a.emit(device.KindPosition, device.Position{Position: payload.Position})
	return nil
}

func (a *Adapter) applyNowPlaying(data json.RawMessage) error {
	var payload nowPlayingPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return err
	}

	a.mu.Lock()
	a.state.ActiveSource = payload.Source.ID
	a.state.Display = device.StreamerDisplay{
		Line1:   payload.Display.Line1,
		Line2:   payload.Display.Line2,
		Line3:   payload.Display.Line3,
		Format:  payload.Display.Format,
		Context: payload.Display.Context,
		ArtURL:  payload.Display.ArtURL,
	}
	a.transport.ActiveControls = payload.Controls
	state := a.state
	transport := a.transport
	a.mu.Unlock()

	a.emitSystem(state)
	a.emit(device.KindTransportState, transport)
	return nil
}

func (a *Adapter) applyPresets(data json.RawMessage) error {
	var payload device.Presets
	if err := json.Unmarshal(data, &payload); err != nil {
		return err
	}
	a.emit(device.KindPresets, payload)
	return nil
}

func (a *Adapter) applyPower(data json.RawMessage) error {
	var payload struct {
		Power string `json:"power"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return err
	}

	// The device reports "ON" or "NETWORK" (network standby).
	power := device.PowerOff
	if strings.EqualFold(payload.Power, "on") {
		power = device.PowerOn
	}

	a.mu.Lock()
	a.state.Power = power
	state := a.state
	a.mu.Unlock()

	a.emitSystem(state)
	return nil
}

func (a *Adapter) applySources(data json.RawMessage) error {
	var payload sourcesPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return err
	}

	sources := make([]device.AudioSource, 0, len(payload.Sources))
	for _, src := range payload.Sources {
		sources = append(sources, device.AudioSource{
			ID:       src.ID,
			Name:     src.Name,
			Class:    src.Class,
			Playable: src.Playable,
		})
	}

	a.mu.Lock()
	a.state.Sources = sources
	state := a.state
	a.mu.Unlock()

	a.emitSystem(state)
	return nil
}

// handleNotify processes one UPnP NOTIFY. StreamMagic delivers rich typed
// state over SMOIP, so eventing output is forwarded wholesale as the vendor
// property bag; nothing a NOTIFY carries is dropped, and nothing needs a
// typed mapping here.
func (a *Adapter) handleNotify(delivery upnp.NotifyDelivery) {
	if err := a.subs.CheckDelivery(delivery.ServiceName, delivery.SID); err != nil {
		log.Warn().Err(err).
			Str("device", a.ref.FriendlyName).
			Str("service", delivery.ServiceName).
			Msg("Discarding NOTIFY for stale subscription")
		return
	}

	props, err := upnp.ParsePropertySet(delivery.Body)
	if err != nil {
		log.Warn().Err(err).
			Str("device", a.ref.FriendlyName).
			Str("service", delivery.ServiceName).
			Msg("Discarding malformed NOTIFY body")
		return
	}

	bag := make(map[string]any, len(props))
	for name, value := range props {
		if name == "LastChange" {
			if inner, err := parseLastChange(value); err == nil {
				bag[name] = inner
				continue
			}
		}
		bag[name] = value
	}

	a.emit(device.KindUPnPProperties, device.UPnPProperties{
		delivery.ServiceName: bag,
	})
}

// lastChangeEvent is the AVTransport/RenderingControl LastChange document:
// one InstanceID element whose children each carry a val attribute.
type lastChangeEvent struct {
	InstanceID struct {
		Values []struct {
			XMLName xml.Name
			Val     string `xml:"val,attr"`
		} `xml:",any"`
	} `xml:"InstanceID"`
}

func parseLastChange(raw string) (map[string]any, error) {
	var event lastChangeEvent
	if err := xml.Unmarshal([]byte(raw), &event); err != nil {
		return nil, err
	}

	values := make(map[string]any, len(event.InstanceID.Values))
	for _, v := range event.InstanceID.Values {
		values[v.XMLName.Local] = v.Val
	}
	return values, nil
}
