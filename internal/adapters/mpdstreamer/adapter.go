// Package mpdstreamer implements the streamer contract against an MPD
// (Music Player Daemon) instance. MPD has no UPnP surface; its idle protocol
// is the push channel, and a one-second poller supplies playhead updates
// while playback is active.
package mpdstreamer

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fhs/gompd/v2/mpd"
	"github.com/rs/zerolog/log"

	"github.com/vibinhq/vibin/internal/device"
)

const (
	positionInterval = time.Second
	watcherRetry     = 5 * time.Second
)

// Adapter drives one MPD instance as the system's streamer.
type Adapter struct {
	ref      device.Reference
	update   device.UpdateFunc
	addr     string
	password string

	mu     sync.RWMutex
	client *mpd.Client

	stateMu   sync.RWMutex
	state     device.StreamerState
	transport device.TransportState
	playing   device.CurrentlyPlaying

	cancel context.CancelFunc
}

// New creates an MPD streamer adapter. host/port address the MPD daemon;
// password may be empty.
func New(ref device.Reference, update device.UpdateFunc, host string, port int, password string) *Adapter {
	return &Adapter{
		ref:      ref,
		update:   update,
		addr:     fmt.Sprintf("%s:%d", host, port),
		password: password,
		state: device.StreamerState{
			Name:  ref.FriendlyName,
			Power: device.PowerOn, // MPD has no standby state
		},
	}
}

// Reference returns the resolved device this adapter drives.
func (a *Adapter) Reference() device.Reference { return a.ref }

// Start connects to MPD, publishes the initial state, and begins the idle
// watcher and the position poller.
func (a *Adapter) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	if err := a.connect(); err != nil {
		cancel()
		return err
	}

	a.setReachable(true)
	a.refreshAll()

	go a.watch(ctx)
	go a.pollPosition(ctx)
	return nil
}

// Shutdown stops the watcher and poller and closes the connection.
func (a *Adapter) Shutdown() {
	if a.cancel != nil {
		a.cancel()
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.client != nil {
		a.client.Close()
		a.client = nil
	}
}

func (a *Adapter) connect() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connectLocked()
}

func (a *Adapter) connectLocked() error {
	log.Info().Str("addr", a.addr).Msg("Connecting to MPD")

	client, err := mpd.Dial("tcp", a.addr)
	if err != nil {
		return fmt.Errorf("connect to MPD: %w: %v", device.ErrDeviceUnreachable, err)
	}

	if a.password != "" {
		if err := client.Command("password %s", a.password).OK(); err != nil {
			client.Close()
			return fmt.Errorf("MPD authentication: %w: %v", device.ErrDeviceRejected, err)
		}
	}

	a.client = client
	return nil
}

// ensureConnected pings the daemon and reconnects on a dead socket.
func (a *Adapter) ensureConnected() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.client == nil {
		return a.connectLocked()
	}
	if err := a.client.Ping(); err != nil {
		log.Warn().Err(err).Msg("MPD connection lost, reconnecting")
		a.client.Close()
		a.client = nil
		return a.connectLocked()
	}
	return nil
}

// command runs one operation against a live connection, translating
// connection failures to the unreachable sentinel.
func (a *Adapter) command(op string, fn func(*mpd.Client) error) error {
	if err := a.ensureConnected(); err != nil {
		a.setReachable(false)
		return err
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	if err := fn(a.client); err != nil {
		return fmt.Errorf("MPD %s: %w: %v", op, device.ErrDeviceRejected, err)
	}
	return nil
}

// Play resumes or starts playback.
func (a *Adapter) Play(ctx context.Context) error {
	return a.command("play", func(c *mpd.Client) error { return c.Play(-1) })
}

// Pause pauses playback.
func (a *Adapter) Pause(ctx context.Context) error {
	return a.command("pause", func(c *mpd.Client) error { return c.Pause(true) })
}

// TogglePlayback flips between play and pause.
func (a *Adapter) TogglePlayback(ctx context.Context) error {
	playing := a.TransportState().PlayState == device.PlayStatusPlay
	return a.command("toggle", func(c *mpd.Client) error { return c.Pause(playing) })
}

// Stop halts playback.
func (a *Adapter) Stop(ctx context.Context) error {
	return a.command("stop", func(c *mpd.Client) error { return c.Stop() })
}

// Next skips to the next queue entry.
func (a *Adapter) Next(ctx context.Context) error {
	return a.command("next", func(c *mpd.Client) error { return c.Next() })
}

// Previous returns to the previous queue entry.
func (a *Adapter) Previous(ctx context.Context) error {
	return a.command("previous", func(c *mpd.Client) error { return c.Previous() })
}

// Seek moves the playhead within the current song.
func (a *Adapter) Seek(ctx context.Context, seconds int) error {
	return a.command("seek", func(c *mpd.Client) error {
		status, err := c.Status()
		if err != nil {
			return err
		}
		songPos, err := strconv.Atoi(status["song"])
		if err != nil {
			return fmt.Errorf("no song playing")
		}
		return c.Seek(songPos, seconds)
	})
}

// SetRepeat sets the repeat mode ("all" or "off").
func (a *Adapter) SetRepeat(ctx context.Context, state string) error {
	return a.command("repeat", func(c *mpd.Client) error {
		return c.Repeat(state != "off")
	})
}

// SetShuffle sets random mode ("all" or "off").
func (a *Adapter) SetShuffle(ctx context.Context, state string) error {
	return a.command("random", func(c *mpd.Client) error {
		return c.Random(state != "off")
	})
}

// SelectSource is not supported; MPD plays only its own library.
func (a *Adapter) SelectSource(ctx context.Context, sourceID string) error {
	return a.unsupported("select source")
}

// PowerOn is a no-op; MPD has no standby state.
func (a *Adapter) PowerOn(ctx context.Context) error { return nil }

// PowerOff is not supported.
func (a *Adapter) PowerOff(ctx context.Context) error { return a.unsupported("power off") }

// PowerToggle is not supported.
func (a *Adapter) PowerToggle(ctx context.Context) error { return a.unsupported("power toggle") }

// PlayPreset loads and plays a stored MPD playlist by queue position.
func (a *Adapter) PlayPreset(ctx context.Context, presetID int) error {
	return a.command("preset", func(c *mpd.Client) error { return c.Play(presetID) })
}

// TransportPosition reports the playhead in seconds.
func (a *Adapter) TransportPosition(ctx context.Context) (int, error) {
	var position int
	err := a.command("position", func(c *mpd.Client) error {
		status, err := c.Status()
		if err != nil {
			return err
		}
		elapsed, err := strconv.ParseFloat(status["elapsed"], 64)
		if err != nil {
			return fmt.Errorf("no elapsed time reported")
		}
		position = int(elapsed)
		return nil
	})
	return position, err
}

// TransportState reports the last known transport state.
func (a *Adapter) TransportState() device.TransportState {
	a.stateMu.RLock()
	defer a.stateMu.RUnlock()
	return a.transport
}

// CurrentlyPlaying reports the last known now-playing details.
func (a *Adapter) CurrentlyPlaying() device.CurrentlyPlaying {
	a.stateMu.RLock()
	defer a.stateMu.RUnlock()
	return a.playing
}

// State reports the streamer's system-level state.
func (a *Adapter) State() device.StreamerState {
	a.stateMu.RLock()
	defer a.stateMu.RUnlock()
	return a.state
}

func (a *Adapter) unsupported(action string) error {
	return &device.RejectedError{
		Role:   device.RoleStreamer,
		Action: action,
		Detail: "not supported by MPD",
	}
}

// watch runs the idle-protocol watcher, refreshing state per changed
// subsystem. The watcher holds its own connection; it is rebuilt after any
// error.
func (a *Adapter) watch(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		watcher, err := mpd.NewWatcher("tcp", a.addr, a.password, "player", "mixer", "options", "playlist")
		if err != nil {
			log.Warn().Err(err).
				Str("addr", a.addr).
				Dur("retry_in", watcherRetry).
				Msg("MPD watcher connection failed")
			a.setReachable(false)

			select {
			case <-ctx.Done():
				return
			case <-time.After(watcherRetry):
			}
			continue
		}

		a.setReachable(true)
		a.refreshAll()
		a.consume(ctx, watcher)
	}
}

func (a *Adapter) consume(ctx context.Context, watcher *mpd.Watcher) {
	defer watcher.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case subsystem, ok := <-watcher.Event:
			if !ok {
				return
			}
			switch subsystem {
			case "player", "options":
				a.refreshTransport()
				a.refreshPlaying()
			case "playlist":
				a.refreshPlaying()
			}
		case err := <-watcher.Error:
			log.Warn().Err(err).Msg("MPD watcher error; rebuilding")
			return
		}
	}
}

// pollPosition emits one position record per second while a track plays.
func (a *Adapter) pollPosition(ctx context.Context) {
	ticker := time.NewTicker(positionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if a.TransportState().PlayState != device.PlayStatusPlay {
				continue
			}
			position, err := a.TransportPosition(ctx)
			if err != nil {
				continue
			}
			a.emit(device.KindPosition, device.Position{Position: position})
		}
	}
}

func (a *Adapter) setReachable(reachable bool) {
	a.stateMu.Lock()
	changed := a.state.Reachable != reachable
	a.state.Reachable = reachable
	state := a.state
	a.stateMu.Unlock()

	if changed {
		a.emit(device.KindSystem, device.SystemState{Streamer: &state})
	}
}

func (a *Adapter) refreshAll() {
	a.refreshTransport()
	a.refreshPlaying()
}

func (a *Adapter) refreshTransport() {
	var status mpd.Attrs
	err := a.command("status", func(c *mpd.Client) error {
		var err error
		status, err = c.Status()
		return err
	})
	if err != nil {
		log.Warn().Err(err).Msg("Could not read MPD status")
		return
	}

	a.stateMu.Lock()
	a.transport.PlayState = playStatus(status["state"])
	a.transport.Repeat = onOff(status["repeat"])
	a.transport.Shuffle = onOff(status["random"])
	a.transport.ActiveControls = []string{
		"play_pause", "stop", "seek", "next", "previous", "repeat", "shuffle",
	}
	transport := a.transport
	a.stateMu.Unlock()

	a.emit(device.KindTransportState, transport)
}

func (a *Adapter) refreshPlaying() {
	var song, status mpd.Attrs
	var queue []mpd.Attrs
	err := a.command("currentsong", func(c *mpd.Client) error {
		var err error
		if song, err = c.CurrentSong(); err != nil {
			return err
		}
		if status, err = c.Status(); err != nil {
			return err
		}
		queue, err = c.PlaylistInfo(-1, -1)
		return err
	})
	if err != nil {
		log.Warn().Err(err).Msg("Could not read MPD current song")
		return
	}

	duration := 0
	if secs, err := strconv.ParseFloat(song["duration"], 64); err == nil {
		duration = int(secs)
	}

	entries := make([]device.PlaylistEntry, 0, len(queue))
	for i, item := range queue {
		id, _ := strconv.Atoi(item["Id"])
		entries = append(entries, device.PlaylistEntry{
			ID:     id,
			Index:  i,
			Title:  item["Title"],
			Artist: item["Artist"],
			Album:  item["Album"],
			URI:    item["file"],
		})
	}

	currentIndex := -1
	if pos, err := strconv.Atoi(status["song"]); err == nil {
		currentIndex = pos
	}

	a.stateMu.Lock()
	a.playing.ActiveTrack = device.ActiveTrack{
		Title:    song["Title"],
		Artist:   song["Artist"],
		Album:    song["Album"],
		Duration: duration,
	}
	a.playing.Format = formatFromStatus(status)
	a.playing.Playlist = device.ActivePlaylist{
		CurrentTrackIndex: currentIndex,
		Entries:           entries,
	}
	playing := a.playing
	a.stateMu.Unlock()

	a.emit(device.KindCurrentlyPlaying, playing)
}

func (a *Adapter) emit(kind device.ChangeKind, value any) {
	a.update(device.ChangeRecord{
		Role:  device.RoleStreamer,
		Kind:  kind,
		Value: value,
		At:    time.Now(),
	})
}

func playStatus(state string) device.PlayStatus {
	switch state {
	case "play":
		return device.PlayStatusPlay
	case "pause":
		return device.PlayStatusPause
	case "stop":
		return device.PlayStatusStop
	default:
		return device.PlayStatusNotReady
	}
}

func onOff(flag string) string {
	if flag == "1" {
		return "all"
	}
	return "off"
}

// formatFromStatus decodes MPD's "audio" field, e.g. "44100:16:2".
func formatFromStatus(status mpd.Attrs) device.MediaFormat {
	format := device.MediaFormat{}

	if bitrate, err := strconv.Atoi(status["bitrate"]); err == nil {
		format.BitRate = bitrate * 1000
	}

	parts := strings.Split(status["audio"], ":")
	if len(parts) == 3 {
		if rate, err := strconv.Atoi(parts[0]); err == nil {
			format.SampleRate = rate
		}
		if depth, err := strconv.Atoi(parts[1]); err == nil {
			format.BitDepth = depth
		}
		if channels, err := strconv.Atoi(parts[2]); err == nil {
			format.ChannelsCount = channels
		}
	}
	return format
}
