// Package streammagic implements the streamer contract for Cambridge Audio
// StreamMagic devices. Transport and playback actions go over the device's
// SMOIP HTTP API; state flows in over two paths: a persistent SMOIP WebSocket
// for typed updates, and UPnP eventing for the vendor property bags.
package streammagic

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"resty.dev/v3"

	"github.com/vibinhq/vibin/internal/device"
	"github.com/vibinhq/vibin/internal/upnp"
)

// Services this adapter subscribes to for UPnP eventing, keyed by the short
// name used in the callback path.
var eventedServices = map[string]string{
	"AVTransport":       "AVTransport",
	"PlaylistExtension": "PlaylistExtension",
	"UuVolControl":      "UuVolControl",
}

// Adapter drives one StreamMagic streamer.
type Adapter struct {
	ref    device.Reference
	update device.UpdateFunc

	rest      *resty.Client
	apiBase   string
	smoip     *smoipClient
	subs      *upnp.Subscriber
	callbacks *upnp.CallbackServer

	mu        sync.RWMutex
	state     device.StreamerState
	transport device.TransportState
	playing   device.CurrentlyPlaying

	cancel context.CancelFunc
}

// New creates a StreamMagic adapter for a resolved streamer reference.
// Updates are delivered through update; callbacks hosts the UPnP NOTIFY
// endpoint shared across adapters.
func New(ref device.Reference, update device.UpdateFunc, callbacks *upnp.CallbackServer) *Adapter {
	apiBase := "http://" + ref.Hostname

	a := &Adapter{
		ref:     ref,
		update:  update,
		apiBase: apiBase,
		rest: resty.New().
			SetBaseURL(apiBase).
			SetTimeout(10 * time.Second),
		callbacks: callbacks,
		state: device.StreamerState{
			Name: ref.FriendlyName,
		},
	}
	a.smoip = newSMOIPClient("ws://"+ref.Hostname+"/smoip", a.handleSMOIP, a.setReachable)
	return a
}

// Reference returns the resolved device this adapter drives.
func (a *Adapter) Reference() device.Reference { return a.ref }

// Start connects the SMOIP push channel and establishes the UPnP event
// subscriptions. It returns once the push channel's first connection attempt
// has been made; reconnection is handled internally from then on.
func (a *Adapter) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	callbackBase := a.callbacks.Register(string(device.RoleStreamer), a.handleNotify)
	a.subs = upnp.NewSubscriber(nil, device.RoleStreamer, a.ref.FriendlyName, callbackBase, a.onSubscriptionLost)

	for name, fragment := range eventedServices {
		endpoint, ok := a.ref.Service(fragment)
		if !ok {
			log.Debug().
				Str("device", a.ref.FriendlyName).
				Str("service", name).
				Msg("Device does not advertise service; skipping subscription")
			continue
		}
		if err := a.subs.Subscribe(ctx, name, endpoint); err != nil {
			return fmt.Errorf("subscribe %s on %s: %w", name, a.ref.FriendlyName, err)
		}
	}

	a.smoip.run(ctx)
	return nil
}

// Shutdown tears down the push channel and the event subscriptions.
func (a *Adapter) Shutdown() {
	if a.cancel != nil {
		a.cancel()
	}
	if a.subs != nil {
		a.subs.Shutdown()
	}
	a.callbacks.Unregister(string(device.RoleStreamer))
}

// Play resumes or starts playback.
func (a *Adapter) Play(ctx context.Context) error {
	return a.playControl(ctx, map[string]string{"action": "play"})
}

// Pause pauses playback.
func (a *Adapter) Pause(ctx context.Context) error {
	return a.playControl(ctx, map[string]string{"action": "pause"})
}

// TogglePlayback flips between play and pause.
func (a *Adapter) TogglePlayback(ctx context.Context) error {
	return a.playControl(ctx, map[string]string{"action": "toggle"})
}

// Stop halts playback.
func (a *Adapter) Stop(ctx context.Context) error {
	return a.playControl(ctx, map[string]string{"action": "stop"})
}

// Next skips to the next playlist entry.
func (a *Adapter) Next(ctx context.Context) error {
	return a.playControl(ctx, map[string]string{"skip_track": "1"})
}

// Previous returns to the previous playlist entry.
func (a *Adapter) Previous(ctx context.Context) error {
	return a.playControl(ctx, map[string]string{"skip_track": "-1"})
}

// Seek moves the playhead to the given offset into the active track.
func (a *Adapter) Seek(ctx context.Context, seconds int) error {
	return a.playControl(ctx, map[string]string{"position": strconv.Itoa(seconds)})
}

// SetRepeat sets the repeat mode ("all" or "off").
func (a *Adapter) SetRepeat(ctx context.Context, state string) error {
	return a.playControl(ctx, map[string]string{"mode_repeat": state})
}

// SetShuffle sets the shuffle mode ("all" or "off").
func (a *Adapter) SetShuffle(ctx context.Context, state string) error {
	return a.playControl(ctx, map[string]string{"mode_shuffle": state})
}

// SelectSource switches the active audio input.
func (a *Adapter) SelectSource(ctx context.Context, sourceID string) error {
	return a.smoipGet(ctx, "/smoip/zone/state", map[string]string{"source": sourceID})
}

// PowerOn wakes the streamer from network standby.
func (a *Adapter) PowerOn(ctx context.Context) error {
	return a.smoipGet(ctx, "/smoip/system/power", map[string]string{"power": "ON"})
}

// PowerOff puts the streamer into network standby.
func (a *Adapter) PowerOff(ctx context.Context) error {
	return a.smoipGet(ctx, "/smoip/system/power", map[string]string{"power": "NETWORK"})
}

// PowerToggle flips the power state.
func (a *Adapter) PowerToggle(ctx context.Context) error {
	return a.smoipGet(ctx, "/smoip/system/power", map[string]string{"power": "toggle"})
}

// PlayPreset recalls one of the device's preset slots.
func (a *Adapter) PlayPreset(ctx context.Context, presetID int) error {
	return a.smoipGet(ctx, "/smoip/zone/recall_preset", map[string]string{"preset": strconv.Itoa(presetID)})
}

// TransportPosition asks the device for the current playhead, in seconds.
func (a *Adapter) TransportPosition(ctx context.Context) (int, error) {
	res, err := a.rest.R().
		SetContext(ctx).
		SetResult(&smoipResponse{}).
		Get("/smoip/zone/play_state/position")
	if err != nil {
		return 0, fmt.Errorf("%s position: %w: %v", a.ref.FriendlyName, device.ErrDeviceUnreachable, err)
	}
	if res.IsError() {
		return 0, a.rejected("play_state/position", res.StatusCode())
	}

	body, ok := res.Result().(*smoipResponse)
	if !ok || body.Data == nil {
		return 0, fmt.Errorf("%s position: %w: empty response", a.ref.FriendlyName, device.ErrMalformedEvent)
	}

	var payload struct {
		Position int `json:"position"`
	}
	if err := body.decodeData(&payload); err != nil {
		return 0, fmt.Errorf("%s position: %w", a.ref.FriendlyName, err)
	}
	return payload.Position, nil
}

// TransportState reports the last known transport state.
func (a *Adapter) TransportState() device.TransportState {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.transport
}

// CurrentlyPlaying reports the last known now-playing details.
func (a *Adapter) CurrentlyPlaying() device.CurrentlyPlaying {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.playing
}

// State reports the streamer's system-level state.
func (a *Adapter) State() device.StreamerState {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

func (a *Adapter) playControl(ctx context.Context, params map[string]string) error {
	return a.smoipGet(ctx, "/smoip/zone/play_control", params)
}

// smoipGet issues one SMOIP API call. The API reports failures both as HTTP
// errors and as non-200 "result" fields inside a 200 response.
func (a *Adapter) smoipGet(ctx context.Context, path string, params map[string]string) error {
	res, err := a.rest.R().
		SetContext(ctx).
		SetQueryParams(params).
		SetResult(&smoipResponse{}).
		Get(path)
	if err != nil {
		return fmt.Errorf("%s %s: %w: %v", a.ref.FriendlyName, path, device.ErrDeviceUnreachable, err)
	}
	if res.IsError() {
		return a.rejected(path, res.StatusCode())
	}

	if body, ok := res.Result().(*smoipResponse); ok && body.Result != 0 && body.Result != http.StatusOK {
		return &device.RejectedError{
			Role:   device.RoleStreamer,
			Action: path,
			Code:   strconv.Itoa(body.Result),
			Detail: body.Message,
		}
	}
	return nil
}

func (a *Adapter) rejected(action string, status int) error {
	return &device.RejectedError{
		Role:   device.RoleStreamer,
		Action: action,
		Code:   strconv.Itoa(status),
		Detail: http.StatusText(status),
	}
}

func (a *Adapter) onSubscriptionLost(serviceName string, err error) {
	log.Error().Err(err).
		Str("device", a.ref.FriendlyName).
		Str("service", serviceName).
		Msg("Lost UPnP eventing; marking streamer unreachable")
	a.setReachable(false)
}

// setReachable records connectivity and emits a System record when it flips.
func (a *Adapter) setReachable(reachable bool) {
	a.mu.Lock()
	changed := a.state.Reachable != reachable
	a.state.Reachable = reachable
	state := a.state
	a.mu.Unlock()

	if changed {
		a.emitSystem(state)
	}
}

func (a *Adapter) emitSystem(state device.StreamerState) {
	a.update(device.ChangeRecord{
		Role: device.RoleStreamer,
		Kind: device.KindSystem,
		Value: device.SystemState{
			Streamer: &state,
		},
		At: time.Now(),
	})
}

func (a *Adapter) emit(kind device.ChangeKind, value any) {
	a.update(device.ChangeRecord{
		Role:  device.RoleStreamer,
		Kind:  kind,
		Value: value,
		At:    time.Now(),
	})
}
