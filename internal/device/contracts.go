package device

import "context"

// Adapter is the lifecycle shared by every capability contract. Start begins
// the adapter's event delivery (UPnP eventing registration, push-channel
// connection); it returns once delivery is underway. Shutdown cancels
// in-flight network operations, unsubscribes from device eventing, and
// releases any callback endpoint.
type Adapter interface {
	Reference() Reference
	Start(ctx context.Context) error
	Shutdown()
}

// Streamer is the capability contract for the playback device. Exactly one
// concrete implementation is active per running instance, selected at startup
// by configuration. Action methods are synchronous request/response against
// the device and fail with ErrDeviceUnreachable or ErrDeviceRejected.
type Streamer interface {
	Adapter

	Play(ctx context.Context) error
	Pause(ctx context.Context) error
	TogglePlayback(ctx context.Context) error
	Stop(ctx context.Context) error
	Next(ctx context.Context) error
	Previous(ctx context.Context) error

	// Seek moves the playhead to the given number of seconds into the
	// active track.
	Seek(ctx context.Context, seconds int) error

	SetRepeat(ctx context.Context, state string) error
	SetShuffle(ctx context.Context, state string) error

	// SelectSource switches the streamer's active audio input.
	SelectSource(ctx context.Context, sourceID string) error

	PowerOn(ctx context.Context) error
	PowerOff(ctx context.Context) error
	PowerToggle(ctx context.Context) error

	// PlayPreset recalls one of the streamer's stored presets.
	PlayPreset(ctx context.Context, presetID int) error

	// TransportPosition reports the current playhead, in seconds.
	TransportPosition(ctx context.Context) (int, error)

	TransportState() TransportState
	CurrentlyPlaying() CurrentlyPlaying
	State() StreamerState
}

// MediaServer is the capability contract for the local media library.
type MediaServer interface {
	Adapter

	// Browse lists the direct children of a container.
	Browse(ctx context.Context, parentID string) ([]MediaItem, error)

	// Metadata fetches the full metadata of a single item.
	Metadata(ctx context.Context, id string) (MediaItem, error)

	State() MediaServerState
}

// Amplifier is the capability contract for an external amplifier.
type Amplifier interface {
	Adapter

	PowerOn(ctx context.Context) error
	PowerOff(ctx context.Context) error
	PowerToggle(ctx context.Context) error

	// SetVolume sets the normalized volume, 0.0 through 1.0.
	SetVolume(ctx context.Context, volume float64) error
	VolumeUp(ctx context.Context) error
	VolumeDown(ctx context.Context) error

	SetMute(ctx context.Context, muted bool) error
	MuteToggle(ctx context.Context) error

	State() AmplifierState
}
