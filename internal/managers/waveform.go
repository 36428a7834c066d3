package managers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"resty.dev/v3"

	"github.com/vibinhq/vibin/internal/store"
)

// waveformTool is the external peaks generator. Absence of the binary
// disables waveform rendering; everything else keeps working.
const waveformTool = "audiowaveform"

const waveformPixelsPerSecond = 1

// Waveforms renders and caches amplitude waveforms for tracks, keyed by
// media id. Rendering downloads the track's audio resource to a temporary
// file and shells out to audiowaveform.
type Waveforms struct {
	store *store.Store
	http  *resty.Client
}

// NewWaveforms creates the waveform manager.
func NewWaveforms(st *store.Store) *Waveforms {
	return &Waveforms{
		store: st,
		http:  resty.New().SetTimeout(2 * time.Minute),
	}
}

// Enabled reports whether the rendering tool is installed.
func (w *Waveforms) Enabled() bool {
	_, err := exec.LookPath(waveformTool)
	return err == nil
}

// For returns the waveform JSON for a track, rendering it on a cache miss.
// mediaURL must point at the raw audio resource.
func (w *Waveforms) For(ctx context.Context, mediaID, mediaURL string) (json.RawMessage, error) {
	if rec, err := w.store.Get(store.CollectionWaveformCache, mediaID); err == nil {
		return rec.Value, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	waveform, err := w.render(ctx, mediaURL)
	if err != nil {
		return nil, err
	}

	if err := w.store.Put(store.CollectionWaveformCache, mediaID, waveform); err != nil {
		// The render succeeded; a cache write failure should not hide it.
		log.Warn().Err(err).Str("media_id", mediaID).Msg("Could not cache waveform")
	}
	return waveform, nil
}

// Invalidate drops a cached waveform.
func (w *Waveforms) Invalidate(mediaID string) error {
	return w.store.Delete(store.CollectionWaveformCache, mediaID)
}

func (w *Waveforms) render(ctx context.Context, mediaURL string) (json.RawMessage, error) {
	tool, err := exec.LookPath(waveformTool)
	if err != nil {
		return nil, fmt.Errorf("waveform rendering unavailable: %w", err)
	}

	format := audioFormat(mediaURL)
	audioPath, err := w.download(ctx, mediaURL, format)
	if err != nil {
		return nil, err
	}
	defer os.Remove(audioPath)

	cmd := exec.CommandContext(ctx, tool,
		"--input-filename", audioPath,
		"--input-format", format,
		"--output-format", "json",
		"--pixels-per-second", strconv.Itoa(waveformPixelsPerSecond),
	)
	out, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, fmt.Errorf("%s: %s", waveformTool, string(exitErr.Stderr))
		}
		return nil, fmt.Errorf("%s: %w", waveformTool, err)
	}

	if !json.Valid(out) {
		return nil, fmt.Errorf("%s produced invalid JSON", waveformTool)
	}
	return json.RawMessage(out), nil
}

func (w *Waveforms) download(ctx context.Context, mediaURL, format string) (string, error) {
	res, err := w.http.R().SetContext(ctx).Get(mediaURL)
	if err != nil {
		return "", fmt.Errorf("download audio: %w", err)
	}
	if res.IsError() {
		return "", fmt.Errorf("download audio: %s", res.Status())
	}

	file, err := os.CreateTemp("", "waveform-*."+format)
	if err != nil {
		return "", fmt.Errorf("stage audio: %w", err)
	}
	defer file.Close()

	if _, err := file.Write(res.Bytes()); err != nil {
		os.Remove(file.Name())
		return "", fmt.Errorf("stage audio: %w", err)
	}
	return file.Name(), nil
}

// audioFormat guesses the source format from the resource URL; audiowaveform
// needs it stated explicitly.
func audioFormat(mediaURL string) string {
	ext := strings.TrimPrefix(strings.ToLower(path.Ext(mediaURL)), ".")
	switch ext {
	case "flac", "wav", "mp3", "ogg", "opus":
		return ext
	default:
		return "flac"
	}
}
