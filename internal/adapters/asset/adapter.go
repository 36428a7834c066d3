// Package asset implements the media-server contract for dBpoweramp Asset
// UPnP servers (and anything else exposing a standard ContentDirectory).
// Browsing is synchronous SOAP; Asset pushes no useful events, so the adapter
// has no push channel.
package asset

import (
	"context"
	"encoding/xml"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/vibinhq/vibin/internal/device"
	"github.com/vibinhq/vibin/internal/upnp"
)

const browsePageSize = 500

// Adapter drives one ContentDirectory media server.
type Adapter struct {
	ref    device.Reference
	update device.UpdateFunc
	soap   *upnp.SOAPClient

	mu    sync.RWMutex
	state device.MediaServerState
}

// New creates a media-server adapter for a resolved reference. It fails when
// the device does not advertise a ContentDirectory service.
func New(ref device.Reference, update device.UpdateFunc, httpClient *http.Client) (*Adapter, error) {
	endpoint, ok := ref.Service("ContentDirectory")
	if !ok {
		return nil, fmt.Errorf("%s advertises no ContentDirectory service: %w",
			ref.FriendlyName, device.ErrDeviceNotFound)
	}

	return &Adapter{
		ref:    ref,
		update: update,
		soap:   upnp.NewSOAPClient(httpClient, device.RoleMediaServer, endpoint),
		state: device.MediaServerState{
			Name: ref.FriendlyName,
		},
	}, nil
}

// Reference returns the resolved device this adapter drives.
func (a *Adapter) Reference() device.Reference { return a.ref }

// Start probes the server with a root browse so reachability is known before
// the system reports ready.
func (a *Adapter) Start(ctx context.Context) error {
	_, err := a.Browse(ctx, "0")
	a.setReachable(err == nil)
	if err != nil {
		log.Warn().Err(err).
			Str("device", a.ref.FriendlyName).
			Msg("Media server root browse failed")
	}
	return err
}

// Shutdown has nothing to release; browsing holds no connection.
func (a *Adapter) Shutdown() {}

// Browse lists the direct children of a container, paging through the full
// result set.
func (a *Adapter) Browse(ctx context.Context, parentID string) ([]device.MediaItem, error) {
	var items []device.MediaItem
	start := 0

	for {
		page, total, err := a.browsePage(ctx, parentID, "BrowseDirectChildren", start)
		if err != nil {
			a.setReachable(false)
			return nil, err
		}
		a.setReachable(true)

		items = append(items, page...)
		start += len(page)
		if start >= total || len(page) == 0 {
			return items, nil
		}
	}
}

// Metadata fetches the full metadata of one item.
func (a *Adapter) Metadata(ctx context.Context, id string) (device.MediaItem, error) {
	items, _, err := a.browsePage(ctx, id, "BrowseMetadata", 0)
	if err != nil {
		a.setReachable(false)
		return device.MediaItem{}, err
	}
	a.setReachable(true)

	if len(items) == 0 {
		return device.MediaItem{}, fmt.Errorf("item %q: %w", id, device.ErrDeviceNotFound)
	}
	return items[0], nil
}

// State reports the media server's system-level state.
func (a *Adapter) State() device.MediaServerState {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

func (a *Adapter) browsePage(ctx context.Context, objectID, flag string, start int) ([]device.MediaItem, int, error) {
	body, err := a.soap.Call(ctx, "Browse", map[string]string{
		"ObjectID":       objectID,
		"BrowseFlag":     flag,
		"Filter":         "*",
		"StartingIndex":  fmt.Sprintf("%d", start),
		"RequestedCount": fmt.Sprintf("%d", browsePageSize),
		"SortCriteria":   "",
	})
	if err != nil {
		return nil, 0, err
	}

	var response browseResponse
	if err := xml.Unmarshal(body, &response); err != nil {
		return nil, 0, fmt.Errorf("browse %q: %w: %v", objectID, device.ErrMalformedEvent, err)
	}

	items, err := parseDIDL(response.Result)
	if err != nil {
		return nil, 0, fmt.Errorf("browse %q: %w", objectID, err)
	}
	return items, response.TotalMatches, nil
}

func (a *Adapter) setReachable(reachable bool) {
	a.mu.Lock()
	changed := a.state.Reachable != reachable
	a.state.Reachable = reachable
	state := a.state
	a.mu.Unlock()

	if changed {
		a.update(device.ChangeRecord{
			Role:  device.RoleMediaServer,
			Kind:  device.KindSystem,
			Value: device.SystemState{MediaServer: &state},
			At:    time.Now(),
		})
	}
}

type browseResponse struct {
	Result       string `xml:"Body>BrowseResponse>Result"`
	TotalMatches int    `xml:"Body>BrowseResponse>TotalMatches"`
}
