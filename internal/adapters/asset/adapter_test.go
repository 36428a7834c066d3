package asset

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/vibinhq/vibin/internal/device"
)

// fakeContentDirectory answers SOAP Browse calls with pages drawn from a
// fixed set of tracks, so paging behavior can be exercised end to end.
type fakeContentDirectory struct {
	tracks   int
	pageSize int
	calls    int
}

func (f *fakeContentDirectory) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.calls++

	body, _ := io.ReadAll(r.Body)
	start := 0
	fmt.Sscanf(between(string(body), "<StartingIndex>", "</StartingIndex>"), "%d", &start)

	var didl strings.Builder
	didl.WriteString(`<DIDL-Lite xmlns="urn:schemas-upnp-org:metadata-1-0/DIDL-Lite/" xmlns:dc="http://purl.org/dc/elements/1.1/">`)
	for i := start; i < f.tracks && i < start+f.pageSize; i++ {
		fmt.Fprintf(&didl, `<item id="track-%d" parentID="album-1"><dc:title>Track %d</dc:title></item>`, i, i)
	}
	didl.WriteString(`</DIDL-Lite>`)

	escaped := &strings.Builder{}
	xml.EscapeText(escaped, []byte(didl.String()))

	fmt.Fprintf(w, `<?xml version="1.0"?>
<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/">
  <s:Body>
    <u:BrowseResponse xmlns:u="urn:schemas-upnp-org:service:ContentDirectory:1">
      <Result>%s</Result>
      <NumberReturned>%d</NumberReturned>
      <TotalMatches>%d</TotalMatches>
    </u:BrowseResponse>
  </s:Body>
</s:Envelope>`, escaped.String(), f.pageSize, f.tracks)
}

func between(s, open, close string) string {
	_, after, ok := strings.Cut(s, open)
	if !ok {
		return ""
	}
	inner, _, _ := strings.Cut(after, close)
	return inner
}

func newTestAdapter(t *testing.T, controlURL string) (*Adapter, *[]device.ChangeRecord) {
	t.Helper()
	records := &[]device.ChangeRecord{}
	ref := device.Reference{
		FriendlyName: "Asset UPnP",
		Role:         device.RoleMediaServer,
		Services: []device.ServiceEndpoint{{
			ServiceType: "urn:schemas-upnp-org:service:ContentDirectory:1",
			ServiceID:   "urn:upnp-org:serviceId:ContentDirectory",
			ControlURL:  controlURL,
		}},
	}
	a, err := New(ref, func(rec device.ChangeRecord) { *records = append(*records, rec) }, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	return a, records
}

func TestNewRequiresContentDirectory(t *testing.T) {
	ref := device.Reference{FriendlyName: "Not a server", Role: device.RoleMediaServer}
	_, err := New(ref, func(device.ChangeRecord) {}, nil)
	if !errors.Is(err, device.ErrDeviceNotFound) {
		t.Fatalf("expected DeviceNotFound, got %v", err)
	}
}

func TestBrowsePagesThroughFullResult(t *testing.T) {
	// 1200 tracks at the server's 500-per-page cap means three round trips.
	cd := &fakeContentDirectory{tracks: 1200, pageSize: browsePageSize}
	server := httptest.NewServer(cd)
	defer server.Close()

	a, records := newTestAdapter(t, server.URL)

	items, err := a.Browse(context.Background(), "album-1")
	if err != nil {
		t.Fatalf("browse: %v", err)
	}
	if len(items) != 1200 {
		t.Errorf("items = %d, want 1200", len(items))
	}
	if cd.calls != 3 {
		t.Errorf("round trips = %d, want 3", cd.calls)
	}
	if items[0].Title != "Track 0" || items[1199].Title != "Track 1199" {
		t.Errorf("ordering lost: first %q last %q", items[0].Title, items[1199].Title)
	}

	// The successful browse flips reachability once.
	if len(*records) != 1 {
		t.Fatalf("system records = %d, want 1", len(*records))
	}
	state := (*records)[0].Value.(device.SystemState)
	if state.MediaServer == nil || !state.MediaServer.Reachable {
		t.Errorf("unexpected system record %+v", state)
	}
}

func TestBrowseServerDown(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()

	a, _ := newTestAdapter(t, server.URL)

	_, err := a.Browse(context.Background(), "0")
	if !errors.Is(err, device.ErrDeviceUnreachable) {
		t.Fatalf("expected DeviceUnreachable, got %v", err)
	}
	if a.State().Reachable {
		t.Error("adapter still reports reachable")
	}
}

func TestMetadataMissingItem(t *testing.T) {
	cd := &fakeContentDirectory{tracks: 0, pageSize: browsePageSize}
	server := httptest.NewServer(cd)
	defer server.Close()

	a, _ := newTestAdapter(t, server.URL)

	_, err := a.Metadata(context.Background(), "gone")
	if !errors.Is(err, device.ErrDeviceNotFound) {
		t.Fatalf("expected DeviceNotFound, got %v", err)
	}
}
