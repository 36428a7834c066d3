package locator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alexballas/go-ssdp"

	"github.com/vibinhq/vibin/internal/device"
)

const descriptionTemplate = `<?xml version="1.0"?>
<root xmlns="urn:schemas-upnp-org:device-1-0">
  <device>
    <deviceType>urn:schemas-upnp-org:device:%s:1</deviceType>
    <friendlyName>%s</friendlyName>
    <manufacturer>Test</manufacturer>
    <modelName>TestBox</modelName>
    <UDN>uuid:%s</UDN>
    <serviceList>
      <service>
        <serviceType>urn:schemas-upnp-org:service:ContentDirectory:1</serviceType>
        <serviceId>urn:upnp-org:serviceId:ContentDirectory</serviceId>
        <controlURL>/control</controlURL>
        <eventSubURL>/events</eventSubURL>
      </service>
    </serviceList>
  </device>
</root>`

// descriptionServer serves description documents for a set of fake devices,
// one per path.
func descriptionServer(t *testing.T, devices map[string][2]string) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	for devicePath, info := range devices {
		deviceType, name := info[0], info[1]
		mux.HandleFunc(devicePath, func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprintf(w, descriptionTemplate, deviceType, name, name)
		})
	}

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func searchReturning(locations ...string) searchFunc {
	return func(searchType string, waitSec int, localAddr string) ([]ssdp.Service, error) {
		services := make([]ssdp.Service, len(locations))
		for i, loc := range locations {
			services[i] = ssdp.Service{Location: loc}
		}
		return services, nil
	}
}

func TestResolveByFriendlyName(t *testing.T) {
	server := descriptionServer(t, map[string][2]string{
		"/server.xml":   {"MediaServer", "Asset UPnP"},
		"/renderer.xml": {"MediaRenderer", "Living Room"},
	})

	l := New(WithSearchFunc(searchReturning(server.URL+"/server.xml", server.URL+"/renderer.xml")))

	ref, err := l.Resolve(context.Background(), device.RoleMediaServer, "asset upnp", time.Second)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if ref.FriendlyName != "Asset UPnP" {
		t.Errorf("resolved %q, want Asset UPnP", ref.FriendlyName)
	}
	if ref.Role != device.RoleMediaServer {
		t.Errorf("role not stamped: %s", ref.Role)
	}
	if ref.Key != "asset upnp" {
		t.Errorf("key not stamped: %q", ref.Key)
	}
}

func TestResolveFriendlyNameAmbiguous(t *testing.T) {
	server := descriptionServer(t, map[string][2]string{
		"/one.xml": {"MediaRenderer", "Duplicate"},
		"/two.xml": {"MediaRenderer", "Duplicate"},
	})

	l := New(WithSearchFunc(searchReturning(server.URL+"/one.xml", server.URL+"/two.xml")))

	_, err := l.Resolve(context.Background(), device.RoleMediaServer, "Duplicate", time.Second)
	if !errors.Is(err, device.ErrAmbiguousDevice) {
		t.Fatalf("expected AmbiguousDevice, got %v", err)
	}

	var ambiguous *device.AmbiguousError
	if !errors.As(err, &ambiguous) {
		t.Fatal("error does not carry candidate details")
	}
	if len(ambiguous.Candidates) != 2 {
		t.Errorf("expected 2 candidates, got %d", len(ambiguous.Candidates))
	}
}

func TestResolveExactHostnameNeverAmbiguous(t *testing.T) {
	// Two devices share a friendly name, but hostname matching short-circuits
	// before the friendly-name path can declare ambiguity.
	server := descriptionServer(t, map[string][2]string{
		"/one.xml": {"MediaServer", "Duplicate"},
		"/two.xml": {"MediaServer", "Duplicate"},
	})

	l := New(WithSearchFunc(searchReturning(server.URL+"/one.xml", server.URL+"/two.xml")))

	_, err := l.Resolve(context.Background(), device.RoleMediaServer, "127.0.0.1", time.Second)
	if err != nil {
		t.Fatalf("hostname resolution must not be ambiguous: %v", err)
	}
}

func TestResolveNotFound(t *testing.T) {
	l := New(WithSearchFunc(searchReturning()))

	_, err := l.Resolve(context.Background(), device.RoleMediaServer, "nothing here", time.Second)
	if !errors.Is(err, device.ErrDeviceNotFound) {
		t.Fatalf("expected DeviceNotFound, got %v", err)
	}
}

func TestResolveEmptyIdentifierPicksSoleDeviceOfType(t *testing.T) {
	server := descriptionServer(t, map[string][2]string{
		"/server.xml":   {"MediaServer", "Asset UPnP"},
		"/renderer.xml": {"MediaRenderer", "Living Room"},
	})

	l := New(WithSearchFunc(searchReturning(server.URL+"/server.xml", server.URL+"/renderer.xml")))

	ref, err := l.Resolve(context.Background(), device.RoleMediaServer, "", time.Second)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if ref.FriendlyName != "Asset UPnP" {
		t.Errorf("resolved %q, want the sole MediaServer", ref.FriendlyName)
	}
}

func TestResolveEmptyIdentifierNoDevices(t *testing.T) {
	l := New(WithSearchFunc(searchReturning()))

	_, err := l.Resolve(context.Background(), device.RoleMediaServer, "", time.Second)
	if !errors.Is(err, device.ErrDeviceNotFound) {
		t.Fatalf("expected DeviceNotFound, got %v", err)
	}
}

func TestDiscoverHonorsTimeoutAndCaches(t *testing.T) {
	server := descriptionServer(t, map[string][2]string{
		"/one.xml": {"MediaServer", "Asset UPnP"},
	})

	var calls, gotWait int
	l := New(WithSearchFunc(func(searchType string, waitSec int, localAddr string) ([]ssdp.Service, error) {
		calls++
		gotWait = waitSec
		return []ssdp.Service{{Location: server.URL + "/one.xml"}}, nil
	}))

	if _, err := l.Discover(context.Background(), 3*time.Second); err != nil {
		t.Fatalf("discover: %v", err)
	}
	if gotWait != 3 {
		t.Errorf("search wait = %d, want 3", gotWait)
	}

	if _, err := l.Discover(context.Background(), 3*time.Second); err != nil {
		t.Fatalf("second discover: %v", err)
	}
	if calls != 1 {
		t.Errorf("search called %d times, want cached result after the first", calls)
	}
}

func TestDiscoverSkipsGarbledDescriptions(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/good.xml", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, descriptionTemplate, "MediaServer", "Asset UPnP", "Asset UPnP")
	})
	mux.HandleFunc("/bad.xml", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "this is not xml <<<")
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	l := New(WithSearchFunc(searchReturning(server.URL+"/bad.xml", server.URL+"/good.xml")))

	refs, err := l.Discover(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(refs) != 1 {
		t.Fatalf("expected the garbled device to be skipped, got %d refs", len(refs))
	}
	if refs[0].FriendlyName != "Asset UPnP" {
		t.Errorf("unexpected survivor %q", refs[0].FriendlyName)
	}
}
