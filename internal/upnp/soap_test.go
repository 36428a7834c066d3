package upnp

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/vibinhq/vibin/internal/device"
)

const avTransportType = "urn:schemas-upnp-org:service:AVTransport:1"

func TestSOAPCall(t *testing.T) {
	var gotAction, gotBody string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAction = r.Header.Get("SOAPACTION")
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		io.WriteString(w, `<?xml version="1.0"?><s:Envelope><s:Body><u:PlayResponse/></s:Body></s:Envelope>`)
	}))
	defer server.Close()

	c := NewSOAPClient(nil, device.RoleStreamer, device.ServiceEndpoint{
		ServiceType: avTransportType,
		ControlURL:  server.URL + "/control",
	})

	body, err := c.Call(context.Background(), "Play", map[string]string{
		"Speed":      "1",
		"InstanceID": "0",
	})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if !strings.Contains(string(body), "PlayResponse") {
		t.Errorf("unexpected response body %q", body)
	}
	if want := `"` + avTransportType + `#Play"`; gotAction != want {
		t.Errorf("SOAPACTION = %q, want %q", gotAction, want)
	}

	// Argument order is deterministic regardless of map iteration.
	if !strings.Contains(gotBody, "<InstanceID>0</InstanceID><Speed>1</Speed>") {
		t.Errorf("arguments not in sorted order: %s", gotBody)
	}
}

func TestSOAPCallEscapesArguments(t *testing.T) {
	var gotBody string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
	}))
	defer server.Close()

	c := NewSOAPClient(nil, device.RoleMediaServer, device.ServiceEndpoint{
		ServiceType: "urn:schemas-upnp-org:service:ContentDirectory:1",
		ControlURL:  server.URL,
	})

	if _, err := c.Call(context.Background(), "Search", map[string]string{
		"SearchCriteria": `dc:title contains "Beck & Call"`,
	}); err != nil {
		t.Fatalf("call: %v", err)
	}
	if !strings.Contains(gotBody, "Beck &amp; Call") {
		t.Errorf("ampersand not escaped: %s", gotBody)
	}
	if !strings.Contains(gotBody, "&quot;") {
		t.Errorf("quotes not escaped: %s", gotBody)
	}
}

func TestSOAPCallFault(t *testing.T) {
	const fault = `<?xml version="1.0"?>
<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/">
  <s:Body>
    <s:Fault>
      <faultcode>s:Client</faultcode>
      <faultstring>UPnPError</faultstring>
      <detail>
        <UPnPError xmlns="urn:schemas-upnp-org:control-1-0">
          <errorCode>701</errorCode>
          <errorDescription>Transition not available</errorDescription>
        </UPnPError>
      </detail>
    </s:Fault>
  </s:Body>
</s:Envelope>`

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		io.WriteString(w, fault)
	}))
	defer server.Close()

	c := NewSOAPClient(nil, device.RoleStreamer, device.ServiceEndpoint{
		ServiceType: avTransportType,
		ControlURL:  server.URL,
	})

	_, err := c.Call(context.Background(), "Next", nil)
	if !errors.Is(err, device.ErrDeviceRejected) {
		t.Fatalf("expected DeviceRejected, got %v", err)
	}

	var rejected *device.RejectedError
	if !errors.As(err, &rejected) {
		t.Fatal("fault details not attached")
	}
	if rejected.Code != "701" {
		t.Errorf("code = %q, want 701", rejected.Code)
	}
	if rejected.Detail != "Transition not available" {
		t.Errorf("detail = %q", rejected.Detail)
	}
}

func TestSOAPCallUnreachable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close() // connection refused from here on

	c := NewSOAPClient(nil, device.RoleStreamer, device.ServiceEndpoint{
		ServiceType: avTransportType,
		ControlURL:  server.URL,
	})

	_, err := c.Call(context.Background(), "Play", nil)
	if !errors.Is(err, device.ErrDeviceUnreachable) {
		t.Fatalf("expected DeviceUnreachable, got %v", err)
	}
}
