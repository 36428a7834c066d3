// Package upnp provides the vendor-neutral UPnP plumbing the device adapters
// share: description-document retrieval, SOAP action invocation, and
// GENA-style event subscriptions with lease renewal.
package upnp

import (
	"context"
	"encoding/xml"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/vibinhq/vibin/internal/device"
)

// descriptionDoc is the subset of a UPnP device description document the hub
// cares about.
type descriptionDoc struct {
	URLBase string `xml:"URLBase"`
	Device  struct {
		DeviceType   string       `xml:"deviceType"`
		FriendlyName string       `xml:"friendlyName"`
		Manufacturer string       `xml:"manufacturer"`
		ModelName    string       `xml:"modelName"`
		UDN          string       `xml:"UDN"`
		Services     []serviceDoc `xml:"serviceList>service"`
	} `xml:"device"`
}

type serviceDoc struct {
	ServiceType string `xml:"serviceType"`
	ServiceID   string `xml:"serviceId"`
	ControlURL  string `xml:"controlURL"`
	EventSubURL string `xml:"eventSubURL"`
}

func (d descriptionDoc) baseURL(location string) string {
	if strings.TrimSpace(d.URLBase) != "" {
		return strings.TrimRight(d.URLBase, "/")
	}
	u, err := url.Parse(location)
	if err != nil {
		return location
	}
	return fmt.Sprintf("%s://%s", u.Scheme, u.Host)
}

// FetchDescription retrieves and parses a device description document,
// returning an unresolved Reference (role and key are filled in by the
// locator).
func FetchDescription(ctx context.Context, client *http.Client, location string) (device.Reference, error) {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	if err != nil {
		return device.Reference{}, fmt.Errorf("description request for %s: %w", location, err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return device.Reference{}, fmt.Errorf("fetch description %s: %w", location, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return device.Reference{}, fmt.Errorf("fetch description %s: %s", location, resp.Status)
	}

	var doc descriptionDoc
	if err := xml.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return device.Reference{}, fmt.Errorf("parse description %s: %w", location, err)
	}

	base := doc.baseURL(location)

	ref := device.Reference{
		FriendlyName: doc.Device.FriendlyName,
		Manufacturer: doc.Device.Manufacturer,
		ModelName:    doc.Device.ModelName,
		UDN:          strings.TrimPrefix(doc.Device.UDN, "uuid:"),
		DeviceType:   doc.Device.DeviceType,
		Location:     location,
		BaseURL:      base,
	}

	if u, err := url.Parse(location); err == nil {
		ref.Hostname = u.Hostname()
	}

	for _, svc := range doc.Device.Services {
		ref.Services = append(ref.Services, device.ServiceEndpoint{
			ServiceType: svc.ServiceType,
			ServiceID:   svc.ServiceID,
			ControlURL:  resolveURL(base, svc.ControlURL),
			EventSubURL: resolveURL(base, svc.EventSubURL),
		})
	}

	return ref, nil
}

// resolveURL joins a possibly-relative service URL against the device base.
func resolveURL(baseURL, ref string) string {
	if ref == "" {
		return ""
	}
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return ref
	}
	base, err := url.Parse(baseURL)
	if err != nil {
		return baseURL + ref
	}
	rel, err := url.Parse(ref)
	if err != nil {
		base.Path = path.Join(base.Path, ref)
		return base.String()
	}
	return base.ResolveReference(rel).String()
}
