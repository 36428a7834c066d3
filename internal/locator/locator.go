// Package locator performs UPnP network discovery and resolves configured
// device identifiers (hostname, friendly name, or description URL) to
// concrete device references.
package locator

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/alexballas/go-ssdp"
	"github.com/rs/zerolog/log"

	"github.com/vibinhq/vibin/internal/device"
	"github.com/vibinhq/vibin/internal/upnp"
)

// deviceTypeFragment maps a role to the UPnP device type it advertises.
var deviceTypeFragment = map[device.Role]string{
	device.RoleStreamer:    "MediaRenderer",
	device.RoleMediaServer: "MediaServer",
}

// searchFunc issues one SSDP M-SEARCH and returns the responses gathered
// within waitSec seconds. Injectable for tests.
type searchFunc func(searchType string, waitSec int, localAddr string) ([]ssdp.Service, error)

// Locator discovers devices on the local network and resolves identifiers to
// device references. Discovery results are cached for the locator's lifetime;
// connectivity loss should use a fresh Locator (re-resolution).
type Locator struct {
	http   *http.Client
	search searchFunc

	mu     sync.Mutex
	cached []device.Reference
}

// Option configures a Locator.
type Option func(*Locator)

// WithHTTPClient overrides the description-document HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(l *Locator) { l.http = client }
}

// WithSearchFunc overrides the SSDP search implementation (tests).
func WithSearchFunc(fn searchFunc) Option {
	return func(l *Locator) { l.search = fn }
}

// New creates a Locator.
func New(opts ...Option) *Locator {
	l := &Locator{
		http:   &http.Client{Timeout: 5 * time.Second},
		search: ssdp.Search,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Discover performs an SSDP search and returns every device whose description
// document could be retrieved. Partial or garbled responses are logged and
// skipped. Results are cached; subsequent calls return the cache.
func (l *Locator) Discover(ctx context.Context, timeout time.Duration) ([]device.Reference, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.cached != nil {
		return l.cached, nil
	}

	waitSec := int(timeout.Seconds())
	if waitSec < 1 {
		waitSec = 1
	}

	log.Info().Int("wait_sec", waitSec).Msg("Discovering UPnP devices")

	services, err := l.search(ssdp.All, waitSec, "")
	if err != nil {
		return nil, fmt.Errorf("ssdp search: %w", err)
	}

	seen := make(map[string]bool)
	refs := make([]device.Reference, 0, len(services))

	for _, svc := range services {
		if svc.Location == "" || seen[svc.Location] {
			continue
		}
		seen[svc.Location] = true

		ref, err := upnp.FetchDescription(ctx, l.http, svc.Location)
		if err != nil {
			log.Warn().Err(err).Str("location", svc.Location).Msg("Skipping undescribable device")
			continue
		}

		log.Info().
			Str("model", ref.ModelName).
			Str("name", ref.FriendlyName).
			Str("manufacturer", ref.Manufacturer).
			Msg("Found UPnP device")

		refs = append(refs, ref)
	}

	l.cached = refs
	return refs, nil
}

// Resolve maps an identifier to a single device reference for the given role.
//
// Resolution order:
//  1. A description-document URL is fetched directly.
//  2. A hostname is matched exactly against discovered device locations
//     (for streamers, a StreamMagic endpoint probe is also tried).
//  3. The identifier is treated as a friendly name, matched
//     case-insensitively; more than one match is AmbiguousDevice.
//  4. An empty identifier selects the sole discovered device of the role's
//     device type; zero or multiple candidates fail.
func (l *Locator) Resolve(ctx context.Context, role device.Role, identifier string, timeout time.Duration) (device.Reference, error) {
	identifier = strings.TrimSpace(identifier)

	if u, err := url.Parse(identifier); err == nil && u.Scheme != "" && u.Host != "" {
		ref, err := upnp.FetchDescription(ctx, l.http, identifier)
		if err != nil {
			log.Warn().Err(err).Str("url", identifier).Msg("Description URL did not resolve")
			return device.Reference{}, &device.NotFoundError{Role: role, Identifier: identifier}
		}
		return finish(ref, role, identifier), nil
	}

	if identifier != "" {
		// Hostname probe first so an exact hostname never falls through to
		// the ambiguous friendly-name path.
		if ref, ok := l.resolveHostname(ctx, role, identifier, timeout); ok {
			return finish(ref, role, identifier), nil
		}
		return l.resolveFriendlyName(ctx, role, identifier, timeout)
	}

	return l.resolveSole(ctx, role, timeout)
}

// resolveHostname matches the identifier against discovered device hostnames.
// For streamers it first probes the StreamMagic system endpoint, which lets a
// hostname resolve without waiting for multicast discovery.
func (l *Locator) resolveHostname(ctx context.Context, role device.Role, hostname string, timeout time.Duration) (device.Reference, bool) {
	if role == device.RoleStreamer {
		if ref, ok := l.probeStreamMagic(ctx, hostname); ok {
			return ref, true
		}
	}

	refs, err := l.Discover(ctx, timeout)
	if err != nil {
		log.Warn().Err(err).Msg("Discovery failed during hostname resolution")
		return device.Reference{}, false
	}

	for _, ref := range refs {
		if strings.EqualFold(ref.Hostname, hostname) {
			return ref, true
		}
	}
	return device.Reference{}, false
}

// streamMagicSystemDoc is the shape of the StreamMagic /smoip/system/upnp
// response.
type streamMagicSystemDoc struct {
	Data struct {
		Devices []struct {
			Manufacturer   string `json:"manufacturer"`
			DescriptionURL string `json:"description_url"`
		} `json:"devices"`
	} `json:"data"`
}

// probeStreamMagic asks a host whether it is a StreamMagic device and, if so,
// follows its advertised description URL.
func (l *Locator) probeStreamMagic(ctx context.Context, hostname string) (device.Reference, bool) {
	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	doc, err := fetchStreamMagicSystem(probeCtx, l.http, hostname)
	if err != nil {
		log.Debug().Err(err).Str("host", hostname).Msg("Not a StreamMagic host")
		return device.Reference{}, false
	}

	for _, dev := range doc.Data.Devices {
		if dev.Manufacturer != "Cambridge Audio" || dev.DescriptionURL == "" {
			continue
		}
		ref, err := upnp.FetchDescription(ctx, l.http, dev.DescriptionURL)
		if err != nil {
			log.Warn().Err(err).
				Str("host", hostname).
				Str("description_url", dev.DescriptionURL).
				Msg("StreamMagic host advertised an unusable description URL")
			continue
		}
		return ref, true
	}
	return device.Reference{}, false
}

func (l *Locator) resolveFriendlyName(ctx context.Context, role device.Role, name string, timeout time.Duration) (device.Reference, error) {
	refs, err := l.Discover(ctx, timeout)
	if err != nil {
		return device.Reference{}, err
	}

	var matches []device.Reference
	for _, ref := range refs {
		if strings.EqualFold(ref.FriendlyName, name) {
			matches = append(matches, ref)
		}
	}

	switch len(matches) {
	case 0:
		return device.Reference{}, &device.NotFoundError{Role: role, Identifier: name}
	case 1:
		return finish(matches[0], role, name), nil
	default:
		names := make([]string, len(matches))
		for i, m := range matches {
			names[i] = m.FriendlyName
		}
		return device.Reference{}, &device.AmbiguousError{Role: role, Identifier: name, Candidates: names}
	}
}

// resolveSole handles the "no identifier configured" case: discover and pick
// the single device advertising the role's device type.
func (l *Locator) resolveSole(ctx context.Context, role device.Role, timeout time.Duration) (device.Reference, error) {
	refs, err := l.Discover(ctx, timeout)
	if err != nil {
		return device.Reference{}, err
	}

	fragment := deviceTypeFragment[role]

	var matches []device.Reference
	for _, ref := range refs {
		if fragment == "" || strings.Contains(ref.DeviceType, fragment) {
			matches = append(matches, ref)
		}
	}

	switch len(matches) {
	case 0:
		return device.Reference{}, &device.NotFoundError{Role: role}
	case 1:
		return finish(matches[0], role, ""), nil
	default:
		names := make([]string, len(matches))
		for i, m := range matches {
			names[i] = m.FriendlyName
		}
		return device.Reference{}, &device.AmbiguousError{Role: role, Candidates: names}
	}
}

func finish(ref device.Reference, role device.Role, key string) device.Reference {
	ref.Role = role
	ref.Key = key
	return ref
}
