package upnp

import (
	"context"
	"encoding/xml"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/vibinhq/vibin/internal/device"
)

const (
	// renewShare is the fraction of the granted lease after which a renewal
	// is attempted. A 300s lease renews at 240s.
	renewShare = 0.8

	// requestedLeaseSeconds is the lease length asked of the device.
	requestedLeaseSeconds = 300

	// resubscribeRetryDelay paces re-subscribe attempts after a failed
	// renewal, bounded by the remaining lease.
	resubscribeRetryDelay = 10 * time.Second
)

// RenewalDelay returns how long after a grant the renewal fires.
func RenewalDelay(lease time.Duration) time.Duration {
	return time.Duration(float64(lease) * renewShare)
}

// NotifyHandler receives the parsed property bag of one NOTIFY delivery.
type NotifyHandler func(serviceName string, properties map[string]string)

// Subscriber manages GENA event subscriptions for one device: it registers a
// callback URL per service, renews each lease before expiry, and
// re-subscribes from scratch when a renewal fails or the device restarts
// (detected via a changed subscription identifier on delivery).
type Subscriber struct {
	http         *http.Client
	role         device.Role
	deviceName   string
	callbackBase string // e.g. http://192.168.1.10:8089/upnpevents/streamer

	mu     sync.Mutex
	subs   map[string]*subscription // keyed by short service name
	closed bool

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	// onDegraded is invoked when re-subscribe retries exhaust a lease; the
	// adapter uses it to flag the device as unreachable.
	onDegraded func(serviceName string, err error)
}

type subscription struct {
	name     string
	endpoint device.ServiceEndpoint
	sid      string
	lease    time.Duration
	renew    *time.Timer
}

// NewSubscriber creates a subscription manager for a device. callbackBase is
// the externally-reachable URL prefix where NOTIFY requests for this device
// arrive; the short service name is appended per subscription.
func NewSubscriber(httpClient *http.Client, role device.Role, deviceName, callbackBase string, onDegraded func(string, error)) *Subscriber {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Subscriber{
		http:         httpClient,
		role:         role,
		deviceName:   deviceName,
		callbackBase: strings.TrimRight(callbackBase, "/"),
		subs:         make(map[string]*subscription),
		ctx:          ctx,
		cancel:       cancel,
		onDegraded:   onDegraded,
	}
}

// Subscribe registers for eventing on one service and starts its renewal
// cycle. name is the short service name used in the callback path.
func (s *Subscriber) Subscribe(ctx context.Context, name string, endpoint device.ServiceEndpoint) error {
	sid, lease, err := s.subscribeRequest(ctx, name, endpoint)
	if err != nil {
		return err
	}

	sub := &subscription{name: name, endpoint: endpoint, sid: sid, lease: lease}

	s.mu.Lock()
	s.subs[name] = sub
	s.mu.Unlock()

	log.Info().
		Str("device", s.deviceName).
		Str("service", name).
		Str("sid", sid).
		Dur("lease", lease).
		Msg("UPnP event subscription established")

	s.scheduleRenewal(sub)
	return nil
}

// SID returns the current subscription identifier for a service, if any.
func (s *Subscriber) SID(name string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[name]
	if !ok {
		return "", false
	}
	return sub.sid, true
}

// CheckDelivery validates the SID attached to an inbound NOTIFY. A mismatch
// means the device restarted and granted new identifiers; the stale
// subscription is replaced from scratch.
func (s *Subscriber) CheckDelivery(name, sid string) error {
	s.mu.Lock()
	sub, ok := s.subs[name]
	current := ""
	if ok {
		current = sub.sid
	}
	s.mu.Unlock()

	if !ok || sid == current {
		return nil
	}

	log.Warn().
		Str("device", s.deviceName).
		Str("service", name).
		Str("expected_sid", current).
		Str("got_sid", sid).
		Msg("Subscription identifier changed; re-subscribing")

	go s.resubscribe(sub)
	return fmt.Errorf("notify for %s: %w", name, device.ErrSubscriptionExpired)
}

// Shutdown cancels renewal timers and best-effort unsubscribes every lease.
func (s *Subscriber) Shutdown() {
	s.cancel()

	s.mu.Lock()
	s.closed = true
	subs := make([]*subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		if sub.renew != nil && sub.renew.Stop() {
			s.wg.Done()
		}
		subs = append(subs, sub)
	}
	s.subs = make(map[string]*subscription)
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, sub := range subs {
		if err := s.unsubscribeRequest(ctx, sub); err != nil {
			log.Debug().Err(err).
				Str("device", s.deviceName).
				Str("service", sub.name).
				Msg("Unsubscribe on shutdown failed")
		}
	}

	s.wg.Wait()
}

func (s *Subscriber) scheduleRenewal(sub *subscription) {
	if sub.lease <= 0 {
		return // infinite lease, nothing to renew
	}

	// Arming is tracked under the lock, with the Add preceding the timer,
	// so Shutdown's Wait cannot miss a renewal that has fired but not yet
	// registered. Stopping the timer before it fires hands the Done back
	// to Shutdown.
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.wg.Add(1)
	sub.renew = time.AfterFunc(RenewalDelay(sub.lease), func() {
		defer s.wg.Done()

		if s.ctx.Err() != nil {
			return
		}

		if err := s.renew(sub); err != nil {
			log.Warn().Err(err).
				Str("device", s.deviceName).
				Str("service", sub.name).
				Msg("Subscription renewal failed; re-subscribing from scratch")
			s.resubscribe(sub)
		}
	})
}

func (s *Subscriber) renew(sub *subscription) error {
	ctx, cancel := context.WithTimeout(s.ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "SUBSCRIBE", sub.endpoint.EventSubURL, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", device.ErrSubscriptionRenewalFailed, err)
	}
	req.Header.Set("SID", sub.sid)
	req.Header.Set("TIMEOUT", fmt.Sprintf("Second-%d", requestedLeaseSeconds))

	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", device.ErrSubscriptionRenewalFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s", device.ErrSubscriptionRenewalFailed, resp.Status)
	}

	lease := parseLease(resp.Header.Get("TIMEOUT"))

	s.mu.Lock()
	sub.lease = lease
	s.mu.Unlock()

	log.Debug().
		Str("device", s.deviceName).
		Str("service", sub.name).
		Dur("lease", lease).
		Msg("UPnP event subscription renewed")

	s.scheduleRenewal(sub)
	return nil
}

// resubscribe tears down a lease and establishes a fresh one. Retries are
// paced so the replacement is in place before the original lease would have
// expired; once the full lease window is spent, the device is reported
// degraded.
func (s *Subscriber) resubscribe(sub *subscription) {
	deadline := time.Now().Add(sub.lease - RenewalDelay(sub.lease))
	if sub.lease <= 0 {
		deadline = time.Now().Add(time.Duration(requestedLeaseSeconds) * time.Second)
	}

	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	_ = s.unsubscribeRequest(ctx, sub)
	cancel()

	for {
		if s.ctx.Err() != nil {
			return
		}

		ctx, cancel := context.WithTimeout(s.ctx, 10*time.Second)
		sid, lease, err := s.subscribeRequest(ctx, sub.name, sub.endpoint)
		cancel()

		if err == nil {
			s.mu.Lock()
			sub.sid = sid
			sub.lease = lease
			s.subs[sub.name] = sub
			s.mu.Unlock()

			log.Info().
				Str("device", s.deviceName).
				Str("service", sub.name).
				Str("sid", sid).
				Msg("UPnP event subscription re-established")

			s.scheduleRenewal(sub)
			return
		}

		if time.Now().After(deadline) {
			log.Error().Err(err).
				Str("device", s.deviceName).
				Str("service", sub.name).
				Msg("Could not re-establish UPnP event subscription")
			if s.onDegraded != nil {
				s.onDegraded(sub.name, err)
			}
			return
		}

		select {
		case <-s.ctx.Done():
			return
		case <-time.After(resubscribeRetryDelay):
		}
	}
}

func (s *Subscriber) subscribeRequest(ctx context.Context, name string, endpoint device.ServiceEndpoint) (string, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, "SUBSCRIBE", endpoint.EventSubURL, nil)
	if err != nil {
		return "", 0, fmt.Errorf("subscribe %s: %w", name, err)
	}
	req.Header.Set("CALLBACK", fmt.Sprintf("<%s/%s>", s.callbackBase, name))
	req.Header.Set("NT", "upnp:event")
	req.Header.Set("TIMEOUT", fmt.Sprintf("Second-%d", requestedLeaseSeconds))

	resp, err := s.http.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("subscribe %s: %w: %v", name, device.ErrDeviceUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", 0, fmt.Errorf("subscribe %s: %s", name, resp.Status)
	}

	sid := resp.Header.Get("SID")
	if sid == "" {
		return "", 0, fmt.Errorf("subscribe %s: device returned no SID", name)
	}

	return sid, parseLease(resp.Header.Get("TIMEOUT")), nil
}

func (s *Subscriber) unsubscribeRequest(ctx context.Context, sub *subscription) error {
	if sub.sid == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, "UNSUBSCRIBE", sub.endpoint.EventSubURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("SID", sub.sid)

	resp, err := s.http.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// parseLease converts a GENA TIMEOUT header ("Second-300" or "infinite") to
// a duration. Zero means infinite or unparseable.
func parseLease(header string) time.Duration {
	header = strings.TrimSpace(strings.ToLower(header))
	if !strings.HasPrefix(header, "second-") {
		return 0
	}
	secs, err := strconv.Atoi(strings.TrimPrefix(header, "second-"))
	if err != nil {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// propertySet is the body of a GENA NOTIFY request.
type propertySet struct {
	XMLName    xml.Name `xml:"propertyset"`
	Properties []struct {
		Inner []rawProperty `xml:",any"`
	} `xml:"property"`
}

type rawProperty struct {
	XMLName xml.Name
	Value   string `xml:",chardata"`
}

// ParsePropertySet extracts the flat property bag of one NOTIFY body.
// MalformedEvent is returned for bodies that are not a propertyset; callers
// log and discard.
func ParsePropertySet(body []byte) (map[string]string, error) {
	var set propertySet
	if err := xml.Unmarshal(body, &set); err != nil {
		return nil, fmt.Errorf("%w: %v", device.ErrMalformedEvent, err)
	}

	props := make(map[string]string)
	for _, p := range set.Properties {
		for _, inner := range p.Inner {
			props[inner.XMLName.Local] = inner.Value
		}
	}
	return props, nil
}
