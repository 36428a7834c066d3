package upnp

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

// NotifyDelivery is one inbound GENA NOTIFY, already routed to its device
// and service.
type NotifyDelivery struct {
	ServiceName string
	SID         string
	Seq         string
	Body        []byte
}

// CallbackServer hosts the HTTP endpoint devices deliver NOTIFY requests to.
// Each adapter registers a handler under its device name; the path shape is
// /upnpevents/{device}/{service}.
type CallbackServer struct {
	addr   string
	server *http.Server

	mu       sync.RWMutex
	handlers map[string]func(NotifyDelivery)

	listenErr chan error
	baseURL   string
}

// NewCallbackServer creates a callback server bound to addr
// (host:port; the host must be reachable from the devices).
func NewCallbackServer(addr string) *CallbackServer {
	return &CallbackServer{
		addr:      addr,
		handlers:  make(map[string]func(NotifyDelivery)),
		listenErr: make(chan error, 1),
	}
}

// Register installs the NOTIFY handler for one device name. The returned
// base URL is what the device's Subscriber should advertise as CALLBACK.
func (c *CallbackServer) Register(deviceName string, handler func(NotifyDelivery)) string {
	c.mu.Lock()
	c.handlers[deviceName] = handler
	c.mu.Unlock()
	return c.baseURL + "/upnpevents/" + deviceName
}

// Unregister removes a device's NOTIFY handler.
func (c *CallbackServer) Unregister(deviceName string) {
	c.mu.Lock()
	delete(c.handlers, deviceName)
	c.mu.Unlock()
}

// Start begins serving. It returns once the listener is bound so callers can
// rely on BaseURL.
func (c *CallbackServer) Start() error {
	listener, err := net.Listen("tcp", c.addr)
	if err != nil {
		return err
	}

	c.baseURL = "http://" + listener.Addr().String()

	router := chi.NewRouter()
	router.Method("NOTIFY", "/upnpevents/{device}/{service}", http.HandlerFunc(c.handleNotify))

	c.server = &http.Server{
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		if err := c.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.listenErr <- err
		}
	}()

	log.Info().Str("addr", listener.Addr().String()).Msg("UPnP event callback endpoint listening")
	return nil
}

// BaseURL is the externally-visible root of the callback endpoint. Valid
// after Start.
func (c *CallbackServer) BaseURL() string { return c.baseURL }

// Shutdown releases the callback endpoint.
func (c *CallbackServer) Shutdown(ctx context.Context) error {
	if c.server == nil {
		return nil
	}
	return c.server.Shutdown(ctx)
}

func (c *CallbackServer) handleNotify(w http.ResponseWriter, r *http.Request) {
	deviceName := chi.URLParam(r, "device")
	serviceName := chi.URLParam(r, "service")

	c.mu.RLock()
	handler, ok := c.handlers[deviceName]
	c.mu.RUnlock()

	if !ok {
		log.Warn().Str("device", deviceName).Msg("NOTIFY for unregistered device")
		http.NotFound(w, r)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "read error", http.StatusBadRequest)
		return
	}

	handler(NotifyDelivery{
		ServiceName: serviceName,
		SID:         r.Header.Get("SID"),
		Seq:         r.Header.Get("SEQ"),
		Body:        body,
	})

	w.WriteHeader(http.StatusOK)
}
