package streammagic

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/vibinhq/vibin/internal/device"
)

const (
	reconnectMinDelay = time.Second
	reconnectMaxDelay = 32 * time.Second
	smoipWriteWait    = 10 * time.Second
)

// smoipPaths are the SMOIP update feeds the adapter subscribes to. The
// position feed is throttled device-side to one update per second.
var smoipPaths = []smoipSubscribe{
	{Path: "/zone/play_state"},
	{Path: "/zone/play_state/position", Params: map[string]int{"update": 1}},
	{Path: "/zone/now_playing"},
	{Path: "/presets/list"},
	{Path: "/system/power"},
	{Path: "/system/sources"},
}

// smoipSubscribe is the frame sent to open one update feed.
type smoipSubscribe struct {
	Path   string         `json:"path"`
	Params map[string]int `json:"params,omitempty"`
}

// smoipMessage is one inbound frame. Updates and subscribe acknowledgements
// share the shape; Data carries the feed payload.
type smoipMessage struct {
	Path    string `json:"path"`
	Type    string `json:"type"`
	Result  int    `json:"result"`
	Message string `json:"message"`
	Params  struct {
		Data json.RawMessage `json:"data"`
	} `json:"params"`
}

// smoipResponse is the body of an SMOIP HTTP API call.
type smoipResponse struct {
	Result  int             `json:"result"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (r *smoipResponse) decodeData(into any) error {
	if err := json.Unmarshal(r.Data, into); err != nil {
		return fmt.Errorf("%w: %v", device.ErrMalformedEvent, err)
	}
	return nil
}

// smoipClient maintains the persistent WebSocket to the streamer's SMOIP
// endpoint. On every (re)connect it replays the full subscription set, so a
// fresh round of updates follows and the hub resynchronizes without any
// explicit state fetch.
type smoipClient struct {
	url       string
	onMessage func(path string, data json.RawMessage)
	onState   func(connected bool)
}

func newSMOIPClient(url string, onMessage func(string, json.RawMessage), onState func(bool)) *smoipClient {
	return &smoipClient{
		url:       url,
		onMessage: onMessage,
		onState:   onState,
	}
}

// run starts the connect/read/reconnect loop and returns immediately. The
// loop exits when ctx is cancelled.
func (c *smoipClient) run(ctx context.Context) {
	go func() {
		delay := reconnectMinDelay
		for {
			if ctx.Err() != nil {
				return
			}

			conn, err := c.connect(ctx)
			if err != nil {
				log.Warn().Err(err).
					Str("url", c.url).
					Dur("retry_in", delay).
					Msg("SMOIP connection failed")
				c.onState(false)

				select {
				case <-ctx.Done():
					return
				case <-time.After(delay):
				}
				delay *= 2
				if delay > reconnectMaxDelay {
					delay = reconnectMaxDelay
				}
				continue
			}

			delay = reconnectMinDelay
			c.onState(true)
			c.readLoop(ctx, conn)
			c.onState(false)
		}
	}()
}

func (c *smoipClient) connect(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, c.url, nil)
	if err != nil {
		return nil, err
	}

	for _, sub := range smoipPaths {
		conn.SetWriteDeadline(time.Now().Add(smoipWriteWait))
		if err := conn.WriteJSON(sub); err != nil {
			conn.Close()
			return nil, fmt.Errorf("subscribe %s: %w", sub.Path, err)
		}
	}

	log.Info().Str("url", c.url).Msg("SMOIP push channel connected")
	return conn, nil
}

// readLoop consumes frames until the connection drops or ctx is cancelled.
func (c *smoipClient) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer conn.Close()

	// The watchdog ends with this connection so reconnects do not pile up
	// goroutines waiting on ctx.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				log.Warn().Err(err).Str("url", c.url).Msg("SMOIP push channel dropped")
			}
			return
		}

		var msg smoipMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			log.Warn().Err(err).Str("url", c.url).Msg("Discarding unparseable SMOIP frame")
			continue
		}
		if msg.Params.Data == nil {
			continue // subscribe acknowledgement
		}

		c.onMessage(msg.Path, msg.Params.Data)
	}
}
