// Package hegel implements the amplifier contract for Hegel amplifiers.
// Hegel's control protocol is a plain TCP socket: commands are short
// CR-terminated frames like "-v.42", and the amplifier pushes the same frames
// unsolicited whenever its state changes, so the one connection serves as
// both the action path and the push channel.
package hegel

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/vibinhq/vibin/internal/device"
)

const (
	controlPort = 50001
	maxVolume   = 100.0

	dialTimeout       = 5 * time.Second
	writeTimeout      = 5 * time.Second
	reconnectMinDelay = time.Second
	reconnectMaxDelay = 32 * time.Second
)

// Adapter drives one Hegel amplifier.
type Adapter struct {
	ref    device.Reference
	update device.UpdateFunc
	addr   string

	connMu sync.Mutex
	conn   net.Conn

	mu    sync.RWMutex
	state device.AmplifierState

	cancel context.CancelFunc
}

// New creates a Hegel adapter addressing the amplifier's control port.
func New(ref device.Reference, update device.UpdateFunc) *Adapter {
	return &Adapter{
		ref:    ref,
		update: update,
		addr:   net.JoinHostPort(ref.Hostname, strconv.Itoa(controlPort)),
		state: device.AmplifierState{
			Name: ref.FriendlyName,
		},
	}
}

// Reference returns the resolved device this adapter drives.
func (a *Adapter) Reference() device.Reference { return a.ref }

// Start opens the control connection and begins the read/reconnect loop.
func (a *Adapter) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	go a.run(ctx)
	return nil
}

// Shutdown stops the connection loop and closes the socket.
func (a *Adapter) Shutdown() {
	if a.cancel != nil {
		a.cancel()
	}
	a.connMu.Lock()
	if a.conn != nil {
		a.conn.Close()
		a.conn = nil
	}
	a.connMu.Unlock()
}

// PowerOn turns the amplifier on.
func (a *Adapter) PowerOn(ctx context.Context) error { return a.send("-p.1") }

// PowerOff turns the amplifier off.
func (a *Adapter) PowerOff(ctx context.Context) error { return a.send("-p.0") }

// PowerToggle flips the power state.
func (a *Adapter) PowerToggle(ctx context.Context) error { return a.send("-p.t") }

// SetVolume sets the normalized volume, clamped to 0.0 through 1.0.
func (a *Adapter) SetVolume(ctx context.Context, volume float64) error {
	if volume < 0 {
		volume = 0
	} else if volume > 1 {
		volume = 1
	}
	return a.send(fmt.Sprintf("-v.%d", int(volume*maxVolume)))
}

// VolumeUp raises the volume one step.
func (a *Adapter) VolumeUp(ctx context.Context) error { return a.send("-v.u") }

// VolumeDown lowers the volume one step.
func (a *Adapter) VolumeDown(ctx context.Context) error { return a.send("-v.d") }

// SetMute sets the mute state.
func (a *Adapter) SetMute(ctx context.Context, muted bool) error {
	if muted {
		return a.send("-m.1")
	}
	return a.send("-m.0")
}

// MuteToggle flips the mute state.
func (a *Adapter) MuteToggle(ctx context.Context) error { return a.send("-m.t") }

// State reports the amplifier's system-level state.
func (a *Adapter) State() device.AmplifierState {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

// send writes one command frame. The response arrives back over the shared
// read loop like any other pushed update.
func (a *Adapter) send(command string) error {
	a.connMu.Lock()
	conn := a.conn
	a.connMu.Unlock()

	if conn == nil {
		return fmt.Errorf("%s: %w: no control connection", a.ref.FriendlyName, device.ErrDeviceUnreachable)
	}

	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := conn.Write([]byte(command + "\r")); err != nil {
		conn.Close()
		return fmt.Errorf("%s %s: %w: %v", a.ref.FriendlyName, command, device.ErrDeviceUnreachable, err)
	}
	return nil
}

// run maintains the control connection: connect, query the full state, read
// pushed frames until the socket drops, back off, repeat.
func (a *Adapter) run(ctx context.Context) {
	delay := reconnectMinDelay
	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := net.DialTimeout("tcp", a.addr, dialTimeout)
		if err != nil {
			log.Warn().Err(err).
				Str("addr", a.addr).
				Dur("retry_in", delay).
				Msg("Amplifier connection failed")
			a.setReachable(false)

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
		a.connMu.Lock()
		a.conn = conn
		a.connMu.Unlock()

		log.Info().Str("addr", a.addr).Msg("Amplifier control connection established")
		a.setReachable(true)
		a.queryAll()
		a.readLoop(ctx, conn)
		a.setReachable(false)
	}
}

// queryAll asks for every state key after (re)connect so the hub converges
// even if updates were missed while disconnected.
func (a *Adapter) queryAll() {
	for _, query := range []string{"-p.?", "-v.?", "-m.?"} {
		if err := a.send(query); err != nil {
			log.Warn().Err(err).Str("query", query).Msg("Amplifier state query failed")
			return
		}
	}
}

func (a *Adapter) readLoop(ctx context.Context, conn net.Conn) {
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

	scanner := bufio.NewScanner(conn)
	scanner.Split(scanCR)

	for scanner.Scan() {
		a.applyFrame(scanner.Text())
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		log.Warn().Err(err).Str("addr", a.addr).Msg("Amplifier connection dropped")
	}
}

// applyFrame digests one "-key.value" frame from the amplifier.
func (a *Adapter) applyFrame(frame string) {
	frame = strings.TrimSpace(frame)
	if len(frame) < 4 || frame[0] != '-' || frame[2] != '.' {
		log.Warn().Str("frame", frame).Msg("Discarding malformed amplifier frame")
		return
	}

	key, value := frame[1], frame[3:]

	a.mu.Lock()
	switch key {
	case 'p':
		if value == "1" {
			a.state.Power = device.PowerOn
		} else {
			a.state.Power = device.PowerOff
		}
	case 'v':
		level, err := strconv.Atoi(value)
		if err != nil {
			a.mu.Unlock()
			log.Warn().Str("frame", frame).Msg("Discarding malformed amplifier volume")
			return
		}
		a.state.Volume = float64(level) / maxVolume
	case 'm':
		if value == "1" {
			a.state.Mute = "on"
		} else {
			a.state.Mute = "off"
		}
	case 'e':
		log.Warn().Str("code", value).Msg("Amplifier reported a protocol error")
		a.mu.Unlock()
		return
	default:
		a.mu.Unlock()
		log.Debug().Str("frame", frame).Msg("Unhandled amplifier frame")
		return
	}
	state := a.state
	a.mu.Unlock()

	a.emitSystem(state)
}

func (a *Adapter) setReachable(reachable bool) {
	a.mu.Lock()
	changed := a.state.Reachable != reachable
	a.state.Reachable = reachable
	state := a.state
	a.mu.Unlock()

	if changed {
		a.emitSystem(state)
	}
}

func (a *Adapter) emitSystem(state device.AmplifierState) {
	a.update(device.ChangeRecord{
		Role:  device.RoleAmplifier,
		Kind:  device.KindSystem,
		Value: device.SystemState{Amplifier: &state},
		At:    time.Now(),
	})
}

// scanCR splits on carriage returns, the frame terminator Hegel uses.
func scanCR(data []byte, atEOF bool) (advance int, token []byte, err error) {
	for i, b := range data {
		if b == '\r' || b == '\n' {
			return i + 1, data[:i], nil
		}
	}
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}
	return 0, nil, nil
}
