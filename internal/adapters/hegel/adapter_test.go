package hegel

import (
	"bufio"
	"context"
	"errors"
	"net"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/vibinhq/vibin/internal/device"
)

func testAdapter() (*Adapter, *[]device.ChangeRecord) {
	records := &[]device.ChangeRecord{}
	a := New(device.Reference{FriendlyName: "H120", Hostname: "127.0.0.1", Role: device.RoleAmplifier},
		func(rec device.ChangeRecord) { *records = append(*records, rec) })
	return a, records
}

func lastAmplifierState(t *testing.T, records []device.ChangeRecord) device.AmplifierState {
	t.Helper()
	if len(records) == 0 {
		t.Fatal("no change records emitted")
	}
	rec := records[len(records)-1]
	state, ok := rec.Value.(device.SystemState)
	if !ok || state.Amplifier == nil {
		t.Fatalf("unexpected record %+v", rec)
	}
	return *state.Amplifier
}

func TestApplyFrame(t *testing.T) {
	tests := []struct {
		frame string
		check func(t *testing.T, s device.AmplifierState)
	}{
		{"-p.1", func(t *testing.T, s device.AmplifierState) {
			if s.Power != device.PowerOn {
				t.Errorf("power = %q", s.Power)
			}
		}},
		{"-p.0", func(t *testing.T, s device.AmplifierState) {
			if s.Power != device.PowerOff {
				t.Errorf("power = %q", s.Power)
			}
		}},
		{"-v.42", func(t *testing.T, s device.AmplifierState) {
			if s.Volume != 0.42 {
				t.Errorf("volume = %v", s.Volume)
			}
		}},
		{"-v.100", func(t *testing.T, s device.AmplifierState) {
			if s.Volume != 1.0 {
				t.Errorf("volume = %v", s.Volume)
			}
		}},
		{"-m.1", func(t *testing.T, s device.AmplifierState) {
			if s.Mute != "on" {
				t.Errorf("mute = %q", s.Mute)
			}
		}},
		{"-m.0", func(t *testing.T, s device.AmplifierState) {
			if s.Mute != "off" {
				t.Errorf("mute = %q", s.Mute)
			}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.frame, func(t *testing.T) {
			a, records := testAdapter()
			a.applyFrame(tt.frame)
			tt.check(t, lastAmplifierState(t, *records))
		})
	}
}

func TestApplyFrameDiscardsGarbage(t *testing.T) {
	a, records := testAdapter()

	for _, frame := range []string{"", "-p", "p.1", "-v.loud", "-e.1", "-x.9", "junk"} {
		a.applyFrame(frame)
	}

	if len(*records) != 0 {
		t.Errorf("garbage frames produced %d records", len(*records))
	}
}

func TestSendWithoutConnection(t *testing.T) {
	a, _ := testAdapter()

	err := a.PowerOn(context.Background())
	if !errors.Is(err, device.ErrDeviceUnreachable) {
		t.Fatalf("expected DeviceUnreachable, got %v", err)
	}
}

func TestSetVolumeClampsAndScales(t *testing.T) {
	tests := []struct {
		volume float64
		want   string
	}{
		{0.5, "-v.50"},
		{0.0, "-v.0"},
		{1.0, "-v.100"},
		{-0.3, "-v.0"},
		{1.7, "-v.100"},
	}

	for _, tt := range tests {
		a, _ := testAdapter()
		client, server := net.Pipe()
		a.conn = client

		got := make(chan string, 1)
		go func() {
			scanner := bufio.NewScanner(server)
			scanner.Split(scanCR)
			if scanner.Scan() {
				got <- scanner.Text()
			}
		}()

		if err := a.SetVolume(context.Background(), tt.volume); err != nil {
			t.Fatalf("SetVolume(%v): %v", tt.volume, err)
		}

		select {
		case frame := <-got:
			if frame != tt.want {
				t.Errorf("SetVolume(%v) sent %q, want %q", tt.volume, frame, tt.want)
			}
		case <-time.After(time.Second):
			t.Fatalf("SetVolume(%v): no frame received", tt.volume)
		}

		client.Close()
		server.Close()
	}
}

func TestStartAgainstFakeAmplifier(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer listener.Close()

	frames := make(chan string, 8)
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		scanner := bufio.NewScanner(conn)
		scanner.Split(scanCR)
		for scanner.Scan() {
			frame := scanner.Text()
			frames <- frame
			// Answer state queries the way the amplifier does.
			switch frame {
			case "-p.?":
				conn.Write([]byte("-p.1\r"))
			case "-v.?":
				conn.Write([]byte("-v.25\r"))
			case "-m.?":
				conn.Write([]byte("-m.0\r"))
			}
		}
	}()

	updates := make(chan device.ChangeRecord, 16)
	a := New(device.Reference{FriendlyName: "H120", Hostname: "127.0.0.1", Role: device.RoleAmplifier},
		func(rec device.ChangeRecord) { updates <- rec })
	a.addr = listener.Addr().String()

	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer a.Shutdown()

	// First record: reachable flip. Then the query replies arrive.
	deadline := time.After(3 * time.Second)
	var state device.AmplifierState
	for {
		select {
		case rec := <-updates:
			sys, ok := rec.Value.(device.SystemState)
			if !ok || sys.Amplifier == nil {
				t.Fatalf("unexpected record %+v", rec)
			}
			state = *sys.Amplifier
			if state.Reachable && state.Power == device.PowerOn && state.Volume == 0.25 && state.Mute == "off" {
				return
			}
		case <-deadline:
			t.Fatalf("state never converged, last %+v", state)
		}
	}
}

func TestReadLoopWatchdogEndsWithConnection(t *testing.T) {
	a, _ := testAdapter()
	ctx := context.Background()

	before := runtime.NumGoroutine()

	for range 25 {
		client, server := net.Pipe()
		done := make(chan struct{})
		go func() {
			a.readLoop(ctx, client)
			close(done)
		}()
		server.Close()
		<-done
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if runtime.NumGoroutine() <= before+2 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("goroutines leaked across reconnects: %d before, %d after", before, runtime.NumGoroutine())
}

func TestScanCR(t *testing.T) {
	scanner := bufio.NewScanner(strings.NewReader("-p.1\r-v.42\r\n-m.0"))
	scanner.Split(scanCR)

	var frames []string
	for scanner.Scan() {
		if scanner.Text() != "" {
			frames = append(frames, scanner.Text())
		}
	}

	want := []string{"-p.1", "-v.42", "-m.0"}
	if len(frames) != len(want) {
		t.Fatalf("frames = %v, want %v", frames, want)
	}
	for i := range want {
		if frames[i] != want[i] {
			t.Errorf("frames[%d] = %q, want %q", i, frames[i], want[i])
		}
	}
}
