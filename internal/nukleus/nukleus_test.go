package nukleus_test

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/reaktive/tcp-nukleus/internal/config"
	"github.com/reaktive/tcp-nukleus/internal/control"
	"github.com/reaktive/tcp-nukleus/internal/nukleus"
	"github.com/reaktive/tcp-nukleus/internal/route"
	"github.com/reaktive/tcp-nukleus/internal/target"
	"github.com/reaktive/tcp-nukleus/internal/wire"
)

// recordingSink is a target.Sink that captures every frame it is asked
// to write, safe for concurrent access since the reactor goroutine writes
// while the test goroutine reads.
type recordingSink struct {
	mu     sync.Mutex
	frames [][]byte
}

func (s *recordingSink) Write(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, append([]byte(nil), frame...))
	return nil
}

func (s *recordingSink) snapshot() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.frames))
	copy(out, s.frames)
	return out
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestAcceptEmitsBeginThenDataThenEnd(t *testing.T) {
	sink := &recordingSink{}
	cfg := config.DefaultConfig()
	cfg.PollTimeoutMillis = 20
	cfg.Routes = []config.StaticRoute{
		{Kind: "server", TargetName: "app", Address: "*", Port: 0},
	}

	n, err := nukleus.New(cfg, func(name string) target.Sink { return sink }, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	go n.Run()
	defer n.Stop()

	addr, ok := n.Acceptor().Addr(":0")
	if !ok {
		t.Fatal("expected the server route to have bound a listener")
	}

	client, err := net.Dial("tcp", addr.String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	waitFor(t, time.Second, func() bool { return len(sink.snapshot()) >= 1 })
	begin, err := wire.Decode(sink.snapshot()[0])
	if err != nil {
		t.Fatalf("decode BEGIN: %v", err)
	}
	if begin.Type != wire.TypeBegin {
		t.Fatalf("first frame type = %v, want BEGIN", begin.Type)
	}
	streamID := begin.Begin.StreamID

	if _, err := client.Write([]byte("payload")); err != nil {
		t.Fatalf("client write: %v", err)
	}
	waitFor(t, time.Second, func() bool { return len(sink.snapshot()) >= 2 })
	data, err := wire.Decode(sink.snapshot()[1])
	if err != nil {
		t.Fatalf("decode DATA: %v", err)
	}
	if data.Type != wire.TypeData || data.Data.StreamID != streamID {
		t.Fatalf("second frame = %+v, want DATA for stream %d", data, streamID)
	}
	if string(data.Data.Payload) != "payload" {
		t.Fatalf("payload = %q, want %q", data.Data.Payload, "payload")
	}

	client.Close()
	waitFor(t, time.Second, func() bool { return len(sink.snapshot()) >= 3 })
	end, err := wire.Decode(sink.snapshot()[2])
	if err != nil {
		t.Fatalf("decode END: %v", err)
	}
	if end.Type != wire.TypeEnd || end.End.StreamID != streamID {
		t.Fatalf("third frame = %+v, want END for stream %d", end, streamID)
	}
}

// TestReplyBeginWiresWriteStreamAndDrainsData drives the reactor manually
// (single goroutine, matching spec.md section 5's single-reactor-thread
// model) so that DispatchFromTarget — which stands in for the framed
// fabric's reply path — can be called safely from the same thread that
// owns the stream state, rather than racing a background Run loop.
func TestReplyBeginWiresWriteStreamAndDrainsData(t *testing.T) {
	sink := &recordingSink{}
	cfg := config.DefaultConfig()
	cfg.Routes = []config.StaticRoute{{Kind: "server", TargetName: "app", Address: "*", Port: 0}}

	n, err := nukleus.New(cfg, func(name string) target.Sink { return sink }, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer n.Stop()

	addr, _ := n.Acceptor().Addr(":0")
	client, err := net.Dial("tcp", addr.String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	pump := func() {
		for i := 0; i < 20; i++ {
			if _, err := n.PollOnce(10); err != nil {
				t.Fatalf("PollOnce: %v", err)
			}
		}
	}
	pump()

	frames := sink.snapshot()
	if len(frames) != 1 {
		t.Fatalf("expected exactly the initial BEGIN, got %d frames", len(frames))
	}
	begin, err := wire.Decode(frames[0])
	if err != nil || begin.Type != wire.TypeBegin {
		t.Fatalf("decode BEGIN: %v, %+v", err, begin)
	}

	reply := wire.EncodeBegin(nil, wire.Begin{
		StreamID:      500,
		ReferenceID:   0,
		CorrelationID: begin.Begin.CorrelationID,
	})
	if err := n.DispatchFromTarget("app", reply); err != nil {
		t.Fatalf("DispatchFromTarget(reply BEGIN): %v", err)
	}
	pump()

	frames = sink.snapshot()
	if len(frames) != 2 {
		t.Fatalf("expected BEGIN + initial WINDOW, got %d frames", len(frames))
	}
	initWindow, err := wire.Decode(frames[1])
	if err != nil || initWindow.Type != wire.TypeWindow || initWindow.Window.StreamID != 500 {
		t.Fatalf("decode initial WINDOW: %v, %+v", err, initWindow)
	}

	payload := []byte("downstream says hi")
	dataFrame, err := wire.EncodeData(nil, 500, payload)
	if err != nil {
		t.Fatalf("EncodeData: %v", err)
	}
	if err := n.DispatchFromTarget("app", dataFrame); err != nil {
		t.Fatalf("DispatchFromTarget(DATA): %v", err)
	}
	pump()

	frames = sink.snapshot()
	if len(frames) != 3 {
		t.Fatalf("expected a drain WINDOW after DATA, got %d frames", len(frames))
	}
	drainWindow, err := wire.Decode(frames[2])
	if err != nil || drainWindow.Type != wire.TypeWindow || drainWindow.Window.Credit != int32(len(payload)) {
		t.Fatalf("decode drain WINDOW: %v, %+v", err, drainWindow)
	}

	client.SetReadDeadline(time.Now().Add(time.Second))
	got := make([]byte, len(payload))
	if _, err := readFull(client, got); err != nil {
		t.Fatalf("client read: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("client received %q, want %q", got, payload)
	}
}

func readFull(c net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := c.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func TestUnmatchedRouteClosesSocketImmediately(t *testing.T) {
	sink := &recordingSink{}
	cfg := config.DefaultConfig()
	cfg.PollTimeoutMillis = 20
	// No routes installed at all: every accepted connection must be
	// closed without emitting anything downstream (spec.md section 4.D).

	n, err := nukleus.New(cfg, func(name string) target.Sink { return sink }, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := n.Acceptor().Bind("127.0.0.1:0", 1); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	go n.Run()
	defer n.Stop()

	addr, _ := n.Acceptor().Addr("127.0.0.1:0")
	client, err := net.Dial("tcp", addr.String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	buf := make([]byte, 1)
	client.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := client.Read(buf); err == nil {
		t.Fatal("expected the peer to close the connection")
	}
	if len(sink.snapshot()) != 0 {
		t.Fatalf("expected no frames for an unmatched route, got %d", len(sink.snapshot()))
	}
}

// TestOutputBeginResolvesClientRouteAndConnects drives spec.md section
// 4.E end to end: a fresh OUTPUT BEGIN (non-zero referenceId) arriving
// from a target is resolved against a routeClient route and handed to
// the connector, which dials out and, on success, wires the resulting
// socket into the stream factory exactly like the accept path.
func TestOutputBeginResolvesClientRouteAndConnects(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()
	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
	}()
	port := ln.Addr().(*net.TCPAddr).Port

	sink := &recordingSink{}
	cfg := config.DefaultConfig()
	n, err := nukleus.New(cfg, func(name string) target.Sink { return sink }, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer n.Stop()

	res := n.Control().Apply(control.Command{
		Verb: control.VerbRouteClient,
		Route: route.Route{
			SourceName: cfg.SourceName,
			SourceRef:  55,
			TargetName: "app",
			TargetRef:  uint64(port),
			Address:    route.Host(net.ParseIP("127.0.0.1")),
			Kind:       route.KindClientNew,
		},
	})
	if !res.OK || res.Err != nil {
		t.Fatalf("Apply(VerbRouteClient) = %+v, want OK", res)
	}

	begin := wire.EncodeBegin(nil, wire.Begin{StreamID: 777, ReferenceID: 55})
	if err := n.DispatchFromTarget("app", begin); err != nil {
		t.Fatalf("DispatchFromTarget(OUTPUT BEGIN): %v", err)
	}

	pump := func() {
		for i := 0; i < 50; i++ {
			if _, err := n.PollOnce(10); err != nil {
				t.Fatalf("PollOnce: %v", err)
			}
		}
	}
	waitFor(t, 2*time.Second, func() bool {
		pump()
		return len(sink.snapshot()) >= 1
	})

	frames := sink.snapshot()
	d, err := wire.Decode(frames[0])
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if d.Type != wire.TypeBegin {
		t.Fatalf("first frame type = %v, want BEGIN", d.Type)
	}

	select {
	case c := <-accepted:
		c.Close()
	case <-time.After(2 * time.Second):
		t.Fatal("expected the outbound connect to reach the listener")
	}
}

// TestOutputBeginWithoutRouteEmitsResetAndError drives spec.md section
// 7's "Invalid inbound frame | Non-zero sourceRef on reply stream | Emit
// RESET; raise logical error" row: an OUTPUT BEGIN with no matching
// routeClient route gets RESET on its own stream id and DispatchFromTarget
// itself returns an error, rather than silently dropping the frame.
func TestOutputBeginWithoutRouteEmitsResetAndError(t *testing.T) {
	sink := &recordingSink{}
	cfg := config.DefaultConfig()
	n, err := nukleus.New(cfg, func(name string) target.Sink { return sink }, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer n.Stop()

	begin := wire.EncodeBegin(nil, wire.Begin{StreamID: 321, ReferenceID: 99})
	if err := n.DispatchFromTarget("app", begin); err == nil {
		t.Fatal("expected DispatchFromTarget to raise a logical error for an unroutable OUTPUT BEGIN")
	}

	frames := sink.snapshot()
	if len(frames) != 1 {
		t.Fatalf("expected exactly one RESET frame, got %d", len(frames))
	}
	d, err := wire.Decode(frames[0])
	if err != nil {
		t.Fatalf("decode RESET: %v", err)
	}
	if d.Type != wire.TypeReset || d.Reset.StreamID != 321 {
		t.Fatalf("frame = %+v, want RESET for stream 321", d)
	}
}
