package session_test

import (
	"context"
	"encoding/binary"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/javierd009/agente-portero-sub000/internal/session"
	"github.com/javierd009/agente-portero-sub000/pkg/audiosocket"
	"github.com/javierd009/agente-portero-sub000/pkg/realtime"
	"github.com/javierd009/agente-portero-sub000/pkg/realtime/mock"
)

const testFrameBytes = 320 // 20 ms of PCM16 at 8 kHz

// pcmFrame builds a telephony frame where every sample has the given
// amplitude.
func pcmFrame(amplitude int16) []byte {
	return pcmChunk(amplitude, testFrameBytes)
}

// pcmChunk builds n bytes of PCM16 at a constant amplitude.
func pcmChunk(amplitude int16, n int) []byte {
	chunk := make([]byte, n)
	for i := 0; i < len(chunk); i += 2 {
		binary.LittleEndian.PutUint16(chunk[i:], uint16(amplitude))
	}
	return chunk
}

// peakAmplitude returns the largest absolute sample value in a PCM16LE
// buffer.
func peakAmplitude(pcm []byte) int {
	peak := 0
	for i := 0; i+1 < len(pcm); i += 2 {
		v := int(int16(binary.LittleEndian.Uint16(pcm[i:])))
		if v < 0 {
			v = -v
		}
		if v > peak {
			peak = v
		}
	}
	return peak
}

// fakeDispatcher is a minimal tools.Dispatcher for call tests.
type fakeDispatcher struct {
	defs    []realtime.ToolDefinition
	result  string
	err     error
	invoked []string
}

func (d *fakeDispatcher) Definitions() []realtime.ToolDefinition { return d.defs }

func (d *fakeDispatcher) Invoke(_ context.Context, name, _ string) (string, error) {
	d.invoked = append(d.invoked, name)
	return d.result, d.err
}

func (d *fakeDispatcher) Close() error { return nil }

// writeMsg writes a complete framed message to the peer side of the pipe.
func writeMsg(t *testing.T, conn net.Conn, msg audiosocket.Message) {
	t.Helper()
	if err := conn.SetWriteDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("set write deadline: %v", err)
	}
	if _, err := conn.Write(msg); err != nil {
		t.Fatalf("write message: %v", err)
	}
}

// readMsg reads the next framed message from the peer side of the pipe.
func readMsg(t *testing.T, conn net.Conn) audiosocket.Message {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("set read deadline: %v", err)
	}
	msg, err := audiosocket.NextMessage(conn)
	if err != nil {
		t.Fatalf("read message: %v", err)
	}
	return msg
}

// waitForState polls until the call reaches want or the deadline expires.
func waitForState(t *testing.T, c *session.Call, want session.State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.State() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("call never reached state %v, still %v", want, c.State())
}

func TestRun_HangupEndsCallCleanly(t *testing.T) {
	t.Parallel()

	sess := mock.NewSession()
	client := &mock.Client{Session: sess}
	bridgeSide, peer := net.Pipe()
	defer bridgeSide.Close()
	defer peer.Close()

	call := session.New("chan-1", bridgeSide, client, session.Config{
		Session: realtime.SessionConfig{Voice: "alloy", Instructions: "be brief"},
	})

	errCh := make(chan error, 1)
	go func() { errCh <- call.Run(context.Background()) }()

	for range 3 {
		writeMsg(t, peer, audiosocket.AudioMessage(pcmFrame(4000)))
	}
	writeMsg(t, peer, audiosocket.HangupMessage())

	if err := <-errCh; err != nil {
		t.Fatalf("Run returned %v, want nil on hangup", err)
	}
	if got := call.State(); got != session.StateClosed {
		t.Errorf("state after Run = %v, want %v", got, session.StateClosed)
	}
	if got := call.FramesIn(); got != 3 {
		t.Errorf("FramesIn = %d, want 3", got)
	}

	sent := sess.SentAudio()
	if len(sent) != 3 {
		t.Fatalf("session received %d audio chunks, want 3", len(sent))
	}
	// 320 bytes at 8 kHz upsample to 960 bytes at 24 kHz.
	if len(sent[0].Chunk) != 960 {
		t.Errorf("upsampled chunk is %d bytes, want 960", len(sent[0].Chunk))
	}

	calls := client.Calls()
	if len(calls) != 1 {
		t.Fatalf("Connect called %d times, want 1", len(calls))
	}
	if calls[0].Cfg.Voice != "alloy" || calls[0].Cfg.Instructions != "be brief" {
		t.Errorf("session config not forwarded: %+v", calls[0].Cfg)
	}
	if sess.CloseCallCount == 0 {
		t.Error("realtime session was not closed")
	}
}

func TestRun_GateSuppressesQuietFrames(t *testing.T) {
	t.Parallel()

	sess := mock.NewSession()
	client := &mock.Client{Session: sess}
	bridgeSide, peer := net.Pipe()
	defer bridgeSide.Close()
	defer peer.Close()

	call := session.New("chan-2", bridgeSide, client, session.Config{GateThreshold: 1000})

	errCh := make(chan error, 1)
	go func() { errCh <- call.Run(context.Background()) }()

	writeMsg(t, peer, audiosocket.AudioMessage(pcmFrame(10)))   // below threshold
	writeMsg(t, peer, audiosocket.AudioMessage(pcmFrame(5000))) // above threshold
	writeMsg(t, peer, audiosocket.HangupMessage())

	if err := <-errCh; err != nil {
		t.Fatalf("Run returned %v, want nil", err)
	}

	sent := sess.SentAudio()
	if len(sent) != 2 {
		t.Fatalf("session received %d chunks, want 2", len(sent))
	}
	for _, b := range sent[0].Chunk {
		if b != 0 {
			t.Fatal("quiet frame was not replaced with silence")
		}
	}
	loud := false
	for _, b := range sent[1].Chunk {
		if b != 0 {
			loud = true
			break
		}
	}
	if !loud {
		t.Error("loud frame was suppressed by the gate")
	}
}

func TestRun_PlaysModelAudioToPeer(t *testing.T) {
	t.Parallel()

	sess := mock.NewSession()
	client := &mock.Client{Session: sess}
	bridgeSide, peer := net.Pipe()
	defer bridgeSide.Close()
	defer peer.Close()

	call := session.New("chan-3", bridgeSide, client, session.Config{
		PrebufferFrames:  1,
		MaxSilenceFrames: 1,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- call.Run(context.Background()) }()
	waitForState(t, call, session.StateActive)

	// One 20 ms chunk at 24 kHz downsamples to exactly one telephony frame.
	sess.AudioCh <- pcmChunk(3000, 960)

	msg := readMsg(t, peer)
	if msg.Kind() != audiosocket.KindAudio {
		t.Fatalf("peer received %v frame, want audio", msg.Kind())
	}
	if msg.ContentLength() != testFrameBytes {
		t.Errorf("played frame is %d bytes, want %d", msg.ContentLength(), testFrameBytes)
	}
	nonzero := false
	for _, b := range msg.Payload() {
		if b != 0 {
			nonzero = true
			break
		}
	}
	if !nonzero {
		t.Error("played frame is silent, want downsampled model audio")
	}

	// Drain whatever else the scheduler sends (a trailing silence frame)
	// so the hangup teardown is never blocked on an unread pipe.
	go func() {
		for {
			if err := peer.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
				return
			}
			if _, err := audiosocket.NextMessage(peer); err != nil {
				return
			}
		}
	}()

	writeMsg(t, peer, audiosocket.HangupMessage())
	if err := <-errCh; err != nil {
		t.Fatalf("Run returned %v, want nil", err)
	}
	if got := call.FramesOut(); got < 1 {
		t.Errorf("FramesOut = %d, want at least 1", got)
	}
}

func TestRun_InactivityTimeoutHangsUpPeer(t *testing.T) {
	t.Parallel()

	sess := mock.NewSession()
	client := &mock.Client{Session: sess}
	bridgeSide, peer := net.Pipe()
	defer bridgeSide.Close()
	defer peer.Close()

	call := session.New("chan-4", bridgeSide, client, session.Config{
		InactivityTimeout: 50 * time.Millisecond,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- call.Run(context.Background()) }()

	msg := readMsg(t, peer)
	if msg.Kind() != audiosocket.KindHangup {
		t.Errorf("peer received %v frame, want hangup", msg.Kind())
	}
	if err := <-errCh; err != nil {
		t.Fatalf("Run returned %v, want nil on inactivity timeout", err)
	}
	if got := call.State(); got != session.StateClosed {
		t.Errorf("state = %v, want %v", got, session.StateClosed)
	}
}

func TestRun_ConnectErrorFailsCall(t *testing.T) {
	t.Parallel()

	client := &mock.Client{ConnectErr: errors.New("401 unauthorized")}
	bridgeSide, peer := net.Pipe()
	defer bridgeSide.Close()
	defer peer.Close()

	call := session.New("chan-5", bridgeSide, client, session.Config{})
	err := call.Run(context.Background())
	if err == nil {
		t.Fatal("Run succeeded despite connect failure")
	}
	if !strings.Contains(err.Error(), "connect realtime") {
		t.Errorf("error %q does not mention the connect failure", err)
	}
	if got := call.State(); got != session.StateClosed {
		t.Errorf("state = %v, want %v", got, session.StateClosed)
	}
}

func TestRun_RealtimeFailureHangsUpPeer(t *testing.T) {
	t.Parallel()

	sess := mock.NewSession()
	sess.ErrVal = errors.New("websocket torn down")
	client := &mock.Client{Session: sess}
	bridgeSide, peer := net.Pipe()
	defer bridgeSide.Close()
	defer peer.Close()

	call := session.New("chan-6", bridgeSide, client, session.Config{})

	errCh := make(chan error, 1)
	go func() { errCh <- call.Run(context.Background()) }()
	waitForState(t, call, session.StateActive)

	// Simulate the backend dropping the session mid-call.
	_ = sess.Close()

	msg := readMsg(t, peer)
	if msg.Kind() != audiosocket.KindHangup {
		t.Errorf("peer received %v frame, want hangup", msg.Kind())
	}
	err := <-errCh
	if err == nil || !errors.Is(err, sess.ErrVal) {
		t.Fatalf("Run returned %v, want wrapped session error", err)
	}
}

func TestRun_ToolCallsRouteThroughDispatcher(t *testing.T) {
	t.Parallel()

	sess := mock.NewSession()
	client := &mock.Client{Session: sess}
	bridgeSide, peer := net.Pipe()
	defer bridgeSide.Close()
	defer peer.Close()

	dispatcher := &fakeDispatcher{
		defs:   []realtime.ToolDefinition{{Name: "open_gate", Description: "opens the gate"}},
		result: `{"status":"opened"}`,
	}
	call := session.New("chan-7", bridgeSide, client, session.Config{},
		session.WithDispatcher(dispatcher))

	errCh := make(chan error, 1)
	go func() { errCh <- call.Run(context.Background()) }()
	waitForState(t, call, session.StateActive)

	calls := client.Calls()
	if len(calls) != 1 || len(calls[0].Cfg.Tools) != 1 || calls[0].Cfg.Tools[0].Name != "open_gate" {
		t.Errorf("dispatcher definitions not offered to the session: %+v", calls)
	}

	out, err := sess.InvokeTool("open_gate", `{"visitor":"courier"}`)
	if err != nil {
		t.Fatalf("InvokeTool: %v", err)
	}
	if out != `{"status":"opened"}` {
		t.Errorf("tool result = %q, want dispatcher result", out)
	}
	if len(dispatcher.invoked) != 1 || dispatcher.invoked[0] != "open_gate" {
		t.Errorf("dispatcher invocations = %v, want [open_gate]", dispatcher.invoked)
	}

	writeMsg(t, peer, audiosocket.HangupMessage())
	if err := <-errCh; err != nil {
		t.Fatalf("Run returned %v, want nil", err)
	}
}

func TestRun_BargeInDiscardsBufferedAssistantAudio(t *testing.T) {
	t.Parallel()

	sess := mock.NewSession()
	client := &mock.Client{Session: sess}
	bridgeSide, peer := net.Pipe()
	defer bridgeSide.Close()
	defer peer.Close()

	call := session.New("chan-9", bridgeSide, client, session.Config{
		PrebufferFrames:  1,
		MaxSilenceFrames: 2,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- call.Run(context.Background()) }()
	waitForState(t, call, session.StateActive)

	// The first reply plays normally.
	sess.AudioCh <- pcmChunk(3000, 960)
	msg := readMsg(t, peer)
	if msg.Kind() != audiosocket.KindAudio || peakAmplitude(msg.Payload()) == 0 {
		t.Fatalf("want an audible frame before the barge-in, got kind %v", msg.Kind())
	}

	// Buffer a long, louder reply, then barge in before it finishes. The
	// odd chunk size leaves a reframing remainder that must be thrown away
	// along with the buffered chunks.
	for range 30 {
		sess.AudioCh <- pcmChunk(12000, 1440)
	}
	sess.EventsCh <- realtime.Event{Type: realtime.SpeechStarted}

	bargeSeen := false
	staleAfterBarge := 0
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if !bargeSeen && sess.InterruptCount() > 0 {
			bargeSeen = true
		}
		if err := peer.SetReadDeadline(time.Now().Add(100 * time.Millisecond)); err != nil {
			t.Fatalf("set read deadline: %v", err)
		}
		msg, err := audiosocket.NextMessage(peer)
		if err != nil {
			if bargeSeen {
				break
			}
			continue
		}
		if bargeSeen && msg.Kind() == audiosocket.KindAudio && peakAmplitude(msg.Payload()) > 7000 {
			staleAfterBarge++
		}
	}

	if !bargeSeen {
		t.Fatal("realtime session was never told to cancel the response")
	}
	// A chunk already in the forwarder's hands may leak a frame or two; the
	// buffered bulk of the cancelled reply must never reach the socket.
	if staleAfterBarge > 2 {
		t.Errorf("%d frames of the cancelled reply played after the barge-in, want at most 2", staleAfterBarge)
	}

	writeMsg(t, peer, audiosocket.HangupMessage())
	if err := <-errCh; err != nil {
		t.Fatalf("Run returned %v, want nil", err)
	}
}

func TestRun_ServerErrorEventEndsCall(t *testing.T) {
	t.Parallel()

	sess := mock.NewSession()
	client := &mock.Client{Session: sess}
	bridgeSide, peer := net.Pipe()
	defer bridgeSide.Close()
	defer peer.Close()

	call := session.New("chan-10", bridgeSide, client, session.Config{})

	errCh := make(chan error, 1)
	go func() { errCh <- call.Run(context.Background()) }()
	waitForState(t, call, session.StateActive)

	serverErr := errors.New("server_error: internal failure")
	sess.EventsCh <- realtime.Event{Type: realtime.SessionError, Err: serverErr}

	msg := readMsg(t, peer)
	if msg.Kind() != audiosocket.KindHangup {
		t.Errorf("peer received %v frame, want hangup", msg.Kind())
	}
	err := <-errCh
	if err == nil || !errors.Is(err, serverErr) {
		t.Fatalf("Run returned %v, want the wrapped server error", err)
	}
	if got := call.State(); got != session.StateClosed {
		t.Errorf("state = %v, want %v", got, session.StateClosed)
	}
}

func TestRun_ContextCancelHangsUpPeer(t *testing.T) {
	t.Parallel()

	sess := mock.NewSession()
	client := &mock.Client{Session: sess}
	bridgeSide, peer := net.Pipe()
	defer bridgeSide.Close()
	defer peer.Close()

	call := session.New("chan-8", bridgeSide, client, session.Config{})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- call.Run(ctx) }()
	waitForState(t, call, session.StateActive)

	cancel()

	msg := readMsg(t, peer)
	if msg.Kind() != audiosocket.KindHangup {
		t.Errorf("peer received %v frame, want hangup", msg.Kind())
	}
	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("Run returned %v, want context.Canceled", err)
	}
}
