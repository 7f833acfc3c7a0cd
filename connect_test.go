package mqttclient

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/racknoris/mqtt-client/packets"
	"github.com/racknoris/mqtt-client/states"
)

// fakeTransport scripts dial outcomes and observes handshake writes.
type fakeTransport struct {
	mu           sync.Mutex
	connectErr   error
	autoErrs     []error
	connectCalls int
	autoCalls    int
	written      []packets.Packet

	// onWrite runs synchronously after each successful write, standing in
	// for the broker's asynchronous CONNACK.
	onWrite func(n int, p packets.Packet)

	onDisconnected func(error)
}

func (f *fakeTransport) Connect(context.Context, string) error {
	f.mu.Lock()
	f.connectCalls++
	err := f.connectErr
	f.mu.Unlock()
	return err
}

func (f *fakeTransport) ConnectAuto(context.Context, string) error {
	f.mu.Lock()
	f.autoCalls++
	var err error
	if len(f.autoErrs) > 0 {
		err = f.autoErrs[0]
		f.autoErrs = f.autoErrs[1:]
	}
	f.mu.Unlock()
	return err
}

func (f *fakeTransport) ReadPacket(ctx context.Context) (packets.Packet, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (f *fakeTransport) WritePacket(_ context.Context, p packets.Packet) error {
	f.mu.Lock()
	f.written = append(f.written, p)
	n := len(f.written)
	hook := f.onWrite
	f.mu.Unlock()
	if hook != nil {
		hook(n, p)
	}
	return nil
}

func (f *fakeTransport) Close() error { return nil }

func (f *fakeTransport) OnDisconnected(fn func(error)) { f.onDisconnected = fn }

func (f *fakeTransport) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.written)
}

func testOptions() *Options {
	return (&Options{Host: "broker.local", Port: 1883, MaxConnectionAttempts: 3}).withDefaults()
}

func newTestSequencer(tr Transport, opts *Options) *sequencer {
	return &sequencer{
		opts:        opts,
		status:      NewStatus(),
		logger:      quietLogger(),
		allocate:    func() Transport { return tr },
		readerStart: func(Transport) {},
		retryPeriod: 20 * time.Millisecond,
	}
}

func TestConnectExhaustedRaisesError(t *testing.T) {
	tr := &fakeTransport{}
	seq := newTestSequencer(tr, testOptions())

	st, err := seq.run(context.Background(), false)
	if err == nil {
		t.Fatal("expected terminal error after exhausted attempts")
	}
	var connErr *ConnectError
	if !errors.As(err, &connErr) {
		t.Fatalf("expected *ConnectError, got %T: %v", err, err)
	}
	if connErr.ReturnCode != states.ReturnCodeNone {
		t.Errorf("return code %v, want None", connErr.ReturnCode)
	}
	if !strings.Contains(err.Error(), "did not respond") {
		t.Errorf("error %q should name the unresponsive broker", err)
	}
	if st == states.StateConnected {
		t.Error("state must not be connected")
	}
	if tr.connectCalls != 1 {
		t.Errorf("transport dialed %d times, want 1 (reused across retries)", tr.connectCalls)
	}
	if tr.writeCount() != 3 {
		t.Errorf("handshake sent %d times, want 3", tr.writeCount())
	}
}

func TestConnectExhaustedWithCallbackFaults(t *testing.T) {
	tr := &fakeTransport{}
	seq := newTestSequencer(tr, testOptions())

	var attempts []int
	seq.onFailedAttempt = func(n int) { attempts = append(attempts, n) }

	st, err := seq.run(context.Background(), false)
	if err != nil {
		t.Fatalf("expected soft failure, got error: %v", err)
	}
	if st != states.StateFaulted {
		t.Errorf("state %v, want Faulted", st)
	}
	if len(attempts) != 3 || attempts[0] != 1 || attempts[1] != 2 || attempts[2] != 3 {
		t.Errorf("failed-attempt callback saw %v, want [1 2 3]", attempts)
	}
	if !seq.initialConnectDone {
		t.Error("initial-connect-complete flag not set")
	}
}

func TestConnectAcknowledgedOnSecondAttempt(t *testing.T) {
	tr := &fakeTransport{}
	seq := newTestSequencer(tr, testOptions())
	tr.onWrite = func(n int, _ packets.Packet) {
		if n == 2 {
			seq.status.SetConnected(states.ReturnCodeAccepted)
		}
	}

	var attempts []int
	seq.onFailedAttempt = func(n int) { attempts = append(attempts, n) }

	st, err := seq.run(context.Background(), false)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if st != states.StateConnected {
		t.Errorf("state %v, want Connected", st)
	}
	if tr.writeCount() != 2 {
		t.Errorf("handshake sent %d times, want 2", tr.writeCount())
	}
	if len(attempts) != 1 || attempts[0] != 1 {
		t.Errorf("failed-attempt callback saw %v, want [1]", attempts)
	}
}

func TestConnectRejectionCarriesReturnCode(t *testing.T) {
	tr := &fakeTransport{}
	seq := newTestSequencer(tr, testOptions())
	tr.onWrite = func(int, packets.Packet) {
		seq.status.SetReturnCode(states.ReturnCodeBadCredentials)
	}

	_, err := seq.run(context.Background(), false)
	var connErr *ConnectError
	if !errors.As(err, &connErr) {
		t.Fatalf("expected *ConnectError, got %T: %v", err, err)
	}
	if connErr.ReturnCode != states.ReturnCodeBadCredentials {
		t.Errorf("return code %v, want BadCredentials", connErr.ReturnCode)
	}
	if !strings.Contains(err.Error(), "rejected") {
		t.Errorf("error %q should name the rejection", err)
	}
}

func TestConnectFirstDialFailureIsFatal(t *testing.T) {
	dialErr := errors.New("connection refused")
	tr := &fakeTransport{connectErr: dialErr}
	seq := newTestSequencer(tr, testOptions())

	callbackRan := false
	seq.onFailedAttempt = func(int) { callbackRan = true }

	st, err := seq.run(context.Background(), false)
	if !errors.Is(err, dialErr) {
		t.Fatalf("expected wrapped dial error, got %v", err)
	}
	if st != states.StateDisconnected {
		t.Errorf("state %v, want Disconnected", st)
	}
	if callbackRan {
		t.Error("failed-attempt callback must not run on a fatal dial failure")
	}
	if tr.writeCount() != 0 {
		t.Error("handshake must not be sent after a dial failure")
	}
}

func TestAutoReconnectSwallowsDialErrors(t *testing.T) {
	tr := &fakeTransport{autoErrs: []error{errors.New("broker still down")}}
	seq := newTestSequencer(tr, testOptions())
	seq.setTransport(tr)
	tr.onWrite = func(int, packets.Packet) {
		seq.status.SetConnected(states.ReturnCodeAccepted)
	}

	callbackRan := false
	seq.onFailedAttempt = func(int) { callbackRan = true }

	st, err := seq.run(context.Background(), true)
	if err != nil {
		t.Fatalf("auto-reconnect returned error: %v", err)
	}
	if st != states.StateConnected {
		t.Errorf("state %v, want Connected", st)
	}
	if tr.autoCalls != 2 {
		t.Errorf("auto dial attempted %d times, want 2", tr.autoCalls)
	}
	if tr.connectCalls != 0 {
		t.Error("auto-reconnect must not use the fresh-connect dial")
	}
	if callbackRan {
		t.Error("failed-attempt callback must stay quiet during auto-reconnect")
	}
}

func TestAutoReconnectExhaustionReturnsStateWithoutError(t *testing.T) {
	tr := &fakeTransport{autoErrs: []error{
		errors.New("down"), errors.New("down"), errors.New("down"),
	}}
	seq := newTestSequencer(tr, testOptions())
	seq.setTransport(tr)

	st, err := seq.run(context.Background(), true)
	if err != nil {
		t.Fatalf("auto-reconnect must not raise on exhaustion, got %v", err)
	}
	if st == states.StateConnected || st == states.StateFaulted {
		t.Errorf("state %v, want a non-terminal disconnected/connecting state", st)
	}
}

func TestConnectCancelledWaitAbortsPromptly(t *testing.T) {
	tr := &fakeTransport{}
	opts := testOptions()
	seq := newTestSequencer(tr, opts)
	seq.retryPeriod = 10 * time.Second

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)

	start := time.Now()
	_, err := seq.run(ctx, false)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("cancelled wait took %v, want prompt return", elapsed)
	}
}
