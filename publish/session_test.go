package publish

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/livepub/livepub/buffer"
	"github.com/livepub/livepub/media"
)

var (
	testSPS = []byte{0x67, 0x64, 0x00, 0x1F, 0xAC, 0xD9}
	testPPS = []byte{0x68, 0xEB, 0xE3, 0xCB}

	testInfo = StreamInfo{
		Width: 1280, Height: 720, FrameRate: 30,
		VideoBitrate: 800_000, AudioBitrate: 96_000,
		SampleRate: 44100, Channels: 2, BitDepth: 16,
	}
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type sentTag struct {
	body  []byte
	kind  media.Kind
	delta uint32
}

// isSequenceHeader reports whether a recorded tag body is a sequence header
// (packet-type byte zero for both AVC and AAC bodies).
func (s sentTag) isSequenceHeader() bool {
	return len(s.body) >= 2 && s.body[1] == 0x00
}

type fakeTransport struct {
	mu           sync.Mutex
	connectErr   error // fail every Connect while set
	failConnects int   // fail this many initial Connects
	sendErrAt    int   // fail the Nth successful-send attempt (1-based), one-shot
	connects     int
	closes       int
	sent         []sentTag
}

func (f *fakeTransport) Connect(ctx context.Context, endpoint string, info StreamInfo) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if f.failConnects > 0 {
		f.failConnects--
		return errors.New("connection refused")
	}
	return f.connectErr
}

func (f *fakeTransport) Send(ctx context.Context, tag []byte, kind media.Kind, deltaMs uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErrAt > 0 && len(f.sent)+1 == f.sendErrAt {
		f.sendErrAt = 0
		return errors.New("broken pipe")
	}
	f.sent = append(f.sent, sentTag{append([]byte(nil), tag...), kind, deltaMs})
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

func (f *fakeTransport) sentTags() []sentTag {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentTag(nil), f.sent...)
}

func (f *fakeTransport) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

type eventRecorder struct {
	mu     sync.Mutex
	states []State
	errs   []ErrorCode
	debugs []DebugStats
}

func (r *eventRecorder) OnStateChange(st State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, st)
}

func (r *eventRecorder) OnError(code ErrorCode, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, code)
}

func (r *eventRecorder) OnDebug(d DebugStats) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.debugs = append(r.debugs, d)
}

func (r *eventRecorder) errorCount(code ErrorCode) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.errs {
		if c == code {
			n++
		}
	}
	return n
}

func (r *eventRecorder) debugCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.debugs)
}

func (r *eventRecorder) lastDebug() (DebugStats, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.debugs) == 0 {
		return DebugStats{}, false
	}
	return r.debugs[len(r.debugs)-1], true
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(msg)
}

func newTestSession(tr Transport, buf *buffer.Buffer, ev Events) *Session {
	return NewSession(SessionConfig{
		Endpoint:          "rtmp://example.invalid/live/key",
		Info:              testInfo,
		ReconnectInterval: time.Millisecond,
		Logger:            discardLogger(),
	}, tr, buf, ev)
}

func keyFrame(ts uint64) *media.VideoFrame {
	return &media.VideoFrame{Timestamp: ts, Payload: []byte{0x00, 0x00, 0x00, 0x01, 0x65}, IsKeyFrame: true, SPS: testSPS, PPS: testPPS}
}

func interFrame(ts uint64) *media.VideoFrame {
	return &media.VideoFrame{Timestamp: ts, Payload: []byte{0x00, 0x00, 0x00, 0x01, 0x41}}
}

func TestSessionDropsVideoBeforeParameterSets(t *testing.T) {
	t.Parallel()
	buf := buffer.New(buffer.Config{WindowSize: 1})
	tr := &fakeTransport{}
	s := newTestSession(tr, buf, nil)

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()
	waitFor(t, func() bool { return s.State() == StatePublishing }, "session never started publishing")

	// Keyframe without parameter sets, then one carrying them, then a
	// trailing frame to flush the admission window.
	bare := &media.VideoFrame{Timestamp: 0, Payload: []byte{0x65}, IsKeyFrame: true}
	buf.Append(bare)
	buf.Append(keyFrame(40))
	buf.Append(interFrame(80))

	waitFor(t, func() bool { return len(tr.sentTags()) >= 2 }, "frames never sent")
	sent := tr.sentTags()

	if !sent[0].isSequenceHeader() || sent[0].kind != media.KindVideo {
		t.Fatalf("first send should be the video sequence header, got %x", sent[0].body)
	}
	if sent[1].isSequenceHeader() {
		t.Fatal("second send should be frame data")
	}
	if got := s.stats.dropped.Load(); got != 1 {
		t.Errorf("dropped: got %d, want 1 (the bare keyframe)", got)
	}

	s.Stop()
	if err := <-done; err != nil {
		t.Errorf("Run after Stop: got %v, want nil", err)
	}
	if got := s.State(); got != StateStopped {
		t.Errorf("state: got %v, want stopped", got)
	}
}

func TestSessionSequenceHeadersOncePerTrack(t *testing.T) {
	t.Parallel()
	buf := buffer.New(buffer.Config{WindowSize: 1})
	tr := &fakeTransport{}
	s := newTestSession(tr, buf, nil)

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()
	defer func() { s.Stop(); <-done }()
	waitFor(t, func() bool { return s.State() == StatePublishing }, "session never started publishing")

	buf.Append(keyFrame(0))
	buf.Append(&media.AudioFrame{Timestamp: 10, Payload: []byte{0x21}})
	buf.Append(interFrame(40))
	buf.Append(&media.AudioFrame{Timestamp: 33, Payload: []byte{0x42}})
	buf.Append(interFrame(80)) // flushes the window

	waitFor(t, func() bool { return len(tr.sentTags()) >= 6 }, "frames never sent")
	sent := tr.sentTags()

	headers := map[media.Kind]int{}
	dataSeen := map[media.Kind]bool{}
	for i, tag := range sent {
		if tag.isSequenceHeader() {
			headers[tag.kind]++
			if dataSeen[tag.kind] {
				t.Errorf("sequence header for %v sent after data at index %d", tag.kind, i)
			}
		} else {
			dataSeen[tag.kind] = true
		}
	}

	if headers[media.KindVideo] != 1 {
		t.Errorf("video sequence headers: got %d, want 1", headers[media.KindVideo])
	}
	if headers[media.KindAudio] != 1 {
		t.Errorf("audio sequence headers: got %d, want 1", headers[media.KindAudio])
	}
}

func TestSessionDeltaTimestamps(t *testing.T) {
	t.Parallel()
	buf := buffer.New(buffer.Config{WindowSize: 1})
	tr := &fakeTransport{}
	s := newTestSession(tr, buf, nil)

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()
	defer func() { s.Stop(); <-done }()
	waitFor(t, func() bool { return s.State() == StatePublishing }, "session never started publishing")

	buf.Append(keyFrame(0))
	buf.Append(interFrame(40))
	buf.Append(interFrame(80))
	buf.Append(interFrame(120)) // flushes the window

	waitFor(t, func() bool { return len(tr.sentTags()) >= 4 }, "frames never sent")
	sent := tr.sentTags()

	wantDeltas := []uint32{0, 0, 40, 40} // header, first frame, then per-frame distance
	for i, want := range wantDeltas {
		if sent[i].delta != want {
			t.Errorf("send %d: delta got %d, want %d", i, sent[i].delta, want)
		}
	}
}

func TestSessionFailsAfterRetryBudget(t *testing.T) {
	t.Parallel()
	buf := buffer.New(buffer.Config{WindowSize: 1})
	tr := &fakeTransport{connectErr: errors.New("no route to host")}
	rec := &eventRecorder{}
	s := newTestSession(tr, buf, rec)

	err := s.Run(context.Background())
	if err == nil {
		t.Fatal("Run should return the terminal error")
	}
	if got := s.State(); got != StateFailed {
		t.Errorf("state: got %v, want failed", got)
	}
	if got := tr.connectCount(); got != DefaultReconnectAttempts {
		t.Errorf("connect attempts: got %d, want %d", got, DefaultReconnectAttempts)
	}
	if got := rec.errorCount(ErrCodeReconnectTimeout); got != 1 {
		t.Errorf("reconnect-timeout errors: got %d, want exactly 1", got)
	}
}

func TestSessionResendsHeadersAfterReconnect(t *testing.T) {
	t.Parallel()
	buf := buffer.New(buffer.Config{WindowSize: 1})
	tr := &fakeTransport{sendErrAt: 3} // header and keyframe pass, next send breaks
	s := newTestSession(tr, buf, nil)

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()
	defer func() { s.Stop(); <-done }()
	waitFor(t, func() bool { return s.State() == StatePublishing }, "session never started publishing")

	buf.Append(keyFrame(0))
	buf.Append(interFrame(40)) // this send breaks the connection
	buf.Append(keyFrame(80))
	buf.Append(interFrame(120))
	buf.Append(interFrame(160)) // flushes the window

	waitFor(t, func() bool { return tr.connectCount() >= 2 }, "session never reconnected")
	waitFor(t, func() bool {
		headers := 0
		for _, tag := range tr.sentTags() {
			if tag.isSequenceHeader() {
				headers++
			}
		}
		return headers == 2
	}, "sequence header not re-sent on the new connection")
}

func TestSessionStopInterruptsBackoff(t *testing.T) {
	t.Parallel()
	buf := buffer.New(buffer.Config{WindowSize: 1})
	tr := &fakeTransport{connectErr: errors.New("no route to host")}
	s := NewSession(SessionConfig{
		Endpoint:          "rtmp://example.invalid/live/key",
		Info:              testInfo,
		ReconnectInterval: time.Hour,
		Logger:            discardLogger(),
	}, tr, buf, nil)

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()
	waitFor(t, func() bool { return s.State() == StateReconnecting }, "session never entered reconnecting")

	s.Stop()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run after Stop: got %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not interrupt the reconnect backoff")
	}
	if got := s.State(); got != StateStopped {
		t.Errorf("state: got %v, want stopped", got)
	}
}

// blockingTransport models a transport whose writes ignore context and only
// return once the connection is torn down, like a TCP write under
// backpressure.
type blockingTransport struct {
	fakeTransport
	entered   chan struct{}
	release   chan struct{}
	closeOnce sync.Once
}

func newBlockingTransport() *blockingTransport {
	return &blockingTransport{
		entered: make(chan struct{}, 16),
		release: make(chan struct{}),
	}
}

func (b *blockingTransport) Send(ctx context.Context, tag []byte, kind media.Kind, deltaMs uint32) error {
	b.entered <- struct{}{}
	<-b.release
	return errors.New("use of closed network connection")
}

func (b *blockingTransport) Close() error {
	b.closeOnce.Do(func() { close(b.release) })
	return b.fakeTransport.Close()
}

func TestSessionStopClosesInflightSend(t *testing.T) {
	t.Parallel()
	buf := buffer.New(buffer.Config{WindowSize: 1})
	tr := newBlockingTransport()
	s := newTestSession(tr, buf, nil)

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()
	waitFor(t, func() bool { return s.State() == StatePublishing }, "session never started publishing")

	buf.Append(keyFrame(0))
	buf.Append(interFrame(40)) // flushes the window

	select {
	case <-tr.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("drain never reached the transport")
	}

	s.Stop()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run after Stop: got %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not unblock the in-flight send")
	}
	if got := s.State(); got != StateStopped {
		t.Errorf("state: got %v, want stopped", got)
	}
}

// stalledTransport accepts the connection but parks every send until the
// context is cancelled, so frames pile up in the buffer.
type stalledTransport struct {
	fakeTransport
}

func (s *stalledTransport) Send(ctx context.Context, tag []byte, kind media.Kind, deltaMs uint32) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestSessionDebugStatsIncludeEvictions(t *testing.T) {
	t.Parallel()
	buf := buffer.New(buffer.Config{WindowSize: 1, Capacity: 2})
	tr := &stalledTransport{}
	rec := &eventRecorder{}
	s := NewSession(SessionConfig{
		Endpoint:          "rtmp://example.invalid/live/key",
		Info:              testInfo,
		ReconnectInterval: time.Millisecond,
		StatsInterval:     5 * time.Millisecond,
		Logger:            discardLogger(),
	}, tr, buf, rec)

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()
	defer func() { s.Stop(); <-done }()
	waitFor(t, func() bool { return s.State() == StatePublishing }, "session never started publishing")

	// The transport is stalled, so these overflow the capacity-2 queue and
	// force evictions.
	for ts := uint64(0); ts < 10; ts++ {
		buf.Append(&media.AudioFrame{Timestamp: ts, Payload: []byte{0x21}})
	}
	evicted := buf.Dropped()
	if evicted == 0 {
		t.Fatal("expected the overflow to evict frames")
	}

	waitFor(t, func() bool {
		d, ok := rec.lastDebug()
		return ok && d.DroppedFrames >= evicted
	}, "evictions never surfaced in a debug snapshot")

	d, _ := rec.lastDebug()
	if d.TotalFrames < d.DroppedFrames {
		t.Errorf("total %d below dropped %d", d.TotalFrames, d.DroppedFrames)
	}
}

func TestSessionFailsFastOnPermanentConnectError(t *testing.T) {
	t.Parallel()
	buf := buffer.New(buffer.Config{WindowSize: 1})
	tr := &fakeTransport{connectErr: fmt.Errorf("%w: no stream name", ErrNoRetry)}
	rec := &eventRecorder{}
	s := newTestSession(tr, buf, rec)

	err := s.Run(context.Background())
	if err == nil {
		t.Fatal("Run should return the terminal error")
	}
	if got := s.State(); got != StateFailed {
		t.Errorf("state: got %v, want failed", got)
	}
	if got := tr.connectCount(); got != 1 {
		t.Errorf("connect attempts: got %d, want 1 (no retries)", got)
	}
	if got := rec.errorCount(ErrCodeConnect); got != 1 {
		t.Errorf("connect errors: got %d, want exactly 1", got)
	}
	if got := rec.errorCount(ErrCodeReconnectTimeout); got != 0 {
		t.Errorf("reconnect-timeout errors: got %d, want 0", got)
	}
}

func TestSessionFlushesDebugStats(t *testing.T) {
	t.Parallel()
	buf := buffer.New(buffer.Config{WindowSize: 1})
	tr := &fakeTransport{}
	rec := &eventRecorder{}
	s := NewSession(SessionConfig{
		Endpoint:          "rtmp://example.invalid/live/key",
		Info:              testInfo,
		ReconnectInterval: time.Millisecond,
		StatsInterval:     5 * time.Millisecond,
		Logger:            discardLogger(),
	}, tr, buf, rec)

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()
	defer func() { s.Stop(); <-done }()

	waitFor(t, func() bool { return rec.debugCount() >= 2 }, "debug stats never flushed")
}
