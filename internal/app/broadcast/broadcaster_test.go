package broadcast

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/5TFG4/Weaver-sub002/internal/app/consumer"
	"github.com/5TFG4/Weaver-sub002/internal/domain/schema"
	"github.com/5TFG4/Weaver-sub002/internal/errs"
	"github.com/5TFG4/Weaver-sub002/internal/infra/eventlog"
	"github.com/5TFG4/Weaver-sub002/internal/infra/persistence/memory"
)

func newBroadcaster(t *testing.T, opts ...Option) (*Broadcaster, eventlog.Log) {
	t.Helper()
	log := eventlog.NewMemoryLog()
	t.Cleanup(log.Close)
	replayer, err := consumer.NewReplayer(log, memory.NewOffsetStore())
	if err != nil {
		t.Fatalf("NewReplayer: %v", err)
	}
	b, err := New(log, replayer, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := b.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	t.Cleanup(b.Close)
	return b, log
}

func appendTick(t *testing.T, log eventlog.Log, runID string, idx int) int64 {
	t.Helper()
	env := schema.NewEnvelope(schema.EventClockTick, &schema.ClockTick{
		RunID:     runID,
		TS:        time.Date(2024, 3, 1, 10, idx, 0, 0, time.UTC),
		Timeframe: schema.Timeframe1m,
		BarIndex:  int64(idx),
	}, schema.WithRun(runID))
	seq, err := log.Append(context.Background(), env)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	return seq
}

type sseFrame struct {
	id    string
	event string
	data  string
}

// readFrame consumes lines until a complete non-comment frame is assembled.
func readFrame(t *testing.T, r *bufio.Reader) sseFrame {
	t.Helper()
	var f sseFrame
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "":
			if f.id != "" || f.event != "" || f.data != "" {
				return f
			}
		case strings.HasPrefix(line, ":"), strings.HasPrefix(line, "retry:"):
			// comments and the reconnect hint carry no frame fields
		case strings.HasPrefix(line, "id: "):
			f.id = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "event: "):
			f.event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			f.data = strings.TrimPrefix(line, "data: ")
		}
	}
}

func openStream(t *testing.T, url string, headers map[string]string) (*bufio.Reader, func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		cancel()
		t.Fatalf("new request: %v", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		cancel()
		t.Fatalf("connect: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		cancel()
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		cancel()
		t.Fatalf("content type = %q", ct)
	}
	return bufio.NewReader(resp.Body), func() {
		cancel()
		_ = resp.Body.Close()
	}
}

func waitClients(t *testing.T, b *Broadcaster, want int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if b.ClientCount() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("client count never reached %d (now %d)", want, b.ClientCount())
}

type envelopeHead struct {
	Type  string `json:"type"`
	RunID string `json:"run_id"`
}

func decodeHead(t *testing.T, data string) envelopeHead {
	t.Helper()
	var head envelopeHead
	if err := json.Unmarshal([]byte(data), &head); err != nil {
		t.Fatalf("data field is not an envelope: %v\n%s", err, data)
	}
	return head
}

func TestStreamDeliversEnvelopes(t *testing.T) {
	b, log := newBroadcaster(t)
	srv := httptest.NewServer(b)
	t.Cleanup(srv.Close)

	reader, done := openStream(t, srv.URL, nil)
	defer done()
	waitClients(t, b, 1)

	appendTick(t, log, "run-a", 0)
	appendTick(t, log, "run-a", 1)

	first := readFrame(t, reader)
	if first.id != "1" || first.event != string(schema.EventClockTick) {
		t.Fatalf("unexpected frame: %+v", first)
	}
	head := decodeHead(t, first.data)
	if head.Type != string(schema.EventClockTick) || head.RunID != "run-a" {
		t.Fatalf("unexpected envelope head: %+v", head)
	}

	second := readFrame(t, reader)
	if second.id != "2" {
		t.Fatalf("frames out of order: %+v", second)
	}
}

func TestStreamFiltersByRunID(t *testing.T) {
	b, log := newBroadcaster(t)
	srv := httptest.NewServer(b)
	t.Cleanup(srv.Close)

	reader, done := openStream(t, srv.URL+"?run_id=run-b", nil)
	defer done()
	waitClients(t, b, 1)

	appendTick(t, log, "run-a", 0)
	wantSeq := appendTick(t, log, "run-b", 1)

	frame := readFrame(t, reader)
	if frame.id != "2" {
		t.Fatalf("frame id = %q, want %d", frame.id, wantSeq)
	}
	if head := decodeHead(t, frame.data); head.RunID != "run-b" {
		t.Fatalf("filter leaked run %q", head.RunID)
	}
}

func TestResumeReplaysMissedFrames(t *testing.T) {
	b, log := newBroadcaster(t)
	srv := httptest.NewServer(b)
	t.Cleanup(srv.Close)

	for i := 0; i < 3; i++ {
		appendTick(t, log, "run-a", i)
	}

	reader, done := openStream(t, srv.URL, map[string]string{"Last-Event-ID": "1"})
	defer done()

	first := readFrame(t, reader)
	second := readFrame(t, reader)
	if first.id != "2" || second.id != "3" {
		t.Fatalf("replayed ids = %q, %q; want 2, 3", first.id, second.id)
	}

	waitClients(t, b, 1)
	appendTick(t, log, "run-a", 3)
	live := readFrame(t, reader)
	if live.id != "4" {
		t.Fatalf("live id = %q, want 4", live.id)
	}
}

func TestRejectsMalformedLastEventID(t *testing.T) {
	b, _ := newBroadcaster(t)
	srv := httptest.NewServer(b)
	t.Cleanup(srv.Close)

	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Last-Event-ID", "not-a-seq")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestKeepAliveCommentsFlow(t *testing.T) {
	b, _ := newBroadcaster(t, WithKeepAlive(15*time.Millisecond))
	srv := httptest.NewServer(b)
	t.Cleanup(srv.Close)

	reader, done := openStream(t, srv.URL, nil)
	defer done()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if strings.HasPrefix(line, ":") {
			return
		}
	}
	t.Fatal("no keep-alive comment observed")
}

func TestCloseEndsStreams(t *testing.T) {
	b, _ := newBroadcaster(t)
	srv := httptest.NewServer(b)
	t.Cleanup(srv.Close)

	reader, done := openStream(t, srv.URL, nil)
	defer done()
	waitClients(t, b, 1)

	b.Close()

	// The stream ends once the client channel closes; reading drains the
	// retry hint and then hits the response end.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := reader.ReadString('\n'); err != nil {
			return
		}
	}
	t.Fatal("stream did not end after Close")
}

func TestSlowClientLosesFramesNotTheLog(t *testing.T) {
	b, _ := newBroadcaster(t, WithBuffer(1))

	c, err := b.attach("")
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	defer b.detach(c)

	// Nothing reads c.ch, so only the first frame fits; the rest drop
	// without blocking the fan-out.
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		for i := 0; i < 5; i++ {
			b.fanOut(frame{seq: int64(i + 1), typ: schema.EventClockTick})
		}
	}()
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("fan-out blocked on a full client buffer")
	}
	if got := len(c.ch); got != 1 {
		t.Fatalf("buffered frames = %d, want 1", got)
	}
}

func TestNewValidatesInputs(t *testing.T) {
	log := eventlog.NewMemoryLog()
	t.Cleanup(log.Close)
	replayer, err := consumer.NewReplayer(log, memory.NewOffsetStore())
	if err != nil {
		t.Fatalf("NewReplayer: %v", err)
	}

	if _, err := New(nil, replayer); errs.CodeOf(err) != errs.CodeInvalid {
		t.Fatalf("nil log: %v", err)
	}
	if _, err := New(log, nil); errs.CodeOf(err) != errs.CodeInvalid {
		t.Fatalf("nil replayer: %v", err)
	}

	b, err := New(log, replayer)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := b.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := b.Initialize(); errs.CodeOf(err) != errs.CodeConflict {
		t.Fatalf("double Initialize: %v", err)
	}
	b.Close()
	b.Close()
	if err := b.Initialize(); errs.CodeOf(err) != errs.CodeConflict {
		t.Fatalf("Initialize after Close: %v", err)
	}
}
