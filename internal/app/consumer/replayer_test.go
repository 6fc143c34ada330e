package consumer

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/5TFG4/Weaver-sub002/internal/domain/schema"
	"github.com/5TFG4/Weaver-sub002/internal/errs"
	"github.com/5TFG4/Weaver-sub002/internal/infra/eventlog"
	"github.com/5TFG4/Weaver-sub002/internal/infra/persistence/memory"
)

func seededLog(t *testing.T, n int) eventlog.Log {
	t.Helper()
	log := eventlog.NewMemoryLog()
	t.Cleanup(log.Close)
	for i := 0; i < n; i++ {
		env := schema.NewEnvelope(schema.EventClockTick, &schema.ClockTick{
			RunID:     "run-replay",
			TS:        time.Date(2024, 3, 1, 10, i, 0, 0, time.UTC),
			Timeframe: schema.Timeframe1m,
			BarIndex:  int64(i),
		})
		if _, err := log.Append(context.Background(), env); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}
	return log
}

func collectSeqs(seqs *[]int64) eventlog.Handler {
	return func(_ context.Context, seq int64, _ *schema.Envelope) error {
		*seqs = append(*seqs, seq)
		return nil
	}
}

func TestResumeFromZeroProcessesEverything(t *testing.T) {
	log := seededLog(t, 5)
	offsets := memory.NewOffsetStore()
	replayer, err := NewReplayer(log, offsets, WithBatchSize(2))
	if err != nil {
		t.Fatalf("NewReplayer: %v", err)
	}

	var seqs []int64
	last, err := replayer.Resume(context.Background(), "audit", collectSeqs(&seqs))
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if last != 5 {
		t.Fatalf("last = %d, want 5", last)
	}
	if len(seqs) != 5 {
		t.Fatalf("handled %d envelopes, want 5", len(seqs))
	}
	for i, seq := range seqs {
		if seq != int64(i+1) {
			t.Fatalf("out of order at %d: %v", i, seqs)
		}
	}
	stored, err := offsets.Get(context.Background(), "audit")
	if err != nil {
		t.Fatalf("Get offset: %v", err)
	}
	if stored != 5 {
		t.Fatalf("stored offset = %d, want 5", stored)
	}
}

func TestResumeStartsAfterStoredOffset(t *testing.T) {
	log := seededLog(t, 5)
	offsets := memory.NewOffsetStore()
	if err := offsets.Set(context.Background(), "audit", 3); err != nil {
		t.Fatalf("seed offset: %v", err)
	}
	replayer, err := NewReplayer(log, offsets)
	if err != nil {
		t.Fatalf("NewReplayer: %v", err)
	}

	var seqs []int64
	last, err := replayer.Resume(context.Background(), "audit", collectSeqs(&seqs))
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if last != 5 {
		t.Fatalf("last = %d, want 5", last)
	}
	if len(seqs) != 2 || seqs[0] != 4 || seqs[1] != 5 {
		t.Fatalf("seqs = %v, want [4 5]", seqs)
	}
}

func TestResumeAtHeadHandlesNothing(t *testing.T) {
	log := seededLog(t, 3)
	offsets := memory.NewOffsetStore()
	if err := offsets.Set(context.Background(), "audit", 3); err != nil {
		t.Fatalf("seed offset: %v", err)
	}
	replayer, err := NewReplayer(log, offsets)
	if err != nil {
		t.Fatalf("NewReplayer: %v", err)
	}

	var seqs []int64
	last, err := replayer.Resume(context.Background(), "audit", collectSeqs(&seqs))
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if last != 3 || len(seqs) != 0 {
		t.Fatalf("last = %d, handled = %v", last, seqs)
	}
}

func TestResumeRecoversAfterHandlerCrash(t *testing.T) {
	log := seededLog(t, 5)
	offsets := memory.NewOffsetStore()
	replayer, err := NewReplayer(log, offsets, WithBatchSize(2))
	if err != nil {
		t.Fatalf("NewReplayer: %v", err)
	}

	boom := errors.New("consumer crashed")
	var firstPass []int64
	last, err := replayer.Resume(context.Background(), "audit", func(_ context.Context, seq int64, _ *schema.Envelope) error {
		if seq == 4 {
			return boom
		}
		firstPass = append(firstPass, seq)
		return nil
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected handler error, got %v", err)
	}
	if last != 3 {
		t.Fatalf("last committed = %d, want 3", last)
	}
	stored, _ := offsets.Get(context.Background(), "audit")
	if stored != 3 {
		t.Fatalf("stored offset = %d, want 3", stored)
	}

	// The failed envelope is redelivered on the next resume.
	var secondPass []int64
	last, err = replayer.Resume(context.Background(), "audit", collectSeqs(&secondPass))
	if err != nil {
		t.Fatalf("second Resume: %v", err)
	}
	if last != 5 {
		t.Fatalf("last = %d, want 5", last)
	}
	if len(secondPass) != 2 || secondPass[0] != 4 || secondPass[1] != 5 {
		t.Fatalf("second pass = %v, want [4 5]", secondPass)
	}
}

func TestResumeSurfacesCommitFailure(t *testing.T) {
	log := seededLog(t, 3)
	offsets := &flakyOffsets{inner: memory.NewOffsetStore(), failSeq: 2}
	replayer, err := NewReplayer(log, offsets)
	if err != nil {
		t.Fatalf("NewReplayer: %v", err)
	}

	var seqs []int64
	last, err := replayer.Resume(context.Background(), "audit", collectSeqs(&seqs))
	if err == nil {
		t.Fatal("expected commit failure")
	}
	if last != 1 {
		t.Fatalf("last committed = %d, want 1", last)
	}
	// The handler saw envelope 2 before the commit failed; redelivery is the
	// documented contract.
	if len(seqs) != 2 {
		t.Fatalf("handled = %v", seqs)
	}
}

func TestReplayDoesNotTouchOffsets(t *testing.T) {
	log := seededLog(t, 5)
	offsets := memory.NewOffsetStore()
	replayer, err := NewReplayer(log, offsets, WithBatchSize(3))
	if err != nil {
		t.Fatalf("NewReplayer: %v", err)
	}

	var seqs []int64
	last, err := replayer.Replay(context.Background(), 2, collectSeqs(&seqs))
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if last != 5 {
		t.Fatalf("last = %d, want 5", last)
	}
	if len(seqs) != 3 || seqs[0] != 3 {
		t.Fatalf("seqs = %v, want [3 4 5]", seqs)
	}
	stored, _ := offsets.Get(context.Background(), "anyone")
	if stored != 0 {
		t.Fatalf("Replay committed an offset: %d", stored)
	}
}

func TestResumeStopsOnCancelledContext(t *testing.T) {
	log := seededLog(t, 5)
	offsets := memory.NewOffsetStore()
	replayer, err := NewReplayer(log, offsets, WithBatchSize(1))
	if err != nil {
		t.Fatalf("NewReplayer: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	var handled int
	last, err := replayer.Resume(ctx, "audit", func(context.Context, int64, *schema.Envelope) error {
		handled++
		cancel()
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context error, got %v", err)
	}
	if handled != 1 || last != 1 {
		t.Fatalf("handled = %d, last = %d", handled, last)
	}
}

func TestReplayerValidatesInputs(t *testing.T) {
	log := seededLog(t, 1)
	offsets := memory.NewOffsetStore()

	if _, err := NewReplayer(nil, offsets); errs.CodeOf(err) != errs.CodeInvalid {
		t.Fatalf("nil source: %v", err)
	}
	if _, err := NewReplayer(log, nil); errs.CodeOf(err) != errs.CodeInvalid {
		t.Fatalf("nil offsets: %v", err)
	}

	replayer, err := NewReplayer(log, offsets)
	if err != nil {
		t.Fatalf("NewReplayer: %v", err)
	}
	if _, err := replayer.Resume(context.Background(), "  ", collectSeqs(&[]int64{})); errs.CodeOf(err) != errs.CodeInvalid {
		t.Fatalf("blank consumer: %v", err)
	}
	if _, err := replayer.Resume(context.Background(), "audit", nil); errs.CodeOf(err) != errs.CodeInvalid {
		t.Fatalf("nil handler: %v", err)
	}
	if _, err := replayer.Replay(context.Background(), 0, nil); errs.CodeOf(err) != errs.CodeInvalid {
		t.Fatalf("nil replay handler: %v", err)
	}
}

type flakyOffsets struct {
	inner   *memory.OffsetStore
	failSeq int64
}

func (f *flakyOffsets) Get(ctx context.Context, consumer string) (int64, error) {
	return f.inner.Get(ctx, consumer)
}

func (f *flakyOffsets) Set(ctx context.Context, consumer string, seq int64) error {
	if seq == f.failSeq {
		return fmt.Errorf("offset store down at %d", seq)
	}
	return f.inner.Set(ctx, consumer, seq)
}
