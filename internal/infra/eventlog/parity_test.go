package eventlog

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/5TFG4/Weaver-sub002/internal/domain/schema"
)

// testLogParity runs the behavioral contract against a backend. The
// in-memory log defines reference semantics; the durable log must match.
func testLogParity(t *testing.T, factory func(t *testing.T) Log) {
	t.Helper()

	tickEnvelope := func(runID string, ts time.Time) *schema.Envelope {
		return schema.NewEnvelope(schema.EventClockTick, &schema.ClockTick{
			RunID:     runID,
			TS:        ts.UTC(),
			Timeframe: schema.Timeframe1m,
			BarIndex:  1,
		}, schema.WithRun(runID), schema.WithProducer("clock"))
	}

	t.Run("AppendAssignsMonotonicSeq", func(t *testing.T) {
		log := factory(t)
		defer log.Close()
		ctx := context.Background()

		var last int64
		for i := 0; i < 5; i++ {
			seq, err := log.Append(ctx, tickEnvelope("run-mono", time.Now()))
			if err != nil {
				t.Fatalf("Append() error = %v", err)
			}
			if seq <= last {
				t.Fatalf("seq %d not greater than previous %d", seq, last)
			}
			last = seq
		}
	})

	t.Run("DispatchIsSynchronous", func(t *testing.T) {
		log := factory(t)
		defer log.Close()
		ctx := context.Background()

		delivered := false
		log.Subscribe([]schema.EventType{schema.EventClockTick}, func(context.Context, int64, *schema.Envelope) error {
			delivered = true
			return nil
		})

		if _, err := log.Append(ctx, tickEnvelope("run-sync", time.Now())); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
		if !delivered {
			t.Fatal("subscriber not invoked before Append returned")
		}
	})

	t.Run("SubscriberAppendsCascadeWithinOuterAppend", func(t *testing.T) {
		log := factory(t)
		defer log.Close()
		ctx := context.Background()

		log.Subscribe([]schema.EventType{schema.EventClockTick}, func(ctx context.Context, _ int64, env *schema.Envelope) error {
			derived := env.Caused(schema.EventStrategyFetchWindow, &schema.FetchWindowPayload{
				Symbol:   "BTC/USD",
				EndTS:    env.TS,
				Lookback: 5,
			}, schema.WithProducer("strategy-runner"))
			_, err := log.Append(ctx, derived)
			return err
		}, WithSubscriberName("cascading"))

		var seen []int64
		log.Subscribe([]schema.EventType{schema.WildcardType}, func(_ context.Context, seq int64, _ *schema.Envelope) error {
			seen = append(seen, seq)
			return nil
		}, WithSubscriberName("observer"))

		if _, err := log.Append(ctx, tickEnvelope("run-cascade", time.Now())); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
		if len(seen) != 2 {
			t.Fatalf("observer saw %d envelopes before outer Append returned, want 2", len(seen))
		}
		if seen[0] >= seen[1] {
			t.Fatalf("cascade dispatched out of seq order: %v", seen)
		}
	})

	t.Run("DispatchFollowsRegistrationOrder", func(t *testing.T) {
		log := factory(t)
		defer log.Close()
		ctx := context.Background()

		var order []string
		for _, name := range []string{"first", "second", "third"} {
			name := name
			log.Subscribe([]schema.EventType{schema.EventClockTick}, func(context.Context, int64, *schema.Envelope) error {
				order = append(order, name)
				return nil
			}, WithSubscriberName(name))
		}

		if _, err := log.Append(ctx, tickEnvelope("run-order", time.Now())); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
		want := []string{"first", "second", "third"}
		if len(order) != len(want) {
			t.Fatalf("delivered to %d subscribers, want %d", len(order), len(want))
		}
		for i := range want {
			if order[i] != want[i] {
				t.Fatalf("dispatch order %v, want %v", order, want)
			}
		}
	})

	t.Run("TypeAndWildcardMatching", func(t *testing.T) {
		log := factory(t)
		defer log.Close()
		ctx := context.Background()

		var ticks, everything int
		log.Subscribe([]schema.EventType{schema.EventClockTick}, func(context.Context, int64, *schema.Envelope) error {
			ticks++
			return nil
		})
		log.Subscribe([]schema.EventType{schema.WildcardType}, func(context.Context, int64, *schema.Envelope) error {
			everything++
			return nil
		})

		if _, err := log.Append(ctx, tickEnvelope("run-match", time.Now())); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
		runEnv := schema.NewEnvelope(schema.EventRunCreated, &schema.RunEventPayload{
			RunID:  "run-match",
			Mode:   schema.RunModeBacktest,
			Status: schema.RunStatusPending,
		}, schema.WithRun("run-match"))
		if _, err := log.Append(ctx, runEnv); err != nil {
			t.Fatalf("Append() error = %v", err)
		}

		if ticks != 1 {
			t.Errorf("tick subscriber saw %d envelopes, want 1", ticks)
		}
		if everything != 2 {
			t.Errorf("wildcard subscriber saw %d envelopes, want 2", everything)
		}
	})

	t.Run("RunFilter", func(t *testing.T) {
		log := factory(t)
		defer log.Close()
		ctx := context.Background()

		var mine int
		log.Subscribe([]schema.EventType{schema.EventClockTick}, func(context.Context, int64, *schema.Envelope) error {
			mine++
			return nil
		}, WithRunFilter("run-a"))

		if _, err := log.Append(ctx, tickEnvelope("run-a", time.Now())); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
		if _, err := log.Append(ctx, tickEnvelope("run-b", time.Now())); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
		if mine != 1 {
			t.Errorf("filtered subscriber saw %d envelopes, want 1", mine)
		}
	})

	t.Run("SubscriberErrorIsIsolated", func(t *testing.T) {
		log := factory(t)
		defer log.Close()
		ctx := context.Background()

		var after int
		log.Subscribe([]schema.EventType{schema.EventClockTick}, func(context.Context, int64, *schema.Envelope) error {
			return fmt.Errorf("boom")
		}, WithSubscriberName("failing"))
		log.Subscribe([]schema.EventType{schema.EventClockTick}, func(context.Context, int64, *schema.Envelope) error {
			after++
			return nil
		}, WithSubscriberName("healthy"))

		seq, err := log.Append(ctx, tickEnvelope("run-iso", time.Now()))
		if err != nil {
			t.Fatalf("Append() error = %v, want success despite subscriber failure", err)
		}
		if seq == 0 {
			t.Fatal("expected assigned seq")
		}
		if after != 1 {
			t.Errorf("subscriber after failing one saw %d envelopes, want 1", after)
		}
	})

	t.Run("UnsubscribeStopsDeliveryAndIsIdempotent", func(t *testing.T) {
		log := factory(t)
		defer log.Close()
		ctx := context.Background()

		var seen int
		id := log.Subscribe([]schema.EventType{schema.EventClockTick}, func(context.Context, int64, *schema.Envelope) error {
			seen++
			return nil
		})
		if _, err := log.Append(ctx, tickEnvelope("run-unsub", time.Now())); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
		log.Unsubscribe(id)
		log.Unsubscribe(id)
		if _, err := log.Append(ctx, tickEnvelope("run-unsub", time.Now())); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
		if seen != 1 {
			t.Errorf("subscriber saw %d envelopes after unsubscribe, want 1", seen)
		}
	})

	t.Run("ReadFromPagesCommittedRecords", func(t *testing.T) {
		log := factory(t)
		defer log.Close()
		ctx := context.Background()

		var seqs []int64
		for i := 0; i < 5; i++ {
			seq, err := log.Append(ctx, tickEnvelope("run-read", time.Now().Add(time.Duration(i)*time.Minute)))
			if err != nil {
				t.Fatalf("Append() error = %v", err)
			}
			seqs = append(seqs, seq)
		}

		records, err := log.ReadFrom(ctx, 0, 3)
		if err != nil {
			t.Fatalf("ReadFrom() error = %v", err)
		}
		if len(records) != 3 {
			t.Fatalf("ReadFrom returned %d records, want 3", len(records))
		}
		for i, rec := range records {
			if rec.Seq != seqs[i] {
				t.Errorf("record %d seq = %d, want %d", i, rec.Seq, seqs[i])
			}
		}

		rest, err := log.ReadFrom(ctx, records[2].Seq, 100)
		if err != nil {
			t.Fatalf("ReadFrom() error = %v", err)
		}
		if len(rest) != 2 {
			t.Fatalf("ReadFrom after seq %d returned %d records, want 2", records[2].Seq, len(rest))
		}
		if rest[0].Seq != seqs[3] || rest[1].Seq != seqs[4] {
			t.Errorf("tail seqs = [%d %d], want [%d %d]", rest[0].Seq, rest[1].Seq, seqs[3], seqs[4])
		}
	})

	t.Run("EnvelopeFieldsSurviveTheLog", func(t *testing.T) {
		log := factory(t)
		defer log.Close()
		ctx := context.Background()

		parent := tickEnvelope("run-round", time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC))
		child := parent.Caused(schema.EventStrategyFetchWindow, &schema.FetchWindowPayload{
			Symbol:   "AAPL",
			EndTS:    time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
			Lookback: 20,
		}, schema.WithProducer("strategy-runner"))

		if _, err := log.Append(ctx, parent); err != nil {
			t.Fatalf("Append(parent) error = %v", err)
		}
		childSeq, err := log.Append(ctx, child)
		if err != nil {
			t.Fatalf("Append(child) error = %v", err)
		}

		records, err := log.ReadFrom(ctx, childSeq-1, 1)
		if err != nil {
			t.Fatalf("ReadFrom() error = %v", err)
		}
		if len(records) != 1 {
			t.Fatalf("ReadFrom returned %d records, want 1", len(records))
		}
		got := records[0].Envelope
		if got.ID != child.ID {
			t.Errorf("id = %q, want %q", got.ID, child.ID)
		}
		if got.CorrID != parent.CorrID {
			t.Errorf("corr_id = %q, want parent's %q", got.CorrID, parent.CorrID)
		}
		if got.CausationID != parent.ID {
			t.Errorf("causation_id = %q, want parent id %q", got.CausationID, parent.ID)
		}
		payload, ok := got.Payload.(*schema.FetchWindowPayload)
		if !ok {
			t.Fatalf("payload type = %T, want *schema.FetchWindowPayload", got.Payload)
		}
		if payload.Symbol != "AAPL" || payload.Lookback != 20 {
			t.Errorf("payload = %+v", payload)
		}
	})

	t.Run("ConcurrentAppendsPreserveSubscriberSeqOrder", func(t *testing.T) {
		log := factory(t)
		defer log.Close()
		ctx := context.Background()

		var mu sync.Mutex
		var seen []int64
		log.Subscribe([]schema.EventType{schema.WildcardType}, func(_ context.Context, seq int64, _ *schema.Envelope) error {
			mu.Lock()
			seen = append(seen, seq)
			mu.Unlock()
			return nil
		})

		var wg sync.WaitGroup
		for g := 0; g < 4; g++ {
			wg.Add(1)
			go func(g int) {
				defer wg.Done()
				for i := 0; i < 10; i++ {
					if _, err := log.Append(ctx, tickEnvelope(fmt.Sprintf("run-conc-%d", g), time.Now())); err != nil {
						t.Errorf("Append() error = %v", err)
						return
					}
				}
			}(g)
		}
		wg.Wait()

		mu.Lock()
		defer mu.Unlock()
		if len(seen) != 40 {
			t.Fatalf("subscriber saw %d envelopes, want 40", len(seen))
		}
		for i := 1; i < len(seen); i++ {
			if seen[i] <= seen[i-1] {
				t.Fatalf("subscriber observed seq %d after %d", seen[i], seen[i-1])
			}
		}
	})

	t.Run("InvalidEnvelopeRejectedWithoutDispatch", func(t *testing.T) {
		log := factory(t)
		defer log.Close()
		ctx := context.Background()

		var seen int
		log.Subscribe([]schema.EventType{schema.WildcardType}, func(context.Context, int64, *schema.Envelope) error {
			seen++
			return nil
		})

		if _, err := log.Append(ctx, nil); err == nil {
			t.Error("expected error for nil envelope")
		}
		bad := schema.NewEnvelope(schema.EventClockTick, &schema.RunEventPayload{})
		if _, err := log.Append(ctx, bad); err == nil {
			t.Error("expected error for mismatched payload type")
		}
		if seen != 0 {
			t.Errorf("subscriber saw %d envelopes from rejected appends", seen)
		}
	})

	t.Run("Healthy", func(t *testing.T) {
		log := factory(t)
		defer log.Close()
		if err := log.Healthy(context.Background()); err != nil {
			t.Fatalf("Healthy() error = %v", err)
		}
	})
}
