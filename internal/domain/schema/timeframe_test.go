package schema

import (
	"testing"
	"time"
)

func ts(value string) time.Time {
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		panic(err)
	}
	return t.UTC()
}

func TestTimeframeTruncate(t *testing.T) {
	cases := []struct {
		tf   Timeframe
		in   string
		want string
	}{
		{Timeframe1m, "2024-03-05T10:17:42Z", "2024-03-05T10:17:00Z"},
		{Timeframe5m, "2024-03-05T10:17:42Z", "2024-03-05T10:15:00Z"},
		{Timeframe15m, "2024-03-05T10:17:42Z", "2024-03-05T10:15:00Z"},
		{Timeframe30m, "2024-03-05T10:17:42Z", "2024-03-05T10:00:00Z"},
		{Timeframe1h, "2024-03-05T10:17:42Z", "2024-03-05T10:00:00Z"},
		{Timeframe4h, "2024-03-05T10:17:42Z", "2024-03-05T08:00:00Z"},
		{Timeframe1d, "2024-03-05T10:17:42Z", "2024-03-05T00:00:00Z"},
		{Timeframe1h, "2024-03-05T10:00:00Z", "2024-03-05T10:00:00Z"},
	}
	for _, tc := range cases {
		got := tc.tf.Truncate(ts(tc.in))
		if !got.Equal(ts(tc.want)) {
			t.Errorf("%s.Truncate(%s) = %s, want %s", tc.tf, tc.in, got, tc.want)
		}
	}
}

func TestTimeframeNextIsStrictlyAfter(t *testing.T) {
	boundary := ts("2024-03-05T10:00:00Z")
	next := Timeframe1h.Next(boundary)
	if !next.Equal(ts("2024-03-05T11:00:00Z")) {
		t.Fatalf("Next on a boundary must advance a full bar, got %s", next)
	}
	mid := ts("2024-03-05T10:30:00Z")
	if got := Timeframe1h.Next(mid); !got.Equal(ts("2024-03-05T11:00:00Z")) {
		t.Fatalf("Next mid-bar = %s, want 11:00", got)
	}
}

func TestTimeframeAligned(t *testing.T) {
	if !Timeframe4h.Aligned(ts("2024-03-05T16:00:00Z")) {
		t.Fatal("16:00 UTC must align for 4h")
	}
	if Timeframe4h.Aligned(ts("2024-03-05T17:00:00Z")) {
		t.Fatal("17:00 UTC must not align for 4h")
	}
	if !Timeframe1d.Aligned(ts("2024-03-05T00:00:00Z")) {
		t.Fatal("midnight UTC must align for 1d")
	}
}

func TestTimeframeCountHourlyDay(t *testing.T) {
	start := ts("2024-01-01T00:00:00Z")
	end := ts("2024-01-02T00:00:00Z")
	if got := Timeframe1h.Count(start, end); got != 24 {
		t.Fatalf("one day of hourly ticks = %d, want 24", got)
	}
	if got := Timeframe1h.Count(start, start); got != 0 {
		t.Fatalf("empty span must count 0 ticks, got %d", got)
	}
	offGrid := ts("2024-01-01T00:30:00Z")
	if got := Timeframe1h.Count(offGrid, end); got != 23 {
		t.Fatalf("off-grid start must count 23 ticks, got %d", got)
	}
}

func TestParseTimeframe(t *testing.T) {
	if _, err := ParseTimeframe("1h"); err != nil {
		t.Fatalf("1h must parse: %v", err)
	}
	if _, err := ParseTimeframe("7m"); err == nil {
		t.Fatal("7m must be rejected")
	}
}
