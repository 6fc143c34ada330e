package schema

import (
	"time"

	"github.com/5TFG4/Weaver-sub002/internal/errs"
)

// Timeframe is a bar size. Boundaries align to UTC: minute frames at the
// matching minute marks, 1h at :00:00, 4h at 00/04/08/12/16/20, 1d at
// midnight. All alignment math is integer arithmetic on Unix seconds.
type Timeframe string

const (
	Timeframe1m  Timeframe = "1m"
	Timeframe5m  Timeframe = "5m"
	Timeframe15m Timeframe = "15m"
	Timeframe30m Timeframe = "30m"
	Timeframe1h  Timeframe = "1h"
	Timeframe4h  Timeframe = "4h"
	Timeframe1d  Timeframe = "1d"
)

var timeframeSeconds = map[Timeframe]int64{
	Timeframe1m:  60,
	Timeframe5m:  5 * 60,
	Timeframe15m: 15 * 60,
	Timeframe30m: 30 * 60,
	Timeframe1h:  60 * 60,
	Timeframe4h:  4 * 60 * 60,
	Timeframe1d:  24 * 60 * 60,
}

// ParseTimeframe validates a timeframe string.
func ParseTimeframe(raw string) (Timeframe, error) {
	tf := Timeframe(raw)
	if !tf.Valid() {
		return "", errs.Invalid("timeframe", "unknown timeframe "+raw)
	}
	return tf, nil
}

// Valid reports whether the timeframe is one of the recognized sizes.
func (tf Timeframe) Valid() bool {
	_, ok := timeframeSeconds[tf]
	return ok
}

// Seconds returns the bar length in seconds.
func (tf Timeframe) Seconds() int64 {
	return timeframeSeconds[tf]
}

// Duration returns the bar length.
func (tf Timeframe) Duration() time.Duration {
	return time.Duration(tf.Seconds()) * time.Second
}

// Truncate returns the bar boundary at or before t.
func (tf Timeframe) Truncate(t time.Time) time.Time {
	step := tf.Seconds()
	if step == 0 {
		return t.UTC()
	}
	secs := t.Unix()
	return time.Unix(secs-secs%step, 0).UTC()
}

// Next returns the first bar boundary strictly after t.
func (tf Timeframe) Next(t time.Time) time.Time {
	return tf.Truncate(t).Add(tf.Duration())
}

// Aligned reports whether t sits exactly on a bar boundary.
func (tf Timeframe) Aligned(t time.Time) bool {
	return tf.Valid() && t.Unix()%tf.Seconds() == 0 && t.Nanosecond() == 0
}

// Count returns how many bar starts lie at or after start and strictly
// before end. This is the number of ticks a backtest clock emits for the
// span.
func (tf Timeframe) Count(start, end time.Time) int64 {
	if !tf.Valid() || !end.After(start) {
		return 0
	}
	first := tf.Truncate(start)
	if first.Before(start) {
		first = first.Add(tf.Duration())
	}
	if !first.Before(end) {
		return 0
	}
	step := tf.Seconds()
	return (end.Unix() - first.Unix() + step - 1) / step
}
