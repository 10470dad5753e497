package model

import (
	"fmt"
	"time"
)

type Source string

type Counters map[string]int64

func (c Counters) Clone() Counters {
	if c == nil {
		return nil
	}
	out := make(Counters, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

func (c Counters) Get(metric string) int64 {
	if c == nil {
		return 0
	}
	return c[metric]
}

func (c Counters) Add(other Counters) {
	for k, v := range other {
		c[k] += v
	}
}

func (c Counters) Total() int64 {
	var sum int64
	for _, v := range c {
		sum += v
	}
	return sum
}

type Snapshot struct {
	Source     Source    `json:"source"`
	Counters   Counters  `json:"counters"`
	ReceivedAt time.Time `json:"received_at"`
	Topic      string    `json:"topic,omitempty"`
}

type CommittedRecord struct {
	ID          int64     `json:"id"`
	Source      Source    `json:"source"`
	RecordedAt  time.Time `json:"recorded_at"`
	CommittedAt time.Time `json:"committed_at"`
	Metrics     Counters  `json:"metrics"`
}

type Trigger string

const (
	TriggerScheduled Trigger = "scheduled"
	TriggerManual    Trigger = "manual"
	TriggerWarmup    Trigger = "warmup"
)

type Outcome string

const (
	OutcomeCommitted       Outcome = "committed"
	OutcomeNothingToCommit Outcome = "nothing_to_commit"
	OutcomeNoSnapshot      Outcome = "no_snapshot"
	OutcomeFailed          Outcome = "failed"
)

type Run struct {
	ID               string        `json:"id"`
	Source           Source        `json:"source"`
	Trigger          Trigger       `json:"trigger"`
	StartedAt        time.Time     `json:"started_at"`
	Duration         time.Duration `json:"duration"`
	Outcome          Outcome       `json:"outcome"`
	RecordID         int64         `json:"record_id,omitempty"`
	Committed        Counters      `json:"committed,omitempty"`
	Baseline         Counters      `json:"baseline,omitempty"`
	BaselineDegraded bool          `json:"baseline_degraded,omitempty"`
	Shared           bool          `json:"shared,omitempty"`
	Error            string        `json:"error,omitempty"`
}

type Bucket string

const (
	BucketHour  Bucket = "hour"
	BucketDay   Bucket = "day"
	BucketWeek  Bucket = "week"
	BucketMonth Bucket = "month"
)

func ParseBucket(s string) (Bucket, bool) {
	switch Bucket(s) {
	case BucketHour, BucketDay, BucketWeek, BucketMonth:
		return Bucket(s), true
	case "":
		return BucketDay, true
	}
	return "", false
}

func (b Bucket) Label(t time.Time) string {
	t = t.UTC()
	switch b {
	case BucketHour:
		return t.Format("2006-01-02 15:00")
	case BucketWeek:
		year, week := t.ISOWeek()
		return fmt.Sprintf("%04d-W%02d", year, week)
	case BucketMonth:
		return t.Format("2006-01")
	default:
		return t.Format("2006-01-02")
	}
}

type BucketTotal struct {
	Bucket  string   `json:"bucket"`
	Metrics Counters `json:"metrics"`
}
