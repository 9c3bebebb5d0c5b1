// Package retry bounds the fraction of requests that a route table
// generation may retry, so that retries cannot amplify an outage into a
// storm. One Budget is minted per published generation and discarded
// with it.
package retry

import (
	"sync/atomic"
	"time"

	"github.com/meshproxy/routepolicy/pkg/policy"
)

// Budget tracks the ratio of retried-to-total requests over a trailing
// time window of one-second buckets. Every attempt entering the
// pipeline deposits into the window; a granted retry withdraws from it.
//
// The contract: a retry is granted when the window has seen fewer than
// MinRetriesPerSecond x window retries (the small-sample allowance), or
// when granting it keeps the window's retries-to-requests ratio at or
// below RetryRatio. Counters are approximate under concurrency; only
// bounded staleness is guaranteed.
type Budget struct {
	ratio      float64
	minRetries int64 // free retries per window
	window     int64 // seconds
	now        func() time.Time

	buckets []bucket
}

type bucket struct {
	second   atomic.Int64
	requests atomic.Int64
	retries  atomic.Int64
}

// NewBudget builds a budget from a compiled table's parameters.
func NewBudget(params policy.BudgetParams) *Budget {
	return newBudget(params, time.Now)
}

func newBudget(params policy.BudgetParams, now func() time.Time) *Budget {
	window := int64(params.TTL / time.Second)
	if window < 1 {
		window = 1
	}
	return &Budget{
		ratio:      float64(params.RetryRatio),
		minRetries: int64(params.MinRetriesPerSecond) * window,
		window:     window,
		now:        now,
		buckets:    make([]bucket, window),
	}
}

// Record counts one request attempt against the current window.
func (b *Budget) Record() {
	b.slot(b.now().Unix()).requests.Add(1)
}

// Withdraw attempts to spend one retry. It reports whether the budget
// permits the retry, and counts it if so.
func (b *Budget) Withdraw() bool {
	sec := b.now().Unix()
	requests, retries := b.totals(sec)
	granted := retries < b.minRetries ||
		(requests > 0 && float64(retries+1)/float64(requests) <= b.ratio)
	if !granted {
		budgetThrottled.Inc()
		return false
	}
	b.slot(sec).retries.Add(1)
	return true
}

// slot returns the bucket for the given second, resetting it if it last
// held an older second. A concurrent writer may slip a count into a
// bucket as it is reset; the loss is bounded by one bucket.
func (b *Budget) slot(sec int64) *bucket {
	bk := &b.buckets[sec%int64(len(b.buckets))]
	if s := bk.second.Load(); s != sec {
		if bk.second.CompareAndSwap(s, sec) {
			bk.requests.Store(0)
			bk.retries.Store(0)
		}
	}
	return bk
}

func (b *Budget) totals(sec int64) (requests, retries int64) {
	oldest := sec - b.window + 1
	for i := range b.buckets {
		bk := &b.buckets[i]
		if s := bk.second.Load(); s >= oldest && s <= sec {
			requests += bk.requests.Load()
			retries += bk.retries.Load()
		}
	}
	return requests, retries
}
