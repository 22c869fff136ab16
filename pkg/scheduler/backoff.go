package scheduler

import (
	"math/rand"
	"time"

	retry "github.com/avast/retry-go/v4"
)

const (
	backoffBase = time.Second
	backoffCap  = time.Hour
)

// fullJitter returns a delay drawn uniformly from
// [0, min(cap, base*2^n)], which spreads concurrent retries instead of
// synchronizing them.
func fullJitter(n uint) time.Duration {
	ceiling := backoffCap
	if n < 62 {
		if exp := backoffBase << n; exp < ceiling {
			ceiling = exp
		}
	}
	return time.Duration(rand.Int63n(int64(ceiling) + 1))
}

// FullJitterDelay is a retry-go DelayType implementing full-jittered
// exponential backoff.
func FullJitterDelay(n uint, err error, config *retry.Config) time.Duration {
	return fullJitter(n)
}
