/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package registry

import (
	"context"
	"math/rand"
	"time"
)

// Backoff is the parameterized retry schedule for Transient/RateLimited
// failures: 1s, 2s, 4s base delays with +-20% jitter, three retries after
// the first call.
type Backoff struct {
	BaseDelay  time.Duration
	MaxRetries int
	Jitter     float64

	// Sleep is overridable so tests can run the schedule in virtual time.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultBackoff matches the schedule named in the registry client spec.
func DefaultBackoff() Backoff {
	return Backoff{
		BaseDelay:  1 * time.Second,
		MaxRetries: 3,
		Jitter:     0.2,
		Sleep:      sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// delay returns the base delay for the given attempt (0-indexed) with
// jitter applied.
func (b Backoff) delay(attempt int) time.Duration {
	base := b.BaseDelay << attempt
	if b.Jitter <= 0 {
		return base
	}
	spread := float64(base) * b.Jitter
	offset := (rand.Float64()*2 - 1) * spread
	d := time.Duration(float64(base) + offset)
	if d < 0 {
		d = 0
	}
	return d
}

// Do invokes fn up to MaxRetries+1 times, retrying only when the returned
// error is a *Error with Retryable() true.
func (b Backoff) Do(ctx context.Context, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= b.MaxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		var rerr *Error
		if !asRegistryError(err, &rerr) || !rerr.Retryable() {
			return err
		}
		if attempt == b.MaxRetries {
			break
		}
		if sleepErr := b.Sleep(ctx, b.delay(attempt)); sleepErr != nil {
			return sleepErr
		}
	}
	return lastErr
}

func asRegistryError(err error, target **Error) bool {
	for err != nil {
		if rerr, ok := err.(*Error); ok {
			*target = rerr
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
