// Package testing provides helpers for tests that run goroutines or wait
// for asynchronous effects (probes landing, events arriving, servers
// stopping).
//
// t.Fatal must not be called from a goroutine other than the test's own:
// it exits only that goroutine and the test hangs or passes silently.
// GoroutineTest collects errors from worker goroutines and reports them
// from the test goroutine instead.
package testing

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

// =============================================================================
// Error Channel Pattern
// =============================================================================

// GoroutineTest runs functions in goroutines and reports their errors
// from Wait.
//
//	gt := ptesting.NewGoroutineTest(t, 5*time.Second)
//	defer gt.Wait()
//
//	gt.GoWithContext(func(ctx context.Context) error {
//	    return app.Run(ctx)
//	})
type GoroutineTest struct {
	t      testing.TB
	wg     sync.WaitGroup
	mu     sync.Mutex
	errs   []error
	ctx    context.Context
	cancel context.CancelFunc
}

// NewGoroutineTest creates a GoroutineTest whose context expires after
// timeout. A zero timeout never expires.
func NewGoroutineTest(t testing.TB, timeout time.Duration) *GoroutineTest {
	ctx, cancel := context.WithCancel(context.Background())
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), timeout)
	}
	return &GoroutineTest{t: t, ctx: ctx, cancel: cancel}
}

// Go runs fn in a goroutine and records its error.
func (gt *GoroutineTest) Go(fn func() error) {
	gt.GoWithContext(func(context.Context) error { return fn() })
}

// GoWithContext runs fn with the test context in a goroutine.
func (gt *GoroutineTest) GoWithContext(fn func(ctx context.Context) error) {
	gt.wg.Add(1)
	go func() {
		defer gt.wg.Done()
		if err := fn(gt.ctx); err != nil {
			gt.mu.Lock()
			gt.errs = append(gt.errs, err)
			gt.mu.Unlock()
		}
	}()
}

// Context returns the context handed to GoWithContext functions.
func (gt *GoroutineTest) Context() context.Context {
	return gt.ctx
}

// Cancel cancels the context, signaling goroutines to stop.
func (gt *GoroutineTest) Cancel() {
	gt.cancel()
}

// Wait cancels the context, waits for every goroutine and fails the test
// if any returned an error.
func (gt *GoroutineTest) Wait() {
	gt.t.Helper()
	gt.cancel()
	gt.wg.Wait()

	gt.mu.Lock()
	defer gt.mu.Unlock()
	if len(gt.errs) > 0 {
		for i, err := range gt.errs {
			gt.t.Errorf("goroutine error [%d]: %v", i+1, err)
		}
		gt.t.FailNow()
	}
}

// Errors returns the errors collected so far.
func (gt *GoroutineTest) Errors() []error {
	gt.mu.Lock()
	defer gt.mu.Unlock()
	return append([]error(nil), gt.errs...)
}

// =============================================================================
// Waiting
// =============================================================================

// Eventually polls condition every interval until it returns true or
// timeout passes.
func Eventually(timeout, interval time.Duration, condition func() bool) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return nil
		}
		time.Sleep(interval)
	}
	if condition() {
		return nil
	}
	return fmt.Errorf("condition not met within %v", timeout)
}

// WaitFor fails the test if condition does not hold within timeout.
func WaitFor(t testing.TB, timeout time.Duration, what string, condition func() bool) {
	t.Helper()
	if err := Eventually(timeout, 10*time.Millisecond, condition); err != nil {
		t.Fatalf("waiting for %s: %v", what, err)
	}
}

// WithTimeout runs fn and returns its error, or a timeout error if it
// does not finish in time. fn keeps running after a timeout.
func WithTimeout(timeout time.Duration, fn func() error) error {
	done := make(chan error, 1)

	go func() {
		done <- fn()
	}()

	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		return fmt.Errorf("operation timed out after %v", timeout)
	}
}
