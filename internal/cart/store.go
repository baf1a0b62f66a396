package cart

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	pingTimeout  = 1 * time.Second
	queryTimeout = 3 * time.Second

	// bounded optimistic retries, spaced by jittered exponential backoff
	maxUpdateAttempts = 8
	retryInitial      = 5 * time.Millisecond
	retryMax          = 200 * time.Millisecond
)

var (
	ErrCartNotFound = errors.New("cart not found")
	ErrConflict     = errors.New("cart was modified concurrently")

	// errStale marks an attempt that lost a write race and may be retried.
	errStale = errors.New("stale cart")
)

// Mutation edits c in place. exists is false when the cart is being created;
// returning an error aborts the write.
type Mutation func(c *Cart, exists bool) error

type Store interface {
	Get(ctx context.Context, cartID string) (Cart, bool, error)
	// Update runs fn against the current cart (or a new one) and persists the
	// result atomically with respect to other updates of the same cart.
	Update(ctx context.Context, cartID string, fn Mutation) (Cart, error)
	// Take removes the cart and returns what was stored.
	Take(ctx context.Context, cartID string) (Cart, bool, error)
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

func apply(c *Cart, exists bool, fn Mutation) error {
	if err := fn(c, exists); err != nil {
		return err
	}
	c.Recalculate()
	return nil
}

func withTimeout(parent context.Context, d time.Duration, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(parent, d)
	defer cancel()
	return fn(ctx)
}

// retryStale reruns attempt while it reports errStale. Any other error stops the
// loop; running out of attempts yields ErrConflict.
func retryStale(ctx context.Context, attempt func() (Cart, error)) (Cart, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = retryInitial
	b.MaxInterval = retryMax

	c, err := backoff.Retry(ctx, func() (Cart, error) {
		c, err := attempt()
		if err != nil && !errors.Is(err, errStale) {
			return Cart{}, backoff.Permanent(err)
		}
		return c, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(maxUpdateAttempts))
	if errors.Is(err, errStale) {
		return Cart{}, ErrConflict
	}
	return c, err
}

// cartLocks serializes updates of one cart inside this process. Writers in other
// processes are still caught by the store's own version check.
type cartLocks [64]sync.Mutex

func (l *cartLocks) lock(cartID string) (unlock func()) {
	h := fnv.New32a()
	_, _ = h.Write([]byte(cartID))
	m := &l[h.Sum32()%uint32(len(l))]
	m.Lock()
	return m.Unlock
}
