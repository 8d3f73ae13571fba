package proxy

import (
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// CopyBidirectional relays bytes verbatim between left and right until
// either side closes or the context is canceled. The two connections are
// owned jointly: the first EOF or error on either direction closes both,
// so no exit path leaves a socket open and unowned. Returns the total
// bytes relayed in both directions.
func CopyBidirectional(ctx context.Context, left, right net.Conn) (int64, error) {
	g := &errgroup.Group{}

	var closeOnce sync.Once
	closeBoth := func() {
		closeOnce.Do(func() {
			_ = left.Close()
			_ = right.Close()
		})
	}
	defer closeBoth()

	var total atomic.Int64

	g.Go(func() error {
		n, err := io.Copy(left, right)
		total.Add(n)
		closeBoth()
		return err
	})

	g.Go(func() error {
		n, err := io.Copy(right, left)
		total.Add(n)
		closeBoth()
		return err
	})

	// If the context is canceled, close both sides to unblock Copy.
	stop := context.AfterFunc(ctx, closeBoth)
	defer stop()

	err := g.Wait()
	return total.Load(), err
}
