package tunnel

// relay.go - bidirectional stream pumping between a client connection
// and its upstream.
//
// Each direction runs in its own goroutine.  EOF on one side is
// propagated as a write-side shutdown on the other, so a peer that is
// done sending can still drain the opposite direction (curl-style
// request/response over the tunnel depends on this).

import (
	"context"
	"net"
	"sync"
	"time"

	"gotun/util"
)

// relay pumps bytes both ways until both directions hit EOF or the
// instance is cancelled.  Returns (upstream→client, client→upstream)
// byte counts.
func (in *Instance) relay(client, upstream net.Conn) (bytesIn, bytesOut int64) {
	// Cancellation force-closes both ends to unblock pending reads.
	unhook := context.AfterFunc(in.ctx, func() {
		client.Close()
		upstream.Close()
	})
	defer unhook()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		bytesOut = in.copyHalf(upstream, client, func(n int64) {
			in.eng.registry.AddBytes(in.id, 0, n)
		})
	}()
	go func() {
		defer wg.Done()
		bytesIn = in.copyHalf(client, upstream, func(n int64) {
			in.eng.registry.AddBytes(in.id, n, 0)
		})
	}()
	wg.Wait()
	return bytesIn, bytesOut
}

// copyHalf pumps src into dst until EOF or error, then shuts down the
// write side of dst.  count is called per chunk so the status registry
// sees live totals rather than one lump on close.
func (in *Instance) copyHalf(dst, src net.Conn, count func(int64)) int64 {
	buf := util.GetBuf()
	defer util.PutBuf(buf)

	idle := in.eng.settings.IdleTimeout
	var total int64
	for {
		if idle > 0 {
			src.SetReadDeadline(time.Now().Add(idle)) //nolint:errcheck
		}
		n, rerr := src.Read(*buf)
		if n > 0 {
			if _, werr := dst.Write((*buf)[:n]); werr != nil {
				break
			}
			total += int64(n)
			count(int64(n))
		}
		if rerr != nil {
			break
		}
	}
	util.CloseWriteSide(dst)
	return total
}
