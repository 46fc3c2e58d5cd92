// Package ratelimit bounds how fast resources are consumed.
//
// The transport uses a limiter keyed by agent ID so one flooding client
// cannot drown the bus for everyone else; over-limit frames are dropped with
// a warning rather than evicting the connection.
//
// MemoryLimiter is a local token bucket:
//
//	limiter := ratelimit.NewMemoryLimiter()
//	limiter.SetCapacity("vision", 100, time.Second) // 100 messages/second
//	if !limiter.TryAcquire("vision") {
//	    // over limit, drop the frame
//	}
//
// DistributedLimiter layers bus coordination on top: a capacity reduction
// announced by any process is applied by all of them, then recovered
// gradually once the pressure passes.
package ratelimit
