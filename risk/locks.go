package risk

import "sync"

// clientLocks serializes the read-modify-write cycle of each client's
// statistics. A slow store only holds up requests of the same client.
type clientLocks struct {
	mu    sync.Mutex
	locks map[string]*clientLock
}

type clientLock struct {
	sync.Mutex
	refs int
}

func newClientLocks() *clientLocks {
	return &clientLocks{locks: make(map[string]*clientLock)}
}

// lock blocks until client is free and returns the matching unlock.
func (c *clientLocks) lock(client string) func() {
	c.mu.Lock()
	cl, ok := c.locks[client]
	if !ok {
		cl = &clientLock{}
		c.locks[client] = cl
	}
	cl.refs++
	c.mu.Unlock()

	cl.Lock()
	return func() {
		cl.Unlock()
		c.mu.Lock()
		if cl.refs--; cl.refs == 0 {
			delete(c.locks, client)
		}
		c.mu.Unlock()
	}
}

func (c *clientLocks) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.locks)
}
