package scan

import "context"

// sessionPool is a fixed-capacity freelist of scanner sessions. Native
// engine sessions are not safe for concurrent use, so a scan call owns a
// session exclusively between acquire and release. Acquire blocks while
// all sessions are busy.
//
// A broken session is discarded by returning its slot empty; the next
// acquire of that slot redials.
type sessionPool struct {
	slots chan *clamdSession
	dial  func() (*clamdSession, error)
}

func newSessionPool(size int, dial func() (*clamdSession, error)) *sessionPool {
	return &sessionPool{
		slots: make(chan *clamdSession, size),
		dial:  dial,
	}
}

// acquire takes a session, blocking until one is free or ctx is done.
// An empty slot (from a previously discarded session) is redialed here;
// if the redial fails the slot stays empty and the error is returned.
func (p *sessionPool) acquire(ctx context.Context) (*clamdSession, error) {
	select {
	case s := <-p.slots:
		if s != nil {
			return s, nil
		}
		s, err := p.dial()
		if err != nil {
			p.slots <- nil
			return nil, err
		}
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// release returns a healthy session to the pool.
func (p *sessionPool) release(s *clamdSession) {
	p.slots <- s
}

// discard returns the slot without the session. The caller closes the
// broken session itself.
func (p *sessionPool) discard() {
	p.slots <- nil
}

// drain empties the pool and returns the remaining live sessions. Blocks
// until every slot has been returned, so it must only be called once no
// scans are in flight.
func (p *sessionPool) drain() []*clamdSession {
	live := make([]*clamdSession, 0, cap(p.slots))
	for i := 0; i < cap(p.slots); i++ {
		if s := <-p.slots; s != nil {
			live = append(live, s)
		}
	}
	return live
}
