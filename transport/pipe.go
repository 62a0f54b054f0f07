package transport

import (
	"context"
	"sync"
)

// Pipe returns two connected in-memory transports. A frame sent on one end is delivered
// to the other end's OnMessage callback. Queues are unbounded, so a handler that sends in
// response to a frame never deadlocks against its peer.
func Pipe() (Transport, Transport) {
	a, b := newPipeEnd(), newPipeEnd()
	a.peer, b.peer = b, a
	return a, b
}

type pipeEnd struct {
	callbacks
	peer *pipeEnd

	qmu      sync.Mutex
	queue    [][]byte
	peerGone bool
	wake     chan struct{} // Capacity 1, signals the deliver loop
}

func newPipeEnd() *pipeEnd {
	return &pipeEnd{wake: make(chan struct{}, 1)}
}

func (p *pipeEnd) Send(ctx context.Context, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.isClosed() {
		return ErrClosed
	}
	p.qmu.Lock()
	gone := p.peerGone
	p.qmu.Unlock()
	if gone {
		return ErrPeerClosed
	}
	return p.peer.enqueue(append([]byte(nil), frame...))
}

func (p *pipeEnd) enqueue(frame []byte) error {
	if p.isClosed() {
		return ErrPeerClosed
	}
	p.qmu.Lock()
	p.queue = append(p.queue, frame)
	p.qmu.Unlock()
	p.signal()
	return nil
}

func (p *pipeEnd) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *pipeEnd) OnMessage(fn func([]byte)) {
	if p.setMessage(fn) {
		go p.deliver()
	}
}

func (p *pipeEnd) OnClose(fn func(error)) {
	p.setClose(fn)
}

// deliver drains the queue in order. After the peer is gone it still delivers what was
// already queued, then reports ErrPeerClosed.
func (p *pipeEnd) deliver() {
	for {
		if p.isClosed() {
			return
		}
		p.qmu.Lock()
		if len(p.queue) > 0 {
			frame := p.queue[0]
			p.queue = p.queue[1:]
			p.qmu.Unlock()
			if fn := p.message(); fn != nil {
				fn(frame)
			}
			continue
		}
		gone := p.peerGone
		p.qmu.Unlock()
		if gone {
			p.finish(ErrPeerClosed)
			return
		}
		<-p.wake
	}
}

func (p *pipeEnd) remoteGone() {
	p.qmu.Lock()
	p.peerGone = true
	p.qmu.Unlock()

	p.mu.Lock()
	started := p.started
	p.mu.Unlock()
	if started {
		p.signal()
		return
	}
	p.finish(ErrPeerClosed)
}

func (p *pipeEnd) Close() error {
	if !p.finish(nil) {
		return nil
	}
	p.qmu.Lock()
	p.queue = nil
	p.qmu.Unlock()
	p.signal()
	p.peer.remoteGone()
	return nil
}
