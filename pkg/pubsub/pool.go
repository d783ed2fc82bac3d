package pubsub

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// -----------------------------------------------------------------------------
// Channel pool
// -----------------------------------------------------------------------------

var (
	errPoolClosed = errors.New("channel pool closed")
	errConnClosed = errors.New("amqp connection closed")
)

// ChannelPool keeps a bounded number of publishing channels alive.
// Invariant: len(permits) == idle + borrowed <= capacity.
type ChannelPool struct {
	conn    *amqp.Connection
	idle    chan *amqp.Channel
	permits chan struct{}
	confirm bool

	// held for reading while a channel goes back to idle, so Close never
	// races a send on the closed idle channel
	mu      sync.RWMutex
	closed  atomic.Bool
	newChMu sync.Mutex
}

func NewChannelPool(conn *amqp.Connection, capacity int, confirm bool) *ChannelPool {
	if capacity <= 0 {
		capacity = 16
	}
	return &ChannelPool{
		conn:    conn,
		idle:    make(chan *amqp.Channel, capacity),
		permits: make(chan struct{}, capacity),
		confirm: confirm,
	}
}

func (cp *ChannelPool) Borrow(ctx context.Context, retryDelay time.Duration) (*amqp.Channel, error) {
	if retryDelay <= 0 {
		retryDelay = 50 * time.Millisecond
	}
	for {
		if cp.closed.Load() {
			return nil, errPoolClosed
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case ch, ok := <-cp.idle:
			if !ok {
				return nil, errPoolClosed
			}
			if !ch.IsClosed() {
				return ch, nil
			}
			// dead channel keeps its permit; replace it in place
			_ = SafeClose(ch)
			if nch, err := cp.open(); err == nil {
				return nch, nil
			}
			<-cp.permits
		default:
			if cp.conn.IsClosed() {
				return nil, errConnClosed
			}
			select {
			case cp.permits <- struct{}{}:
				nch, err := cp.open()
				if err == nil {
					return nch, nil
				}
				<-cp.permits
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(retryDelay):
				continue
			}
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retryDelay):
		}
	}
}

func (cp *ChannelPool) Return(ch *amqp.Channel) {
	if ch == nil {
		return
	}
	cp.mu.RLock()
	if !cp.closed.Load() && !ch.IsClosed() {
		select {
		case cp.idle <- ch:
			cp.mu.RUnlock()
			return
		default:
		}
	}
	cp.mu.RUnlock()
	_ = SafeClose(ch)
	cp.release()
}

// Discard drops a borrowed channel that saw a protocol error.
func (cp *ChannelPool) Discard(ch *amqp.Channel) {
	_ = SafeClose(ch)
	cp.release()
}

func (cp *ChannelPool) release() {
	select {
	case <-cp.permits:
	default:
	}
}

func (cp *ChannelPool) Close() {
	cp.mu.Lock()
	if cp.closed.Swap(true) {
		cp.mu.Unlock()
		return
	}
	close(cp.idle)
	cp.mu.Unlock()
	for ch := range cp.idle {
		_ = SafeClose(ch)
		cp.release()
	}
}

func (cp *ChannelPool) open() (*amqp.Channel, error) {
	cp.newChMu.Lock()
	defer cp.newChMu.Unlock()
	if cp.conn.IsClosed() {
		return nil, errConnClosed
	}
	ch, err := cp.conn.Channel()
	if err != nil {
		return nil, err
	}
	if cp.confirm {
		if err := ch.Confirm(false); err != nil {
			_ = SafeClose(ch)
			return nil, err
		}
	}
	return ch, nil
}
