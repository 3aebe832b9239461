package wire

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

var ErrClientClosed = errors.New("wire: client closed")

// Client is a pipelined connection to the master. Safe for concurrent use.
type Client struct {
	conn     net.Conn
	maxFrame int

	nextID atomic.Uint64
	wmu    sync.Mutex

	mu      sync.Mutex
	pending map[uint64]chan Frame
	err     error
	done    chan struct{}
}

// Dial connects to the master's wire listener.
func Dial(ctx context.Context, addr string, maxFrame int) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return NewClient(conn, maxFrame), nil
}

// NewClient takes ownership of conn.
func NewClient(conn net.Conn, maxFrame int) *Client {
	c := &Client{
		conn:     conn,
		maxFrame: maxFrame,
		pending:  make(map[uint64]chan Frame),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *Client) LocalAddr() string {
	return c.conn.LocalAddr().String()
}

func (c *Client) Close() error {
	err := c.conn.Close()
	<-c.done
	return err
}

// Done is closed once the connection is gone.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// RegisterServer registers location and returns the assigned identity.
// Master-side failures come back as *mastererr.Error.
func (c *Client) RegisterServer(ctx context.Context, location string) (RegisterResult, error) {
	payload, err := EncodeRegisterRequest(location)
	if err != nil {
		return RegisterResult{}, err
	}
	resp, err := c.Call(ctx, CommandRegisterServer, payload)
	if err != nil {
		return RegisterResult{}, err
	}
	return DecodeRegisterResponse(resp)
}

// Call sends one request and waits for the matching response payload.
func (c *Client) Call(ctx context.Context, command uint32, payload []byte) ([]byte, error) {
	id := c.nextID.Add(1)
	ch := make(chan Frame, 1)

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return nil, err
	}
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	c.wmu.Lock()
	if dl, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(dl)
	} else {
		_ = c.conn.SetWriteDeadline(time.Time{})
	}
	err := WriteFrame(c.conn, Frame{Header: Header{Command: command, RequestID: id}, Payload: payload})
	c.wmu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}

	return c.await(ctx, ch)
}

func (c *Client) await(ctx context.Context, ch <-chan Frame) ([]byte, error) {
	select {
	case f := <-ch:
		return f.Payload, nil
	case <-c.done:
		// readLoop hands a response over before it closes done
		select {
		case f := <-ch:
			return f.Payload, nil
		default:
			return nil, c.closeErr()
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) closeErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		f, err := ReadFrame(c.conn, c.maxFrame)
		if err != nil {
			c.mu.Lock()
			c.err = fmt.Errorf("%w: %v", ErrClientClosed, err)
			c.mu.Unlock()
			return
		}

		c.mu.Lock()
		ch, ok := c.pending[f.RequestID]
		c.mu.Unlock()
		if ok {
			select {
			case ch <- f:
			default:
			}
		}
	}
}
