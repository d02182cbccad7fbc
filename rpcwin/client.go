package rpcwin

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/sbl8/stagestream/comm"
)

// ErrExclusive is returned when an exclusive lock is requested; the service
// only grants shared locks.
var ErrExclusive = errors.New("rpcwin: exclusive locks not supported")

// Client talks to a window server. One client is one lock session.
type Client struct {
	conn    *grpc.ClientConn
	session string
}

// Dial connects to a window server. Extra options are applied after the
// defaults, so callers may override the transport credentials or dialer.
func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(codec{})),
	}, opts...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("rpcwin: dial %s: %w", target, err)
	}
	return &Client{conn: conn, session: uuid.NewString()}, nil
}

// Close releases the connection.
func (c *Client) Close() error { return c.conn.Close() }

func (c *Client) Lock(ctx context.Context, rank int) error {
	in := &LockRequest{Rank: int32(rank), Session: c.session}
	return mapError(c.conn.Invoke(ctx, methodLock, in, new(LockReply)))
}

func (c *Client) Get(ctx context.Context, rank int, offset, length uint64) ([]byte, error) {
	in := &GetRequest{Rank: int32(rank), Session: c.session, Offset: offset, Length: length}
	out := new(GetReply)
	if err := c.conn.Invoke(ctx, methodGet, in, out); err != nil {
		return nil, mapError(err)
	}
	return out.Data, nil
}

func (c *Client) Unlock(ctx context.Context, rank int) error {
	in := &LockRequest{Rank: int32(rank), Session: c.session}
	return mapError(c.conn.Invoke(ctx, methodUnlock, in, new(LockReply)))
}

func mapError(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.OutOfRange:
		return fmt.Errorf("%w: %s", comm.ErrWindowRange, st.Message())
	case codes.FailedPrecondition:
		return fmt.Errorf("%w: %s", comm.ErrNotLocked, st.Message())
	}
	return err
}

// Window returns a comm.Window whose data path goes through the server
// while creation and Free stay collective on inner.
func (c *Client) Window(inner comm.Window) comm.Window {
	return &remoteWindow{c: c, inner: inner}
}

// Opener returns a window opener for stream readers: it joins the
// collective window creation with no local exposure and routes gets
// through c.
func (c *Client) Opener() func(context.Context, comm.Comm) (comm.Window, error) {
	return func(ctx context.Context, stream comm.Comm) (comm.Window, error) {
		w, err := stream.CreateWindow(ctx, nil)
		if err != nil {
			return nil, err
		}
		return c.Window(w), nil
	}
}

type remoteWindow struct {
	c     *Client
	inner comm.Window
}

func (w *remoteWindow) Lock(ctx context.Context, mode comm.LockMode, rank int) error {
	if mode != comm.LockShared {
		return ErrExclusive
	}
	return w.c.Lock(ctx, rank)
}

func (w *remoteWindow) Get(ctx context.Context, dst []byte, rank int, offset uint64) error {
	data, err := w.c.Get(ctx, rank, offset, uint64(len(dst)))
	if err != nil {
		return err
	}
	if len(data) != len(dst) {
		return fmt.Errorf("%w: got %d bytes, want %d", comm.ErrWindowRange, len(data), len(dst))
	}
	copy(dst, data)
	return nil
}

func (w *remoteWindow) Unlock(ctx context.Context, rank int) error {
	return w.c.Unlock(ctx, rank)
}

func (w *remoteWindow) Free(ctx context.Context) error {
	return w.inner.Free(ctx)
}
