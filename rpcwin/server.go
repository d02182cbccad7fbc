// Package rpcwin serves writer step buffers to readers in other processes.
//
// A Server holds one exposure per writer stream rank. Readers take a shared
// lock on a rank, read byte ranges from it and unlock, mirroring the
// passive-target window they would use in process. A writer replacing its
// exposure waits until every shared lock on the rank is released.
package rpcwin

import (
	"context"
	"log/slog"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type holderKey struct {
	rank    int32
	session string
}

type exposure struct {
	mu  sync.RWMutex
	buf []byte
}

// Server implements the window service.
type Server struct {
	log *slog.Logger

	mu      sync.Mutex
	ranks   map[int32]*exposure
	holders map[holderKey]int
}

// NewServer creates an empty window server.
func NewServer(log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		log:     log.With("component", "rpcwin"),
		ranks:   make(map[int32]*exposure),
		holders: make(map[holderKey]int),
	}
}

// NewGRPCServer returns a grpc.Server speaking the window codec with s
// registered on it.
func NewGRPCServer(s *Server, opts ...grpc.ServerOption) *grpc.Server {
	opts = append([]grpc.ServerOption{grpc.ForceServerCodec(codec{})}, opts...)
	g := grpc.NewServer(opts...)
	g.RegisterService(&serviceDesc, s)
	return g
}

func (s *Server) exposure(rank int32, create bool) *exposure {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.ranks[rank]
	if e == nil && create {
		e = &exposure{}
		s.ranks[rank] = e
	}
	return e
}

// Expose publishes buf as rank's window memory. It blocks while readers
// hold the rank locked.
func (s *Server) Expose(rank int, buf []byte) {
	e := s.exposure(int32(rank), true)
	e.mu.Lock()
	e.buf = buf
	e.mu.Unlock()
	s.log.Debug("exposed", "rank", rank, "bytes", len(buf))
}

// Withdraw removes rank's window memory.
func (s *Server) Withdraw(rank int) {
	if e := s.exposure(int32(rank), false); e != nil {
		e.mu.Lock()
		e.buf = nil
		e.mu.Unlock()
	}
}

func (s *Server) Lock(ctx context.Context, in *LockRequest) (*LockReply, error) {
	e := s.exposure(in.Rank, false)
	if e == nil {
		return nil, status.Errorf(codes.NotFound, "rank %d exposes nothing", in.Rank)
	}
	if err := ctx.Err(); err != nil {
		return nil, status.FromContextError(err).Err()
	}
	e.mu.RLock()
	s.mu.Lock()
	s.holders[holderKey{in.Rank, in.Session}]++
	s.mu.Unlock()
	return &LockReply{}, nil
}

func (s *Server) held(k holderKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.holders[k] > 0
}

func (s *Server) Get(_ context.Context, in *GetRequest) (*GetReply, error) {
	if !s.held(holderKey{in.Rank, in.Session}) {
		return nil, status.Errorf(codes.FailedPrecondition, "rank %d not locked by session %s", in.Rank, in.Session)
	}
	e := s.exposure(in.Rank, false)
	end := in.Offset + in.Length
	if end < in.Offset || end > uint64(len(e.buf)) {
		return nil, status.Errorf(codes.OutOfRange, "rank %d exposes %d bytes, want [%d,%d)", in.Rank, len(e.buf), in.Offset, end)
	}
	return &GetReply{Data: append([]byte(nil), e.buf[in.Offset:end]...)}, nil
}

func (s *Server) Unlock(_ context.Context, in *LockRequest) (*LockReply, error) {
	k := holderKey{in.Rank, in.Session}
	s.mu.Lock()
	if s.holders[k] == 0 {
		s.mu.Unlock()
		return nil, status.Errorf(codes.FailedPrecondition, "rank %d not locked by session %s", in.Rank, in.Session)
	}
	s.holders[k]--
	if s.holders[k] == 0 {
		delete(s.holders, k)
	}
	e := s.ranks[in.Rank]
	s.mu.Unlock()
	e.mu.RUnlock()
	return &LockReply{}, nil
}
