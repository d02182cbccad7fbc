package rpcwin

import "github.com/vmihailenco/msgpack/v5"

// codec carries window messages as msgpack instead of protobuf.
type codec struct{}

func (codec) Marshal(v any) ([]byte, error)      { return msgpack.Marshal(v) }
func (codec) Unmarshal(data []byte, v any) error { return msgpack.Unmarshal(data, v) }
func (codec) Name() string                       { return "msgpack" }

// LockRequest addresses one rank's exposure on behalf of a client session.
// It is used by Lock and Unlock.
type LockRequest struct {
	Rank    int32  `msgpack:"rank"`
	Session string `msgpack:"session"`
}

type LockReply struct{}

type GetRequest struct {
	Rank    int32  `msgpack:"rank"`
	Session string `msgpack:"session"`
	Offset  uint64 `msgpack:"offset"`
	Length  uint64 `msgpack:"length"`
}

type GetReply struct {
	Data []byte `msgpack:"data"`
}
