package shard

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/dreamware/mcasgo/internal/backend"
	"github.com/dreamware/mcasgo/internal/index"
	"github.com/dreamware/mcasgo/internal/proto"
)

func (s *Shard) handleInfoRequest(h *Handler, raw []byte) error {
	req, err := unmarshalBody[proto.InfoRequest](raw)
	if err != nil {
		return s.post(h, proto.TypeInfoResponse, proto.InfoResponse{Status: proto.StatusInval})
	}
	pool := backend.PoolID(req.PoolID)

	switch req.Type {
	case proto.InfoFindKey:
		return s.startFindKey(h, pool, req)
	case proto.InfoGetStats:
		return s.postStats(h)
	case proto.InfoAttribute:
		return s.getAttribute(h, pool, req)
	default:
		return s.post(h, proto.TypeInfoResponse, proto.InfoResponse{Status: proto.StatusBadParam})
	}
}

// startFindKey is §4.7 FIND_KEY: requires a configured index, and answers
// asynchronously through the task list (§4.6) rather than in this call.
func (s *Shard) startFindKey(h *Handler, pool backend.PoolID, req proto.InfoRequest) error {
	idx, ok := s.indexes[pool]
	if !ok {
		return s.post(h, proto.TypeInfoResponse, proto.InfoResponse{Status: proto.StatusNoIndex})
	}
	s.tasks = append(s.tasks, newKeyFindTask(h, 0, idx, req.KeyOrExpr, "", index.FindExact))
	return nil
}

func (s *Shard) postStats(h *Handler) error {
	return s.post(h, proto.TypeStats, s.Stats())
}

// getAttribute is §4.7's attribute forwarding: COUNT and VALUE_LEN go
// straight to the backend; CRC32 is computed locally by locking the
// value shared and hashing it, since no backend in this module reports
// it natively.
func (s *Shard) getAttribute(h *Handler, pool backend.PoolID, req proto.InfoRequest) error {
	if req.Attribute == proto.AttrCRC32 {
		lr, err := s.store.Lock(pool, req.KeyOrExpr, backend.LockShared, 0)
		if err != nil {
			return s.post(h, proto.TypeInfoResponse, proto.InfoResponse{Status: mapLockError(err)})
		}
		value, err := s.store.Get(pool, req.KeyOrExpr)
		unlockErr := s.store.Unlock(pool, lr.Handle, false)
		if err != nil {
			return s.post(h, proto.TypeInfoResponse, proto.InfoResponse{Status: mapLockError(err)})
		}
		if unlockErr != nil {
			return &FatalError{Msg: "get_attribute crc32: unlock: " + unlockErr.Error()}
		}
		sum := crc32.ChecksumIEEE(value)
		return s.post(h, proto.TypeInfoResponse, proto.InfoResponse{Status: proto.StatusOK, Value: encodeUint32(sum)})
	}

	val, err := s.store.GetAttribute(pool, req.Attribute, req.KeyOrExpr)
	if err != nil {
		return s.post(h, proto.TypeInfoResponse, proto.InfoResponse{Status: mapLockError(err)})
	}
	return s.post(h, proto.TypeInfoResponse, proto.InfoResponse{Status: proto.StatusOK, Value: encodeUint64(val)})
}

func encodeUint32(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

func encodeUint64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}
