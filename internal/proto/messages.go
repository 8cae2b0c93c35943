package proto

// TypeID tags the kind of message carried in an Envelope, used for
// cast-by-tag dispatch in the shard's main loop instead of runtime type
// assertions (§9 design note).
type TypeID uint8

const (
	TypePoolRequest TypeID = iota + 1
	TypePoolResponse
	TypeIORequest
	TypeIOResponse
	TypeAdoRequest
	TypePutAdoRequest
	TypeAdoResponse
	TypeInfoRequest
	TypeInfoResponse
	TypeStats
)

// PoolOp enumerates §6 pool operations.
type PoolOp uint8

const (
	PoolOpCreate PoolOp = iota + 1
	PoolOpOpen
	PoolOpClose
	PoolOpDelete
)

// IOOp enumerates §6 IO operations.
type IOOp uint8

const (
	IOOpPut IOOp = iota + 1
	IOOpGet
	IOOpErase
	IOOpPutAdvance
	IOOpPutLocate
	IOOpPutRelease
	IOOpGetLocate
	IOOpGetRelease
	IOOpLocate
	IOOpRelease
	IOOpReleaseWithFlush
	IOOpConfigure
)

// Flags are bitwise OR-able request modifiers (§6).
type Flags uint32

const (
	FlagsNone          Flags = 0
	FlagDontStomp      Flags = 1 << 0
	FlagCreateOnly     Flags = 1 << 1
	FlagAdoCreateOnly  Flags = 1 << 2
	FlagAdoReadOnly    Flags = 1 << 3
	FlagAdoDetached    Flags = 1 << 4
	FlagAdoNoOverwrite Flags = 1 << 5
)

func (f Flags) Has(bit Flags) bool { return f&bit != 0 }

// InfoType enumerates §4.7/§6 INFO request kinds.
type InfoType uint8

const (
	InfoFindKey InfoType = iota + 1
	InfoGetStats
	InfoAttribute
)

// Attribute mirrors the subset of IKVStore::Attribute the shard forwards or
// computes itself (§4.7, §6).
type Attribute uint8

const (
	AttrCount Attribute = iota + 1
	AttrValueLen
	AttrCRC32
)

// PoolRequest is the §6 POOL_REQUEST body.
type PoolRequest struct {
	Op            PoolOp
	Name          string
	Size          uint64
	Flags         Flags
	ExpectedCount uint64
	PoolID        uint64 // used for CLOSE/DELETE-by-id
}

// PoolResponse is the §6 POOL_RESPONSE body.
type PoolResponse struct {
	Status Status
	PoolID uint64
}

// IORequest is the §6 IO_REQUEST body. Not all fields apply to every Op;
// see §4.3 for which combination each op reads.
type IORequest struct {
	Op        IOOp
	PoolID    uint64
	RequestID uint64
	Flags     Flags
	Key       string
	Value     []byte
	Addr      uint64 // for *_RELEASE by key
	Offset    uint64 // for LOCATE/RELEASE by offset
	Size      uint64
	ConfigCmd string // for CONFIGURE
}

// LocateElement is one scatter-gather element of a direct-transfer response.
type LocateElement struct {
	Addr uint64
	Len  uint64
}

// IOResponse is the §6 IO_RESPONSE body. InlineData carries GET's inline
// fast path; Addr/RKey/SGList carry the direct paths.
type IOResponse struct {
	Status      Status
	RequestID   uint64
	Addr        uint64
	RKey        uint64
	DataLen     uint64
	InlineData  []byte
	SGList      []LocateElement
	ExcessLen   uint64
}

// AdoRequest is the §6 ADO_REQUEST body (plain invocation).
type AdoRequest struct {
	PoolID      uint64
	RequestID   uint64
	Flags       Flags
	Key         string
	RequestBody []byte
	Async       bool
}

// PutAdoRequest is the §6 PUT_ADO_REQUEST body (invocation that also
// delivers a value).
type PutAdoRequest struct {
	AdoRequest
	Value      []byte
	RootValLen uint64
}

// AdoResponse is the §6 ADO_RESPONSE body.
type AdoResponse struct {
	Status          Status
	RequestID       uint64
	ResponseBuffers [][]byte
}

// InfoRequest is the §6 INFO_REQUEST body.
type InfoRequest struct {
	Type       InfoType
	PoolID     uint64
	KeyOrExpr  string
	Offset     uint64
	Attribute  Attribute
}

// InfoResponse is the §6 INFO_RESPONSE body.
type InfoResponse struct {
	Status Status
	Value  []byte
}

// StatsSnapshot is the §6 STATS body, the shard's counters structure.
type StatsSnapshot struct {
	PutCount             uint64
	GetCount             uint64
	EraseCount           uint64
	OpFailedRequestCount uint64
	AdoRequestCount      uint64
	OpenPoolCount        int
}
