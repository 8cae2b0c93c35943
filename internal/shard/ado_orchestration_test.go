package shard

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dreamware/mcasgo/internal/ado"
	"github.com/dreamware/mcasgo/internal/backend/memstore"
	"github.com/dreamware/mcasgo/internal/fabric"
	"github.com/dreamware/mcasgo/internal/proto"
)

// newAdoTestRig is newTestRig's counterpart with ADO enabled: every pool
// created through it bootstraps a fakeAdoProxy, reachable via mgr.Lookup.
func newAdoTestRig(t *testing.T) (*testRig, *fakeAdoManager) {
	t.Helper()
	fab := fabric.NewLoopbackEndpoint()
	client, shardSide := fab.Dial()
	mgr := newFakeAdoManager()

	cfg := Config{AdoPlugins: []string{"fake.so"}}
	s := New(cfg, memstore.New(), fab, mgr, nil, nil)

	rig := &testRig{t: t, shard: s, client: client, shardSide: shardSide, runErr: make(chan error, 1)}
	go func() { rig.runErr <- s.Run() }()
	return rig, mgr
}

func TestValidateAdoFlagsRejectsDetachedWithNoOverwrite(t *testing.T) {
	cases := []struct {
		name  string
		flags proto.Flags
		want  proto.Status
	}{
		{"neither flag", proto.FlagsNone, proto.StatusOK},
		{"detached alone", proto.FlagAdoDetached, proto.StatusOK},
		{"no-overwrite alone", proto.FlagAdoNoOverwrite, proto.StatusOK},
		{"both flags", proto.FlagAdoDetached | proto.FlagAdoNoOverwrite, proto.StatusInval},
		{"both flags plus read-only", proto.FlagAdoDetached | proto.FlagAdoNoOverwrite | proto.FlagAdoReadOnly, proto.StatusInval},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := validateAdoFlags(c.flags); got != c.want {
				t.Errorf("validateAdoFlags(%v) = %v, want %v", c.flags, got, c.want)
			}
		})
	}
}

// TestAdoRequestCreateOnlyRefusesExistingKey drives the CREATE_ONLY branch
// of doAdoInvoke against a key preloaded by a plain PUT: the request must
// be refused with E_ALREADY_EXISTS and the "ADO!ALREADY_EXISTS" body,
// without ever reaching the ADO proxy.
func TestAdoRequestCreateOnlyRefusesExistingKey(t *testing.T) {
	rig, mgr := newAdoTestRig(t)
	defer rig.stop()

	poolID := rig.createPool("p1", 1<<20, 100)

	_, raw := rig.roundTrip(proto.TypeIORequest, proto.IORequest{
		Op: proto.IOOpPut, PoolID: uint64(poolID), Key: "k", Value: []byte("v"), RequestID: 1,
	})
	var putResp proto.IOResponse
	require.NoError(t, json.Unmarshal(raw, &putResp))
	require.Equal(t, proto.StatusOK, putResp.Status)

	_, raw = rig.roundTrip(proto.TypeAdoRequest, proto.AdoRequest{
		PoolID: uint64(poolID), Key: "k", Flags: proto.FlagAdoCreateOnly, RequestID: 2,
	})
	var adoResp proto.AdoResponse
	require.NoError(t, json.Unmarshal(raw, &adoResp))
	require.Equal(t, proto.StatusAlreadyExists, adoResp.Status)
	require.Equal(t, [][]byte{[]byte("ADO!ALREADY_EXISTS")}, adoResp.ResponseBuffers)

	proxy, ok := mgr.Lookup(uint64(poolID))
	require.True(t, ok)
	require.Empty(t, proxy.(*fakeAdoProxy).invokes, "CREATE_ONLY on an existing key must not invoke the ADO")
}

// TestPutAdoRequestDetachedAllocatesPayload drives the DETACHED branch of
// doAdoInvoke: the root key is locked and created zero-filled at
// root_val_len, a separate pool-memory allocation sized round_up(value_len,
// 8) is made, and the value together with the allocation's address and
// length reach the ADO's Invoke call; the value is not copied into the
// allocation.
// On completion, the root lock is released and the root key reads back as
// the zero-filled value doAdoInvoke created it with.
func TestPutAdoRequestDetachedAllocatesPayload(t *testing.T) {
	rig, mgr := newAdoTestRig(t)
	defer rig.stop()

	poolID := rig.createPool("p1", 1<<20, 100)

	value := make([]byte, 257)
	for i := range value {
		value[i] = byte(i)
	}

	wire, err := proto.Encode(proto.TypePutAdoRequest, proto.PutAdoRequest{
		AdoRequest: proto.AdoRequest{PoolID: uint64(poolID), Key: "root", Flags: proto.FlagAdoDetached, RequestID: 1},
		Value:      value,
		RootValLen: 64,
	})
	require.NoError(t, err)
	require.NoError(t, rig.client.Post(wire))

	proxy, ok := mgr.Lookup(uint64(poolID))
	require.True(t, ok)
	fake := proxy.(*fakeAdoProxy)

	require.Eventually(t, func() bool {
		return fake.lastWorkID() > 0
	}, 2*time.Second, 5*time.Millisecond, "PUT_ADO_REQUEST should reach the ADO proxy's Invoke")

	fake.mu.Lock()
	invoked := fake.invokes[0]
	workID := fake.nextWork
	fake.mu.Unlock()

	require.True(t, invoked.NewRoot)
	require.Equal(t, value, invoked.Value)
	require.NotZero(t, invoked.DetachedAddr)
	require.Equal(t, roundUp8(uint64(len(value))), invoked.DetachedLen)

	fake.pushCompletion(ado.Completion{WorkID: workID, Status: proto.StatusOK})

	deadline := time.Now().Add(2 * time.Second)
	var raw json.RawMessage
	for time.Now().Before(deadline) {
		if msg, ok := rig.client.Poll(); ok {
			_, rb, err := proto.Decode(msg)
			require.NoError(t, err)
			raw = rb
			break
		}
		time.Sleep(time.Millisecond)
	}
	require.NotNil(t, raw, "timed out waiting for ado response after completion")

	var adoResp proto.AdoResponse
	require.NoError(t, json.Unmarshal(raw, &adoResp))
	require.Equal(t, proto.StatusOK, adoResp.Status)

	_, raw = rig.roundTrip(proto.TypeIORequest, proto.IORequest{
		Op: proto.IOOpGet, PoolID: uint64(poolID), Key: "root", RequestID: 2,
	})
	var getResp proto.IOResponse
	require.NoError(t, json.Unmarshal(raw, &getResp))
	require.Equal(t, proto.StatusOK, getResp.Status)
	require.Equal(t, make([]byte, 64), getResp.InlineData)
}
