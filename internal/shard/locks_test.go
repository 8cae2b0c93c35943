package shard

import (
	"testing"

	"github.com/dreamware/mcasgo/internal/backend"
	"github.com/dreamware/mcasgo/internal/fabric"
)

// TestOffsetToSGListScenario7 hand-verifies the literal example from §8:
// three regions of size 1000/500/1500, LOCATE(900, 800) should split into
// three scatter-gather elements with zero excess.
func TestOffsetToSGListScenario7(t *testing.T) {
	regions := []backend.Region{
		{Base: 0x1000, Len: 1000},
		{Base: 0x2000, Len: 500},
		{Base: 0x3000, Len: 1500},
	}

	sg, mrLow, mrHigh, excess := OffsetToSGList(regions, 900, 900+800)

	want := []struct{ addr, length uint64 }{
		{0x1000 + 900, 100},
		{0x2000, 500},
		{0x3000, 200},
	}
	if len(sg) != len(want) {
		t.Fatalf("got %d sg elements, want %d: %+v", len(sg), len(want), sg)
	}
	for i, w := range want {
		if sg[i].Addr != w.addr || sg[i].Len != w.length {
			t.Errorf("sg[%d] = {Addr:0x%x Len:%d}, want {Addr:0x%x Len:%d}", i, sg[i].Addr, sg[i].Len, w.addr, w.length)
		}
	}
	if excess != 0 {
		t.Errorf("excess = %d, want 0", excess)
	}
	if mrLow != 0x1000+900 {
		t.Errorf("mrLow = 0x%x, want 0x%x", mrLow, 0x1000+900)
	}
	if mrHigh != 0x3000+200 {
		t.Errorf("mrHigh = 0x%x, want 0x%x", mrHigh, 0x3000+200)
	}
}

func TestOffsetToSGListSingleRegion(t *testing.T) {
	regions := []backend.Region{{Base: 0x5000, Len: 4096}}

	sg, mrLow, mrHigh, excess := OffsetToSGList(regions, 10, 20)

	if len(sg) != 1 {
		t.Fatalf("got %d sg elements, want 1", len(sg))
	}
	if sg[0].Addr != 0x5000+10 || sg[0].Len != 10 {
		t.Errorf("sg[0] = %+v, want {Addr:0x%x Len:10}", sg[0], 0x5000+10)
	}
	if excess != 0 {
		t.Errorf("excess = %d, want 0", excess)
	}
	if mrLow != 0x5000+10 || mrHigh != 0x5000+20 {
		t.Errorf("mrLow/mrHigh = 0x%x/0x%x, want 0x%x/0x%x", mrLow, mrHigh, 0x5000+10, 0x5000+20)
	}
}

func TestOffsetToSGListExcessPastLastRegion(t *testing.T) {
	regions := []backend.Region{{Base: 0x9000, Len: 100}}

	sg, _, _, excess := OffsetToSGList(regions, 50, 200)

	if len(sg) != 1 {
		t.Fatalf("got %d sg elements, want 1", len(sg))
	}
	if sg[0].Len != 50 {
		t.Errorf("sg[0].Len = %d, want 50 (clamped to region end)", sg[0].Len)
	}
	if excess != 100 {
		t.Errorf("excess = %d, want 100", excess)
	}
}

func TestOffsetToSGListBeyondAllRegions(t *testing.T) {
	regions := []backend.Region{{Base: 0x1000, Len: 100}}

	sg, _, _, excess := OffsetToSGList(regions, 500, 600)

	if sg != nil {
		t.Errorf("sg = %+v, want nil", sg)
	}
	if excess != 100 {
		t.Errorf("excess = %d, want 100", excess)
	}
}

func TestLockTrackerAddReleaseIdempotentCount(t *testing.T) {
	tr := newLockTracker()
	tr.add(0x100, backend.PoolID(1), backend.KeyHandle(1), 8, fabric.MemoryRegion{Addr: 0x100, Len: 8})
	tr.add(0x100, backend.PoolID(1), backend.KeyHandle(1), 8, fabric.MemoryRegion{Addr: 0x100, Len: 8})

	if _, ok := tr.get(0x100); !ok {
		t.Fatal("expected entry for 0x100")
	}

	if _, removed, err := tr.release(0x100); err != nil || removed {
		t.Fatalf("first release: removed=%v err=%v, want removed=false err=nil", removed, err)
	}
	if _, removed, err := tr.release(0x100); err != nil || !removed {
		t.Fatalf("second release: removed=%v err=%v, want removed=true err=nil", removed, err)
	}
	if _, ok := tr.get(0x100); ok {
		t.Error("entry should be gone after matching release count")
	}
}

func TestLockTrackerReleaseUnknownAddressIsError(t *testing.T) {
	tr := newLockTracker()
	if _, _, err := tr.release(0xdead); err == nil {
		t.Error("expected error releasing an unknown address")
	}
}
