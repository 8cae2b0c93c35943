package index

import (
	"testing"

	"github.com/dreamware/mcasgo/internal/proto"
)

func TestVolatileTreeInsertRemove(t *testing.T) {
	idx := NewVolatileTree(4)

	idx.Insert("alpha")
	idx.Insert("beta")
	idx.Insert("gamma")

	if idx.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", idx.Len())
	}

	idx.Remove("beta")
	if idx.Len() != 2 {
		t.Fatalf("Len() after Remove = %d, want 2", idx.Len())
	}
}

func TestFindExact(t *testing.T) {
	idx := NewVolatileTree(4)
	idx.Insert("a")
	idx.Insert("b")
	idx.Insert("c")

	status, pos, key := idx.Find("b", "", FindExact, 0)
	if status != proto.StatusOK {
		t.Fatalf("status = %v, want StatusOK", status)
	}
	if key != "b" || pos != 1 {
		t.Errorf("Find returned pos=%d key=%q, want pos=1 key=b", pos, key)
	}
}

func TestFindExactMissing(t *testing.T) {
	idx := NewVolatileTree(4)
	idx.Insert("a")
	idx.Insert("c")

	status, _, _ := idx.Find("missing", "", FindExact, 0)
	if status != proto.StatusKeyNotFound {
		t.Errorf("status = %v, want StatusKeyNotFound", status)
	}
}

func TestFindPrefix(t *testing.T) {
	idx := NewVolatileTree(4)
	idx.Insert("user:1")
	idx.Insert("user:2")
	idx.Insert("order:1")

	status, _, key := idx.Find("user:", "", FindPrefix, 0)
	if status != proto.StatusOK {
		t.Fatalf("status = %v, want StatusOK", status)
	}
	if key != "user:1" {
		t.Errorf("Find returned key=%q, want first matching prefix user:1", key)
	}
}

func TestFindRegex(t *testing.T) {
	idx := NewVolatileTree(4)
	idx.Insert("log-001")
	idx.Insert("log-002")
	idx.Insert("metrics-1")

	status, _, key := idx.Find(`^log-\d+$`, "", FindRegex, 0)
	if status != proto.StatusOK {
		t.Fatalf("status = %v, want StatusOK", status)
	}
	if key != "log-001" {
		t.Errorf("Find returned key=%q, want log-001", key)
	}
}

func TestFindRegexBadExpression(t *testing.T) {
	idx := NewVolatileTree(4)
	idx.Insert("a")

	status, _, _ := idx.Find(`(unterminated`, "", FindRegex, 0)
	if status != proto.StatusBadParam {
		t.Errorf("status = %v, want StatusBadParam", status)
	}
}

func TestFindNextFromBegin(t *testing.T) {
	idx := NewVolatileTree(4)
	idx.Insert("a")
	idx.Insert("m")
	idx.Insert("z")

	status, _, key := idx.Find("", "m", FindNext, 0)
	if status != proto.StatusOK {
		t.Fatalf("status = %v, want StatusOK", status)
	}
	if key != "m" {
		t.Errorf("FindNext returned key=%q, want m", key)
	}
}

func TestFindOutOfBounds(t *testing.T) {
	idx := NewVolatileTree(4)
	for _, k := range []string{"a", "b", "c", "d", "e"} {
		idx.Insert(k)
	}

	status, _, _ := idx.Find("zzz-nonexistent", "", FindExact, 2)
	if status != proto.StatusOutOfBounds {
		t.Errorf("status = %v, want StatusOutOfBounds", status)
	}
}

func TestKVIndexInterfaceSatisfied(t *testing.T) {
	var _ KVIndex = NewVolatileTree(0)
}
