package tree

import (
	"testing"
	"time"

	"github.com/rustic-rs/rustic/crypto"
	"github.com/rustic-rs/rustic/ids"
)

func sampleTree() Tree {
	return Tree{Nodes: []Node{
		{
			Name:      "b.txt",
			Type:      NodeFile,
			Mode:      0o644,
			OwnerName: "alice",
			OwnerID:   1000,
			GroupName: "staff",
			GroupID:   1000,
			ModTime:   time.Unix(1700000000, 0).UTC(),
			Size:      11,
			Content:   []ChunkRef{{ID: testID(0x11), Length: 11}},
		},
		{
			Name: "a-dir",
			Type: NodeDir,
			Mode: 0o755,
			ModTime: time.Unix(1700000001, 0).UTC(),
			Subtree: testID(0x22),
		},
		{
			Name:       "c-link",
			Type:       NodeSymlink,
			Mode:       0o777,
			LinkTarget: []byte("b.txt"),
		},
	}}
}

// testID builds a deterministic, distinguishable ID for fixture data.
func testID(b byte) ids.ID {
	var id ids.ID
	for i := range id {
		id[i] = b
	}
	return id
}

func TestSortOrdersByName(t *testing.T) {
	tr := sampleTree()
	tr.Sort()

	names := make([]string, len(tr.Nodes))
	for i, n := range tr.Nodes {
		names[i] = n.Name
	}
	want := []string{"a-dir", "b.txt", "c-link"}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("Sort order = %v, want %v", names, want)
		}
	}
}

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	tr := sampleTree()
	tr.Sort()

	data, err := Marshal(tr)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	got, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if len(got.Nodes) != len(tr.Nodes) {
		t.Fatalf("got %d nodes, want %d", len(got.Nodes), len(tr.Nodes))
	}
	for i, n := range got.Nodes {
		want := tr.Nodes[i]
		if n.Name != want.Name || n.Type != want.Type || n.Mode != want.Mode {
			t.Errorf("node %d = %+v, want %+v", i, n, want)
		}
	}
}

func TestIDIsDeterministic(t *testing.T) {
	tr1 := sampleTree()
	tr1.Sort()
	tr2 := sampleTree()
	tr2.Sort()

	id1, _, err := ID(tr1)
	if err != nil {
		t.Fatalf("ID: %v", err)
	}
	id2, _, err := ID(tr2)
	if err != nil {
		t.Fatalf("ID: %v", err)
	}
	if id1 != id2 {
		t.Errorf("identical trees produced different ids: %s vs %s", id1, id2)
	}
}

func TestIDChangesWithContent(t *testing.T) {
	tr := sampleTree()
	tr.Sort()
	id1, _, _ := ID(tr)

	tr.Nodes[0].Size = 999
	id2, _, _ := ID(tr)

	if id1 == id2 {
		t.Error("changing a node's size should change the tree id")
	}
}

func TestFindUsesSortedOrder(t *testing.T) {
	tr := sampleTree()
	tr.Sort()

	n, ok := tr.Find("b.txt")
	if !ok {
		t.Fatal("expected to find b.txt")
	}
	if n.Type != NodeFile {
		t.Errorf("Find(b.txt).Type = %v, want NodeFile", n.Type)
	}

	if _, ok := tr.Find("missing"); ok {
		t.Error("Find should report false for an absent name")
	}
}

func TestUnknownFieldsPreservedAcrossRoundTrip(t *testing.T) {
	tr := sampleTree()
	tr.Sort()
	tr.Nodes[0].Unknown = map[uint64]interface{}{99: "future-field"}

	data, err := Marshal(tr)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	got, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	v, ok := got.Nodes[0].Unknown[99]
	if !ok {
		t.Fatal("unknown field 99 was dropped on round trip")
	}
	if v != "future-field" {
		t.Errorf("unknown field 99 = %v, want %q", v, "future-field")
	}

	// Re-marshal and confirm it is still present (re-emitted on re-save).
	data2, err := Marshal(got)
	if err != nil {
		t.Fatalf("re-Marshal: %v", err)
	}
	got2, err := Unmarshal(data2)
	if err != nil {
		t.Fatalf("re-Unmarshal: %v", err)
	}
	if _, ok := got2.Nodes[0].Unknown[99]; !ok {
		t.Error("unknown field 99 did not survive a second round trip")
	}
}

func TestTotalSizeSumsChunkLengths(t *testing.T) {
	n := Node{Content: []ChunkRef{{Length: 4}, {Length: 6}, {Length: 1}}}
	if got := n.TotalSize(); got != 11 {
		t.Errorf("TotalSize = %d, want 11", got)
	}
}

func TestSameStructureSameID(t *testing.T) {
	a := Tree{Nodes: []Node{{Name: "x", Type: NodeFile, Size: 3}}}
	b := Tree{Nodes: []Node{{Name: "x", Type: NodeFile, Size: 3}}}
	idA, _, _ := ID(a)
	idB, _, _ := ID(b)
	if idA != idB {
		t.Error("two structurally identical single-node trees should share an id")
	}
	if idA == crypto.Hash([]byte("unrelated")) {
		t.Error("tree id collided with an unrelated hash (sanity check failed)")
	}
}
