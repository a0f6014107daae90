package rpt

import (
	"path/filepath"
	"testing"
)

func firstLeaf(n *treeNode) *treeNode {
	for !n.isLeaf {
		n = n.left
	}
	return n
}

func TestLoadRejectsCorruptTrees(t *testing.T) {
	tests := []struct {
		name    string
		corrupt func(f *Forest)
	}{
		{"id beyond storage", func(f *Forest) {
			leaf := firstLeaf(f.trees[0])
			leaf.points = append(leaf.points, 1_000_000)
		}},
		{"negative id", func(f *Forest) {
			leaf := firstLeaf(f.trees[0])
			leaf.points = append(leaf.points, -1)
		}},
		{"absent id", func(f *Forest) {
			leaf := firstLeaf(f.trees[0])
			leaf.points = append(leaf.points, 0)
		}},
		{"short projection", func(f *Forest) {
			f.trees[0].projection = f.trees[0].projection[:1]
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := NewForest(4, 2, 3, 100, 42)
			// id 0 is never added, so it is absent from the forest.
			for id := 1; id <= 20; id++ {
				v := []float32{float32(id), float32(id % 3), float32(id % 5), 1}
				if err := f.Add(id, v); err != nil {
					t.Fatalf("Add failed: %v", err)
				}
			}
			if err := f.Build(2); err != nil {
				t.Fatalf("Build failed: %v", err)
			}
			if f.trees[0].isLeaf {
				t.Fatalf("expected the first tree to split with leaf capacity 2")
			}
			tt.corrupt(f)

			path := filepath.Join(t.TempDir(), "forest.idx")
			if err := f.Save(path); err != nil {
				t.Fatalf("Save failed: %v", err)
			}
			loaded := NewForest(4, 2, 3, 100, 42)
			if err := loaded.Load(path); err == nil {
				t.Errorf("expected Load to reject a corrupt tree")
			}
			if stats := loaded.Stats(); stats.Count != 0 || stats.Trees != 0 {
				t.Errorf("rejected Load changed the forest: %+v", stats)
			}
		})
	}
}
