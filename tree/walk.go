package tree

import (
	"context"
	"fmt"

	"github.com/rustic-rs/rustic/ids"
)

// Loader resolves a tree blob id to its decoded Tree. Restorer and prune
// each supply their own Loader (backed by the index + pack codec), keeping
// this package a leaf with no dependency on backend/index/pack.
type Loader func(ctx context.Context, id ids.ID) (Tree, error)

// Walk loads the tree named rootID and calls fn once for every Node
// reachable from it (spec.md §9: "snapshots -> trees -> trees -> leaves is
// a DAG rooted in snapshots"), recursing into subdirectories depth-first.
// path is the node's slash-separated path relative to rootID's own
// directory. Walk stops and returns the first error from load or fn.
func Walk(ctx context.Context, rootID ids.ID, load Loader, fn func(path string, n Node) error) error {
	return walk(ctx, rootID, "", load, fn)
}

func walk(ctx context.Context, id ids.ID, prefix string, load Loader, fn func(string, Node) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t, err := load(ctx, id)
	if err != nil {
		return fmt.Errorf("tree: load %s: %w", id, err)
	}

	for _, n := range t.Nodes {
		path := n.Name
		if prefix != "" {
			path = prefix + "/" + n.Name
		}
		if err := fn(path, n); err != nil {
			return err
		}
		if n.Type == NodeDir {
			if err := walk(ctx, n.Subtree, path, load, fn); err != nil {
				return err
			}
		}
	}
	return nil
}

// Resolve walks rootID looking for the node at slash-separated path,
// per spec.md §4.7's path resolution (the "latest" special name itself is
// resolved by snapshotstore before reaching here). An empty path resolves
// to the root itself and has no Node to return (ok=false, err=nil): callers
// asking for "/" want the root tree, not a node within it.
func Resolve(ctx context.Context, rootID ids.ID, load Loader, path string) (Node, bool, error) {
	if path == "" {
		return Node{}, false, nil
	}

	components := splitPath(path)
	currentTree := rootID
	for i, name := range components {
		t, err := load(ctx, currentTree)
		if err != nil {
			return Node{}, false, fmt.Errorf("tree: load %s: %w", currentTree, err)
		}
		n, ok := t.Find(name)
		if !ok {
			return Node{}, false, nil
		}
		if i == len(components)-1 {
			return n, true, nil
		}
		if n.Type != NodeDir {
			return Node{}, false, nil
		}
		currentTree = n.Subtree
	}
	return Node{}, false, nil
}

func splitPath(path string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(path); i++ {
		if i == len(path) || path[i] == '/' {
			if i > start {
				out = append(out, path[start:i])
			}
			start = i + 1
		}
	}
	return out
}
