package gitstate

import (
	"sort"
	"strings"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"
)

// treeBuilder builds one level of a commit tree bottom-up over go-git's
// object store: it starts from an existing *object.Tree (nil for a branch
// that does not exist yet), layers a set of blob writes and removals on top
// of it, and saves itself as a brand-new tree object without mutating
// anything the existing branch tip still points at. This is the "build a
// tree referencing blobs for each entry on top of the branch tip" recipe
// spec.md §4.4 describes for MultiFileCommit.
type treeBuilder struct {
	store storer.EncodedObjectStorer
	base  *object.Tree

	children map[string]*treeBuilder
	blobs    map[string]plumbing.Hash
	removed  map[string]bool
}

// newTreeBuilder starts a treeBuilder rooted at base (nil if the path does
// not exist yet at the branch tip).
func newTreeBuilder(store storer.EncodedObjectStorer, base *object.Tree) *treeBuilder {
	return &treeBuilder{
		store:    store,
		base:     base,
		children: map[string]*treeBuilder{},
		blobs:    map[string]plumbing.Hash{},
		removed:  map[string]bool{},
	}
}

// set records that the file at the "/"-separated relative path should point
// at blobHash, creating intermediate directory builders as needed.
func (t *treeBuilder) set(relPath string, blobHash plumbing.Hash) {
	segment, rest, isLeaf := splitPath(relPath)
	if isLeaf {
		t.blobs[segment] = blobHash
		delete(t.removed, segment)
		return
	}
	t.childBuilder(segment).set(rest, blobHash)
}

// remove records that the file at the "/"-separated relative path should be
// absent from the saved tree.
func (t *treeBuilder) remove(relPath string) {
	segment, rest, isLeaf := splitPath(relPath)
	if isLeaf {
		delete(t.blobs, segment)
		t.removed[segment] = true
		return
	}
	t.childBuilder(segment).remove(rest)
}

func splitPath(relPath string) (segment, rest string, isLeaf bool) {
	i := strings.IndexByte(relPath, '/')
	if i < 0 {
		return relPath, "", true
	}
	return relPath[:i], relPath[i+1:], false
}

// childBuilder returns the treeBuilder for the subdirectory name, seeding it
// from t.base's existing subtree the first time it is requested.
func (t *treeBuilder) childBuilder(name string) *treeBuilder {
	if c, ok := t.children[name]; ok {
		return c
	}
	var baseSub *object.Tree
	if t.base != nil {
		if sub, err := t.base.Tree(name); err == nil {
			baseSub = sub
		}
	}
	c := newTreeBuilder(t.store, baseSub)
	t.children[name] = c
	return c
}

// save encodes and stores this level of the tree (recursing into every
// touched child first) and returns its object hash. Directories left with
// no entries after every removal are dropped from their parent, matching
// git's "empty directories do not exist" semantics.
func (t *treeBuilder) save() (plumbing.Hash, error) {
	hash, _, err := t.saveWithCount()
	return hash, err
}

func (t *treeBuilder) saveWithCount() (plumbing.Hash, int, error) {
	entries := map[string]object.TreeEntry{}
	if t.base != nil {
		for _, e := range t.base.Entries {
			entries[e.Name] = e
		}
	}
	for name := range t.removed {
		delete(entries, name)
	}
	for name, hash := range t.blobs {
		entries[name] = object.TreeEntry{Name: name, Mode: filemode.Regular, Hash: hash}
	}
	for name, child := range t.children {
		childHash, count, err := child.saveWithCount()
		if err != nil {
			return plumbing.ZeroHash, 0, err
		}
		if count == 0 {
			delete(entries, name)
			continue
		}
		entries[name] = object.TreeEntry{Name: name, Mode: filemode.Dir, Hash: childHash}
	}

	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		return treeSortKey(entries[names[i]]) < treeSortKey(entries[names[j]])
	})

	tree := &object.Tree{}
	for _, name := range names {
		tree.Entries = append(tree.Entries, entries[name])
	}

	obj := t.store.NewEncodedObject()
	if err := tree.Encode(obj); err != nil {
		return plumbing.ZeroHash, 0, err
	}
	hash, err := t.store.SetEncodedObject(obj)
	if err != nil {
		return plumbing.ZeroHash, 0, err
	}
	return hash, len(names), nil
}

// treeSortKey orders tree entries the way git's canonical tree format
// requires: as if every directory name carried a trailing "/", so "foo"
// (a directory) sorts after "foo.txt" rather than before it as a plain
// string comparison would have it.
func treeSortKey(e object.TreeEntry) string {
	if e.Mode == filemode.Dir {
		return e.Name + "/"
	}
	return e.Name
}

// writeBlob stores content as a new blob object and returns its hash.
func writeBlob(store storer.EncodedObjectStorer, content []byte) (plumbing.Hash, error) {
	obj := store.NewEncodedObject()
	obj.SetType(plumbing.BlobObject)
	w, err := obj.Writer()
	if err != nil {
		return plumbing.ZeroHash, err
	}
	if _, err := w.Write(content); err != nil {
		w.Close()
		return plumbing.ZeroHash, err
	}
	if err := w.Close(); err != nil {
		return plumbing.ZeroHash, err
	}
	return store.SetEncodedObject(obj)
}
