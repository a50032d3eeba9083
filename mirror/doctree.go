package mirror

import (
	"golang.org/x/exp/slices"
)

// docTree is the ordered, duplicate-free container of committed snapshots,
// keyed by document path. The comparator is injected at construction and
// never changes. Path lookups go through the map; positional queries binary
// search the ordered slice. At most one entry per path.
//
// docTree is owned by a single watch goroutine and is not safe for
// concurrent use.
type docTree struct {
	orderedDocs []*DocumentSnapshot
	// document path -> snapshot
	pathDocs map[string]*DocumentSnapshot
	cmp      Comparator
}

func newDocTree(cmp Comparator) *docTree {
	if cmp == nil {
		cmp = DocumentPathComparator
	}
	return &docTree{
		orderedDocs: []*DocumentSnapshot{},
		pathDocs:    map[string]*DocumentSnapshot{},
		cmp:         cmp,
	}
}

// the injected comparator with ties broken by path,
// so every snapshot has exactly one position
func (self *docTree) compare(a *DocumentSnapshot, b *DocumentSnapshot) int {
	if c := self.cmp(a, b); c != 0 {
		return c
	}
	return DocumentPathComparator(a, b)
}

func (self *docTree) Len() int {
	return len(self.orderedDocs)
}

func (self *docTree) Contains(path string) bool {
	_, ok := self.pathDocs[path]
	return ok
}

func (self *docTree) Get(path string) *DocumentSnapshot {
	return self.pathDocs[path]
}

// IndexOf returns the position of the document in comparator order,
// or -1 if the path is not present.
func (self *docTree) IndexOf(path string) int {
	doc, ok := self.pathDocs[path]
	if !ok {
		return -1
	}
	i, found := slices.BinarySearchFunc(self.orderedDocs, doc, self.compare)
	if !found {
		panic("Tree order invariant broken.")
	}
	return i
}

// InsertOrReplace puts the snapshot at its comparator-determined position,
// replacing any previous snapshot for the same path. Returns the previous
// position (-1 if the path was absent) and the new position.
func (self *docTree) InsertOrReplace(doc *DocumentSnapshot) (oldIndex int, newIndex int) {
	oldIndex = self.Remove(doc.Path)
	i, _ := slices.BinarySearchFunc(self.orderedDocs, doc, self.compare)
	self.orderedDocs = slices.Insert(self.orderedDocs, i, doc)
	self.pathDocs[doc.Path] = doc
	return oldIndex, i
}

// Remove drops the path from the tree. Returns the position the document
// held, or -1 if the path was absent (no-op).
func (self *docTree) Remove(path string) int {
	i := self.IndexOf(path)
	if i < 0 {
		return -1
	}
	self.orderedDocs = slices.Delete(self.orderedDocs, i, i+1)
	delete(self.pathDocs, path)
	return i
}

// Ordered returns the documents in comparator order.
// The slice is a fresh copy on every call.
func (self *docTree) Ordered() []*DocumentSnapshot {
	return slices.Clone(self.orderedDocs)
}
