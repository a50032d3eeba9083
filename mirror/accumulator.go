package mirror

import (
	"time"

	"golang.org/x/exp/maps"
)

// changeAccumulator is the connection-scoped scratch state between committed
// snapshots: the latest pending change per document path, plus the set of
// paths the server has confirmed are in the watched target. It is discarded
// and rebuilt on every commit and on every resync episode.
//
// Owned by the watch goroutine, like docTree.
type changeAccumulator struct {
	// document path -> latest pending snapshot, nil for a pending delete
	pending map[string]*DocumentSnapshot
	// paths currently confirmed in target
	current map[string]bool
}

func newChangeAccumulator() *changeAccumulator {
	return &changeAccumulator{
		pending: map[string]*DocumentSnapshot{},
		current: map[string]bool{},
	}
}

// the latest recorded change for a path wins
func (self *changeAccumulator) markUpdated(doc *DocumentSnapshot) {
	self.pending[doc.Path] = doc
	self.current[doc.Path] = true
}

func (self *changeAccumulator) markDeleted(path string) {
	self.pending[path] = nil
	delete(self.current, path)
}

func (self *changeAccumulator) empty() bool {
	return len(self.pending) == 0
}

// extractChanges splits the pending changes into deletes, adds, and updates
// relative to the committed tree, stamping `readTime` on the surviving
// snapshots. A pending delete for an untracked path drops out; a pending
// update becomes an add when the path is untracked.
func (self *changeAccumulator) extractChanges(
	tree *docTree,
	readTime time.Time,
) (deletes []string, adds []*DocumentSnapshot, updates []*DocumentSnapshot) {
	for _, path := range maps.Keys(self.pending) {
		doc := self.pending[path]
		switch {
		case doc == nil:
			if tree.Contains(path) {
				deletes = append(deletes, path)
			}
		case tree.Contains(path):
			doc.ReadTime = readTime
			updates = append(updates, doc)
		default:
			doc.ReadTime = readTime
			adds = append(adds, doc)
		}
	}
	return deletes, adds, updates
}

// trackedSize is the number of documents the client would track if the
// pending changes committed now: the committed tree adjusted by the pending
// target membership. Compared against the server's filter count.
func (self *changeAccumulator) trackedSize(tree *docTree) int {
	size := tree.Len()
	for path := range self.pending {
		inTarget := self.current[path]
		switch {
		case inTarget && !tree.Contains(path):
			size += 1
		case !inTarget && tree.Contains(path):
			size -= 1
		}
	}
	return size
}
