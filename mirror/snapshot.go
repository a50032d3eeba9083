package mirror

import (
	"strings"
	"time"

	"github.com/mirrordb/mirror-go/protocol"
)

// DocumentSnapshot is the client-side view of one document at a read time.
// `Fields` is opaque to the watch core.
type DocumentSnapshot struct {
	Path       string
	Fields     map[string]any
	Exists     bool
	CreateTime time.Time
	UpdateTime time.Time
	ReadTime   time.Time
}

func snapshotFromDocument(document *protocol.Document) *DocumentSnapshot {
	return &DocumentSnapshot{
		Path:       document.Name,
		Fields:     document.Fields,
		Exists:     true,
		CreateTime: document.CreateTime,
		UpdateTime: document.UpdateTime,
	}
}

// Comparator orders two snapshots, reflecting the watched query's order-by
// clauses. It must be a strict weak ordering, stable across repeated calls on
// unchanged data. Ties are always broken by document path, so a comparator
// only needs to order the sort keys.
type Comparator func(a *DocumentSnapshot, b *DocumentSnapshot) int

// the order for document watches and for unordered queries
func DocumentPathComparator(a *DocumentSnapshot, b *DocumentSnapshot) int {
	return strings.Compare(a.Path, b.Path)
}

type ChangeKind int

const (
	ChangeKindAdded ChangeKind = iota
	ChangeKindModified
	ChangeKindRemoved
)

func (self ChangeKind) String() string {
	switch self {
	case ChangeKindAdded:
		return "ADDED"
	case ChangeKindModified:
		return "MODIFIED"
	case ChangeKindRemoved:
		return "REMOVED"
	default:
		return "UNKNOWN"
	}
}

// DocumentChange is one entry in the diff between two committed snapshots.
// `OldIndex`/`NewIndex` are positions in the ordered view, -1 when the
// document is absent on that side.
type DocumentChange struct {
	Kind     ChangeKind
	Path     string
	Doc      *DocumentSnapshot
	OldIndex int
	NewIndex int
}

// SnapshotFunction receives the full ordered view, the diff since the
// previous delivery, and the server read time of the snapshot.
// Deliveries for one watch never overlap and arrive in commit order.
// The callback should return quickly; it stalls later snapshots of its own
// watch while it runs. It may call `Unsubscribe` on its own watch.
type SnapshotFunction func(docs []*DocumentSnapshot, changes []DocumentChange, readTime time.Time)

// ErrorFunction is invoked at most once, and is terminal for the watch.
type ErrorFunction func(err error)
