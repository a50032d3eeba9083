package mirror

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"

	"golang.org/x/exp/slices"

	"github.com/mirrordb/mirror-go/protocol"
)

type WatchState int32

const (
	WatchStateInitializing WatchState = iota
	WatchStateActive
	WatchStateRecovering
	WatchStateTerminated
)

func (self WatchState) String() string {
	switch self {
	case WatchStateInitializing:
		return "INITIALIZING"
	case WatchStateActive:
		return "ACTIVE"
	case WatchStateRecovering:
		return "RECOVERING"
	case WatchStateTerminated:
		return "TERMINATED"
	default:
		return "UNKNOWN"
	}
}

type WatchSettings struct {
	StreamSettings *StreamSettings
}

func DefaultWatchSettings() *WatchSettings {
	return &WatchSettings{
		StreamSettings: DefaultStreamSettings(),
	}
}

// resumeState is the last committed resume point, carried across reconnects.
// Written by the watch goroutine on commit, read by the stream goroutine when
// it rebuilds the initial request.
type resumeState struct {
	mutex    sync.Mutex
	token    []byte
	readTime *time.Time
}

func (self *resumeState) set(token []byte, readTime time.Time) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.token = token
	t := readTime
	self.readTime = &t
}

func (self *resumeState) clear() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.token = nil
	self.readTime = nil
}

func (self *resumeState) get() (token []byte, readTime *time.Time) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.token, self.readTime
}

// Watch maintains a consistent ordered view of the documents matching one
// target, over a server-pushed listen stream. The protocol state machine,
// tree, and accumulator all run on one background goroutine owned by the
// watch; the caller only constructs, receives callbacks, and unsubscribes.
type Watch struct {
	ctx    context.Context
	cancel context.CancelFunc

	watchId  Id
	target   *protocol.Target
	stream   logicalStream
	settings *WatchSettings

	snapshotCallback SnapshotFunction
	errorCallback    ErrorFunction

	resume resumeState
	state  atomic.Int32

	// owned by the run goroutine
	tree           *docTree
	acc            *changeAccumulator
	current        bool
	pendingPush    bool
	hasPushed      bool
	filterMismatch bool

	// gate a callback begin against Unsubscribe. `delivering` is set only
	// while a callback is executing, so Unsubscribe can tell an in-flight
	// callback apart from a delivery that has not reached its callback yet.
	deliverMutex sync.Mutex
	delivering   atomic.Bool
	terminated   atomic.Bool
	errorOnce    sync.Once
}

// NewWatch opens a watch on `target` against the listen endpoint at `url`
// (ws or wss). `auth` is an opaque bearer string passed through on the
// handshake, empty for none. The comparator reflects the target's order-by
// clauses; nil falls back to document path order.
//
// The returned watch is live until a fatal error or Unsubscribe.
func NewWatch(
	ctx context.Context,
	url string,
	auth string,
	target *protocol.Target,
	cmp Comparator,
	snapshotCallback SnapshotFunction,
	errorCallback ErrorFunction,
	settings *WatchSettings,
) *Watch {
	cancelCtx, cancel := context.WithCancel(ctx)
	watch := &Watch{
		ctx:              cancelCtx,
		cancel:           cancel,
		watchId:          NewId(),
		target:           target,
		settings:         settings,
		snapshotCallback: snapshotCallback,
		errorCallback:    errorCallback,
		tree:             newDocTree(cmp),
		acc:              newChangeAccumulator(),
	}
	watch.stream = newListenStream(
		cancelCtx,
		url,
		auth,
		watch.listenRequest,
		settings.StreamSettings,
	)
	go watch.run()
	return watch
}

func NewWatchWithDefaults(
	ctx context.Context,
	url string,
	auth string,
	target *protocol.Target,
	cmp Comparator,
	snapshotCallback SnapshotFunction,
	errorCallback ErrorFunction,
) *Watch {
	return NewWatch(ctx, url, auth, target, cmp, snapshotCallback, errorCallback, DefaultWatchSettings())
}

// WatchDocument watches a single document path.
func WatchDocument(
	ctx context.Context,
	url string,
	auth string,
	targetId int32,
	path string,
	snapshotCallback SnapshotFunction,
	errorCallback ErrorFunction,
) *Watch {
	target := &protocol.Target{
		TargetId:  targetId,
		Documents: []string{path},
	}
	return NewWatchWithDefaults(ctx, url, auth, target, DocumentPathComparator, snapshotCallback, errorCallback)
}

// WatchQuery watches the result set of an already-resolved query predicate.
func WatchQuery(
	ctx context.Context,
	url string,
	auth string,
	targetId int32,
	predicate []byte,
	cmp Comparator,
	snapshotCallback SnapshotFunction,
	errorCallback ErrorFunction,
) *Watch {
	target := &protocol.Target{
		TargetId:  targetId,
		Predicate: predicate,
	}
	return NewWatchWithDefaults(ctx, url, auth, target, cmp, snapshotCallback, errorCallback)
}

// for tests and alternate transports
func newWatchWithStream(
	ctx context.Context,
	stream logicalStream,
	target *protocol.Target,
	cmp Comparator,
	snapshotCallback SnapshotFunction,
	errorCallback ErrorFunction,
) *Watch {
	cancelCtx, cancel := context.WithCancel(ctx)
	watch := &Watch{
		ctx:              cancelCtx,
		cancel:           cancel,
		watchId:          NewId(),
		target:           target,
		stream:           stream,
		settings:         DefaultWatchSettings(),
		snapshotCallback: snapshotCallback,
		errorCallback:    errorCallback,
		tree:             newDocTree(cmp),
		acc:              newChangeAccumulator(),
	}
	go watch.run()
	return watch
}

func (self *Watch) State() WatchState {
	return WatchState(self.state.Load())
}

func (self *Watch) setState(state WatchState) {
	previous := WatchState(self.state.Swap(int32(state)))
	if previous != state {
		glog.V(1).Infof(logTagWatch+"%s %s -> %s\n", self.watchId, previous, state)
	}
}

// the initial request for each underlying connection,
// resuming from the last committed snapshot when one exists
func (self *Watch) listenRequest() *protocol.ListenRequest {
	token, readTime := self.resume.get()
	target := *self.target
	target.ResumeToken = token
	target.ReadTime = readTime
	return &protocol.ListenRequest{
		AddTarget: &target,
	}
}

// Unsubscribe tears down the stream and stops the watch. Safe to call from
// any goroutine at any time, including from inside the watch's own callback
// and concurrently with a delivery: the in-flight callback (if any)
// completes, and no further callback begins after Unsubscribe returns.
// Idempotent.
func (self *Watch) Unsubscribe() {
	self.cancel()
	self.terminated.Store(true)
	if !self.delivering.Load() {
		// a delivery that has not reached its callback yet must observe
		// the terminated flag before this returns
		self.deliverMutex.Lock()
		self.deliverMutex.Unlock()
	}
	self.setState(WatchStateTerminated)
}

func (self *Watch) run() {
	defer func() {
		self.cancel()
		self.stream.Close()
		self.setState(WatchStateTerminated)
	}()

	for {
		select {
		case <-self.ctx.Done():
			return
		case element, ok := <-self.stream.Elements():
			if !ok {
				if err := self.stream.Err(); err != nil {
					self.fail(err)
				}
				return
			}
			if element.restarted {
				self.setState(WatchStateRecovering)
				if token, readTime := self.resume.get(); token == nil && readTime == nil {
					// token-less full resync: the server resends everything,
					// so anything it does not resend must drop out at commit
					self.resetDocs()
				} else {
					// per-connection state is stale. the tree stays as
					// last-known-good; only the delta since the resume
					// point is expected.
					self.acc = newChangeAccumulator()
					self.pendingPush = false
					self.current = false
				}
				continue
			}
			if err := self.onEvent(element.response); err != nil {
				self.fail(err)
				return
			}
		}
	}
}

func (self *Watch) onEvent(response *protocol.ListenResponse) error {
	switch {
	case response.TargetChange != nil:
		return self.onTargetChange(response.TargetChange)
	case response.DocumentChange != nil:
		self.onDocumentChange(response.DocumentChange)
	case response.DocumentDelete != nil:
		self.onDocumentDeleted(response.DocumentDelete.Document)
	case response.DocumentRemove != nil:
		self.onDocumentDeleted(response.DocumentRemove.Document)
	case response.Filter != nil:
		return self.onFilter(response.Filter)
	default:
		return fmt.Errorf("Empty listen response.")
	}
	return nil
}

func (self *Watch) onTargetChange(change *protocol.TargetChange) error {
	switch change.Kind {
	case protocol.TargetChangeNoChange:
		if len(change.TargetIds) == 0 && change.ReadTime != nil && self.current {
			// the server confirmed the accumulated view is consistent
			if self.pendingPush || !self.hasPushed {
				self.commit(*change.ReadTime, change.ResumeToken)
			}
		}
	case protocol.TargetChangeAdd:
		if !slices.Contains(change.TargetIds, self.target.TargetId) {
			return fmt.Errorf("Target add for unexpected target ids %v.", change.TargetIds)
		}
	case protocol.TargetChangeRemove:
		if removeIsFatal(change.Cause) {
			return statusError(change.Cause)
		}
		glog.V(1).Infof(logTagWatch+"%s target removed, resync\n", self.watchId)
		self.resetDocs()
	case protocol.TargetChangeCurrent:
		self.current = true
	case protocol.TargetChangeReset:
		self.resetDocs()
	default:
		return fmt.Errorf("Unknown target change kind: %s", change.Kind)
	}
	return nil
}

func (self *Watch) onDocumentChange(change *protocol.DocumentChange) {
	changed := slices.Contains(change.TargetIds, self.target.TargetId)
	removed := slices.Contains(change.RemovedTargetIds, self.target.TargetId)
	switch {
	case changed && change.Document != nil:
		self.acc.markUpdated(snapshotFromDocument(change.Document))
		self.pendingPush = true
		glog.V(2).Infof(logTagWatch+"%s change %s\n", self.watchId, change.Document.Name)
	case removed && change.Document != nil:
		self.onDocumentDeleted(change.Document.Name)
	}
}

// literal deletes and out-of-target removals both surface as REMOVED
func (self *Watch) onDocumentDeleted(path string) {
	self.acc.markDeleted(path)
	self.pendingPush = true
	glog.V(2).Infof(logTagWatch+"%s delete %s\n", self.watchId, path)
}

// onFilter runs the count integrity check. A mismatch means changes were
// lost; the resume point is no longer trustworthy, so the stream restarts
// from scratch. A second mismatch with no successful commit in between
// escalates instead of looping silently.
func (self *Watch) onFilter(filter *protocol.Filter) error {
	if int(filter.Count) == self.acc.trackedSize(self.tree) {
		return nil
	}
	if self.filterMismatch {
		return fmt.Errorf("Filter count mismatch recurred: have %d, expected %d.",
			self.acc.trackedSize(self.tree), filter.Count)
	}
	glog.Infof(logTagWatch+"%s filter mismatch, full resync\n", self.watchId)
	self.filterMismatch = true
	self.resetDocs()
	self.resume.clear()
	self.stream.restart()
	return nil
}

// resetDocs declares the accumulated view stale. Every tracked document is
// marked deleted in a fresh accumulator, so the next consistent snapshot
// atomically replaces the view: documents the server resends before CURRENT
// flip back to updates, anything else drops out at commit. The tree itself
// keeps the last-known-good view until then. The committed resume point is
// discarded: resuming from it would replay the stale view.
func (self *Watch) resetDocs() {
	self.setState(WatchStateRecovering)
	self.acc = newChangeAccumulator()
	for _, doc := range self.tree.Ordered() {
		self.acc.markDeleted(doc.Path)
	}
	self.pendingPush = true
	self.current = false
	self.resume.clear()
}

// commit applies the accumulated changes to the tree, records the resume
// point, and delivers the snapshot. The first consistency point always
// delivers, even with an empty diff; after that, empty diffs are suppressed
// so duplicate pushes are invisible.
func (self *Watch) commit(readTime time.Time, resumeToken []byte) {
	deletes, adds, updates := self.acc.extractChanges(self.tree, readTime)
	changes := self.applyChanges(deletes, adds, updates)

	self.acc = newChangeAccumulator()
	self.pendingPush = false
	self.filterMismatch = false
	self.resume.set(resumeToken, readTime)
	self.setState(WatchStateActive)

	if !self.hasPushed || 0 < len(changes) {
		self.hasPushed = true
		glog.V(1).Infof(logTagWatch+"%s commit docs=%d changes=%d\n", self.watchId, self.tree.Len(), len(changes))
		self.deliver(self.tree.Ordered(), changes, readTime)
	}
}

// applyChanges mutates the tree one change at a time, recording each
// document's position before and after. Deletes first in path order, then
// adds, then updates, both in comparator order.
func (self *Watch) applyChanges(
	deletes []string,
	adds []*DocumentSnapshot,
	updates []*DocumentSnapshot,
) []DocumentChange {
	sort.Strings(deletes)
	sort.Slice(adds, func(i int, j int) bool {
		return self.tree.compare(adds[i], adds[j]) < 0
	})
	sort.Slice(updates, func(i int, j int) bool {
		return self.tree.compare(updates[i], updates[j]) < 0
	})

	changes := []DocumentChange{}
	for _, path := range deletes {
		doc := self.tree.Get(path)
		oldIndex := self.tree.Remove(path)
		if oldIndex < 0 {
			continue
		}
		changes = append(changes, DocumentChange{
			Kind:     ChangeKindRemoved,
			Path:     path,
			Doc:      doc,
			OldIndex: oldIndex,
			NewIndex: -1,
		})
	}
	for _, doc := range adds {
		_, newIndex := self.tree.InsertOrReplace(doc)
		changes = append(changes, DocumentChange{
			Kind:     ChangeKindAdded,
			Path:     doc.Path,
			Doc:      doc,
			OldIndex: -1,
			NewIndex: newIndex,
		})
	}
	for _, doc := range updates {
		existing := self.tree.Get(doc.Path)
		if existing != nil && existing.UpdateTime.Equal(doc.UpdateTime) {
			// nothing changed. duplicate delivery diffs to empty.
			continue
		}
		oldIndex, newIndex := self.tree.InsertOrReplace(doc)
		changes = append(changes, DocumentChange{
			Kind:     ChangeKindModified,
			Path:     doc.Path,
			Doc:      doc,
			OldIndex: oldIndex,
			NewIndex: newIndex,
		})
	}
	return changes
}

func (self *Watch) deliver(docs []*DocumentSnapshot, changes []DocumentChange, readTime time.Time) {
	self.deliverMutex.Lock()
	defer self.deliverMutex.Unlock()
	if self.terminated.Load() {
		return
	}
	if self.snapshotCallback == nil {
		return
	}
	self.delivering.Store(true)
	defer self.delivering.Store(false)
	func() {
		defer func() {
			if r := recover(); r != nil {
				glog.Errorf(logTagWatch+"%s snapshot callback panic = %s\n", self.watchId, r)
			}
		}()
		self.snapshotCallback(docs, changes, readTime)
	}()
}

// fail terminates the watch, surfacing the error exactly once
func (self *Watch) fail(err error) {
	self.errorOnce.Do(func() {
		self.deliverMutex.Lock()
		defer self.deliverMutex.Unlock()
		if self.terminated.Load() {
			return
		}
		glog.Infof(logTagWatch+"%s terminated = %s\n", self.watchId, err)
		if self.errorCallback == nil {
			return
		}
		self.delivering.Store(true)
		defer self.delivering.Store(false)
		func() {
			defer func() {
				if r := recover(); r != nil {
					glog.Errorf(logTagWatch+"%s error callback panic = %s\n", self.watchId, r)
				}
			}()
			self.errorCallback(err)
		}()
	})
	self.cancel()
}

