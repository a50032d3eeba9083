package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"

	"github.com/mirrordb/mirror-go/mirror"
	"github.com/mirrordb/mirror-go/protocol"
)

const MirrorCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Mirror watch control.

Usage:
    mirrorctl tail --url=<url> [--jwt=<jwt>]
        (--document=<path> | --predicate=<predicate>)
        [--target_id=<target_id>]
        [--snapshot_count=<snapshot_count>]

Options:
    -h --help                          Show this screen.
    --version                          Show version.
    --url=<url>                        Listen endpoint url (ws or wss).
    --jwt=<jwt>                        Your platform JWT.
    --document=<path>                  Watch a single document path.
    --predicate=<predicate>            Watch a resolved query predicate (opaque).
    --target_id=<target_id>            Target id [default: 1].
    --snapshot_count=<snapshot_count>  Print this many snapshots then exit.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], MirrorCtlVersion)
	if err != nil {
		panic(err)
	}

	if tail_, _ := opts.Bool("tail"); tail_ {
		tail(opts)
	}
}

func tail(opts docopt.Opts) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	url, _ := opts.String("--url")
	jwt, _ := opts.String("--jwt")

	targetId := int32(1)
	if targetIdStr, err := opts.String("--target_id"); err == nil {
		if v, err := strconv.Atoi(targetIdStr); err == nil {
			targetId = int32(v)
		}
	}

	target := &protocol.Target{
		TargetId: targetId,
	}
	if document, err := opts.String("--document"); err == nil && document != "" {
		target.Documents = []string{document}
	} else if predicate, err := opts.String("--predicate"); err == nil {
		target.Predicate = []byte(predicate)
	}

	snapshotCount := -1
	if snapshotCountStr, err := opts.String("--snapshot_count"); err == nil {
		if v, err := strconv.Atoi(snapshotCountStr); err == nil {
			snapshotCount = v
		}
	}

	done := make(chan struct{})
	var doneOnce sync.Once
	count := 0

	snapshotCallback := func(docs []*mirror.DocumentSnapshot, changes []mirror.DocumentChange, readTime time.Time) {
		Out.Printf("snapshot read_time=%s docs=%d\n", readTime.Format(time.RFC3339), len(docs))
		for _, change := range changes {
			Out.Printf("  %s %s (%d -> %d)\n", change.Kind, change.Path, change.OldIndex, change.NewIndex)
		}
		count += 1
		if 0 <= snapshotCount && snapshotCount <= count {
			doneOnce.Do(func() {
				close(done)
			})
		}
	}
	errorCallback := func(err error) {
		Err.Printf("watch terminated = %s\n", err)
		doneOnce.Do(func() {
			close(done)
		})
	}

	watch := mirror.NewWatchWithDefaults(ctx, url, jwt, target, nil, snapshotCallback, errorCallback)
	defer watch.Unsubscribe()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-done:
	case <-sigs:
	}
}
