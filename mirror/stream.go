package mirror

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"github.com/mirrordb/mirror-go/protocol"
)

const StreamBufferSize = 8

type StreamSettings struct {
	WsHandshakeTimeout time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
	PingTimeout        time.Duration

	BackoffInitialInterval time.Duration
	BackoffMaxInterval     time.Duration
	BackoffMultiplier      float64
}

func DefaultStreamSettings() *StreamSettings {
	return &StreamSettings{
		WsHandshakeTimeout:     5 * time.Second,
		WriteTimeout:           5 * time.Second,
		ReadTimeout:            60 * time.Second,
		PingTimeout:            10 * time.Second,
		BackoffInitialInterval: 1 * time.Second,
		BackoffMaxInterval:     30 * time.Second,
		BackoffMultiplier:      1.5,
	}
}

// one element on the logical stream. `restarted` marks the boundary where the
// underlying connection was rebuilt, so the consumer knows accumulated
// per-connection state is stale.
type streamElement struct {
	response  *protocol.ListenResponse
	restarted bool
}

// logicalStream is the single stream surfaced to the watch state machine,
// independent of how many underlying connections it took.
type logicalStream interface {
	// closed on terminal error or close
	Elements() <-chan *streamElement
	// the terminal error, set before Elements() closes. nil after Close.
	Err() error
	// tear down the current connection and redial. used for integrity resyncs.
	restart()
	Close()
}

// forces the current connection to be abandoned
var errStreamRestart = errors.New("Stream restart requested.")

// listenStream keeps one logical listen stream open against the watch
// endpoint. On a recoverable failure it redials with a request from
// `requestFn`, which bakes in the caller's latest resume state. A fatal
// failure is surfaced through Err and the element channel closes.
type listenStream struct {
	ctx    context.Context
	cancel context.CancelFunc

	url       string
	auth      string
	requestFn func() *protocol.ListenRequest
	settings  *StreamSettings

	elements chan *streamElement
	restarts chan struct{}

	errMutex sync.Mutex
	err      error
}

func newListenStream(
	ctx context.Context,
	url string,
	auth string,
	requestFn func() *protocol.ListenRequest,
	settings *StreamSettings,
) *listenStream {
	cancelCtx, cancel := context.WithCancel(ctx)
	stream := &listenStream{
		ctx:       cancelCtx,
		cancel:    cancel,
		url:       url,
		auth:      auth,
		requestFn: requestFn,
		settings:  settings,
		elements:  make(chan *streamElement, StreamBufferSize),
		restarts:  make(chan struct{}, 1),
	}
	go stream.run()
	return stream
}

func (self *listenStream) Elements() <-chan *streamElement {
	return self.elements
}

func (self *listenStream) Err() error {
	self.errMutex.Lock()
	defer self.errMutex.Unlock()
	return self.err
}

func (self *listenStream) setErr(err error) {
	self.errMutex.Lock()
	defer self.errMutex.Unlock()
	self.err = err
}

func (self *listenStream) restart() {
	select {
	case self.restarts <- struct{}{}:
	default:
		// restart already pending
	}
}

func (self *listenStream) Close() {
	self.cancel()
}

func (self *listenStream) run() {
	defer func() {
		self.cancel()
		close(self.elements)
	}()

	reconnect := newReconnectBackoff(self.ctx, self.settings)
	connected := false
	for {
		ws, err := self.connect()
		if err != nil {
			select {
			case <-self.ctx.Done():
				return
			default:
			}
			if !shouldRecover(err) {
				glog.Infof(logTagStream+"connect failed = %s\n", err)
				self.setErr(err)
				return
			}
			glog.V(1).Infof(logTagStream+"connect error = %s\n", err)
			if !waitForReconnect(self.ctx, reconnect) {
				return
			}
			continue
		}
		reconnect.Reset()

		if connected {
			// per-connection consumer state is stale now
			select {
			case <-self.ctx.Done():
				ws.Close()
				return
			case self.elements <- &streamElement{restarted: true}:
			}
		}
		connected = true

		err = self.pump(ws)
		ws.Close()

		select {
		case <-self.ctx.Done():
			return
		default:
		}
		if !shouldRecover(err) && !errors.Is(err, errStreamRestart) {
			self.setErr(err)
			return
		}
		glog.V(1).Infof(logTagStream+"stream error = %s\n", err)
		if !waitForReconnect(self.ctx, reconnect) {
			return
		}
	}
}

// dial and send the initial request with the caller's current resume state
func (self *listenStream) connect() (*websocket.Conn, error) {
	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
	}
	var header http.Header
	if self.auth != "" {
		header = http.Header{}
		header.Set("Authorization", "Bearer "+self.auth)
	}
	ws, _, err := dialer.DialContext(self.ctx, self.url, header)
	if err != nil {
		return nil, err
	}

	success := false
	defer func() {
		if !success {
			ws.Close()
		}
	}()

	requestBytes, err := protocol.EncodeRequest(self.requestFn())
	if err != nil {
		return nil, err
	}
	ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	if err := ws.WriteMessage(websocket.BinaryMessage, requestBytes); err != nil {
		return nil, err
	}

	success = true
	return ws, nil
}

// read protocol events off one connection until it fails,
// the consumer requests a restart, or the stream closes
func (self *listenStream) pump(ws *websocket.Conn) error {
	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	// a requested restart closes the connection under the blocked read
	var restartRequested atomic.Bool
	go func() {
		select {
		case <-handleCtx.Done():
		case <-self.restarts:
			restartRequested.Store(true)
			ws.Close()
		}
	}()

	// empty binary messages keep the connection alive through idle periods
	go func() {
		for {
			select {
			case <-handleCtx.Done():
				return
			case <-time.After(self.settings.PingTimeout):
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.BinaryMessage, make([]byte, 0)); err != nil {
					return
				}
			}
		}
	}()

	for {
		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		messageType, message, err := ws.ReadMessage()
		if err != nil {
			if restartRequested.Load() {
				return errStreamRestart
			}
			return err
		}

		switch messageType {
		case websocket.BinaryMessage, websocket.TextMessage:
			if len(message) == 0 {
				// ping
				continue
			}
			response, err := protocol.DecodeResponse(message)
			if err != nil {
				glog.Infof(logTagStream+"bad message = %s\n", err)
				continue
			}
			select {
			case <-handleCtx.Done():
				return context.Canceled
			case self.elements <- &streamElement{response: response}:
				glog.V(2).Infof(logTagStream+"<-\n")
			}
		}
	}
}
