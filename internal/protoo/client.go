package protoo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/breeze-rmm/loadtestbot/internal/apperror"
	"github.com/breeze-rmm/loadtestbot/internal/logging"
	"github.com/breeze-rmm/loadtestbot/internal/timer"
)

var log = logging.L("protoo")

const (
	subprotocol = "protoo"

	requestTimeout = 10 * time.Second

	initialBackoff = 1 * time.Second
	maxBackoff     = 10 * time.Second
	backoffFactor  = 2.0

	writeWait  = 10 * time.Second
	pingPeriod = 25 * time.Second
	pongWait   = 60 * time.Second

	sendQueueSize = 256
)

// RequestHandler answers an inbound request from the server. Returning a
// non-nil error sends an error response; the error's message becomes the
// errorReason.
type RequestHandler func(ctx context.Context, method string, data json.RawMessage) (json.RawMessage, error)

// NotifyHandler observes an inbound notification.
type NotifyHandler func(method string, data json.RawMessage)

// CloseHandler observes the socket transitioning to closed, whether by the
// peer, a transport error, or an explicit Stop.
type CloseHandler func(err error)

type pendingRequest struct {
	resultCh chan pendingOutcome
	timerID  timer.ID
}

type pendingOutcome struct {
	resp Response
	err  error
}

// Client is a protoo signaling connection: a WebSocket carrying tagged
// request/response/notification JSON frames, with automatic reconnect and
// pre-open buffering of outbound frames.
type Client struct {
	url   string
	timer *timer.Service

	OnRequest RequestHandler
	OnNotify  NotifyHandler
	OnClose   CloseHandler

	nextID uint64

	connMu sync.RWMutex
	conn   *websocket.Conn
	open   bool

	sendChan chan []byte

	bufMu    sync.Mutex
	buffered [][]byte

	pendingMu sync.Mutex
	pending   map[uint64]*pendingRequest

	runningMu sync.Mutex
	running   bool
	done      chan struct{}
	stopOnce  sync.Once
}

// New constructs a Client for the given signaling URL. timerSvc backs
// per-request timeouts; callers typically share one Service across a whole
// session.
func New(wsURL string, timerSvc *timer.Service) *Client {
	return &Client{
		url:      wsURL,
		timer:    timerSvc,
		sendChan: make(chan []byte, sendQueueSize),
		pending:  make(map[uint64]*pendingRequest),
		done:     make(chan struct{}),
	}
}

// Connect opens the socket and starts the background reconnect loop. It
// blocks until the first connection attempt completes, returning that
// attempt's error if it failed, or until ctx is cancelled. Failed dials and
// later drops are retried with exponential backoff in the background
// without involving the caller.
func (c *Client) Connect(ctx context.Context) error {
	c.runningMu.Lock()
	if c.running {
		c.runningMu.Unlock()
		return nil
	}
	c.running = true
	c.runningMu.Unlock()

	first := make(chan error, 1)
	go c.reconnectLoop(first)

	select {
	case err := <-first:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop closes the connection permanently and fails any pending requests.
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		c.runningMu.Lock()
		c.running = false
		c.runningMu.Unlock()

		close(c.done)

		c.connMu.Lock()
		if c.conn != nil {
			c.conn.Close()
		}
		c.open = false
		c.connMu.Unlock()

		c.failAllPending(apperror.New(apperror.TransportFailure, "protoo.Stop", errors.New("client stopped")))
	})
}

func (c *Client) isRunning() bool {
	c.runningMu.Lock()
	defer c.runningMu.Unlock()
	return c.running
}

func (c *Client) reconnectLoop(first chan<- error) {
	backoff := initialBackoff
	firstAttempt := true

	for c.isRunning() {
		conn, err := c.dial()
		if err != nil {
			if firstAttempt {
				first <- err
				firstAttempt = false
			}
			log.Warn("dial failed, retrying", "err", err, "backoff", backoff)
			select {
			case <-time.After(backoff):
			case <-c.done:
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}

		backoff = initialBackoff

		c.connMu.Lock()
		c.conn = conn
		c.open = true
		c.connMu.Unlock()

		if firstAttempt {
			first <- nil
			firstAttempt = false
		}

		c.flushBuffered()

		readDone := make(chan struct{})
		go c.writePump(conn, readDone)
		c.readPump(conn, readDone)

		c.connMu.Lock()
		c.open = false
		c.conn = nil
		c.connMu.Unlock()

		c.failAllPending(apperror.New(apperror.TransportFailure, "protoo.reconnect", errors.New("connection lost")))

		if c.OnClose != nil {
			c.OnClose(nil)
		}

		if !c.isRunning() {
			return
		}
		select {
		case <-time.After(backoff):
		case <-c.done:
			return
		}
		backoff = nextBackoff(backoff)
	}
}

func nextBackoff(cur time.Duration) time.Duration {
	next := time.Duration(float64(cur) * backoffFactor)
	if next > maxBackoff {
		return maxBackoff
	}
	return next
}

func (c *Client) dial() (*websocket.Conn, error) {
	u, err := url.Parse(c.url)
	if err != nil {
		return nil, apperror.New(apperror.TransportFailure, "protoo.dial", err)
	}
	header := http.Header{}
	header.Set("Sec-WebSocket-Protocol", subprotocol)

	dialer := websocket.Dialer{HandshakeTimeout: requestTimeout}
	conn, _, err := dialer.Dial(u.String(), header)
	if err != nil {
		return nil, apperror.New(apperror.TransportFailure, "protoo.dial", err)
	}
	conn.SetReadLimit(1 << 20)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	return conn, nil
}

func (c *Client) readPump(conn *websocket.Conn, readDone chan<- struct{}) {
	defer close(readDone)
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		c.handleFrame(raw)
	}
}

func (c *Client) writePump(conn *websocket.Conn, readDone <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case raw := <-c.sendChan:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-readDone:
			return
		case <-c.done:
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (c *Client) handleFrame(raw []byte) {
	var t tag
	if err := json.Unmarshal(raw, &t); err != nil {
		log.Warn("dropping unparsable frame", "err", apperror.New(apperror.ParseError, "protoo.handleFrame", err))
		return
	}

	switch {
	case t.Response:
		var resp Response
		if err := json.Unmarshal(raw, &resp); err != nil {
			log.Warn("dropping malformed response frame", "err", err)
			return
		}
		c.resolvePending(resp)

	case t.Request:
		var req Request
		if err := json.Unmarshal(raw, &req); err != nil {
			log.Warn("dropping malformed request frame", "err", err)
			return
		}
		c.dispatchRequest(req)

	case t.Notification:
		var note Notification
		if err := json.Unmarshal(raw, &note); err != nil {
			log.Warn("dropping malformed notification frame", "err", err)
			return
		}
		if c.OnNotify != nil {
			c.OnNotify(note.Method, note.Data)
		}

	default:
		log.Warn("dropping frame with no recognized tag")
	}
}

func (c *Client) dispatchRequest(req Request) {
	if c.OnRequest == nil {
		c.sendResponse(errResponse(req.ID, "not found"))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	data, err := c.OnRequest(ctx, req.Method, req.Data)
	if err != nil {
		c.sendResponse(errResponse(req.ID, err.Error()))
		return
	}
	c.sendResponse(okResponse(req.ID, data))
}

func (c *Client) resolvePending(resp Response) {
	c.pendingMu.Lock()
	pr, ok := c.pending[resp.ID]
	if ok {
		delete(c.pending, resp.ID)
	}
	c.pendingMu.Unlock()
	if !ok {
		log.Warn("dropping response for unknown request id", "id", resp.ID)
		return
	}
	c.timer.KillTimer(pr.timerID)
	pr.resultCh <- pendingOutcome{resp: resp}
}

func (c *Client) failAllPending(err error) {
	c.pendingMu.Lock()
	victims := c.pending
	c.pending = make(map[uint64]*pendingRequest)
	c.pendingMu.Unlock()

	for _, pr := range victims {
		c.timer.KillTimer(pr.timerID)
		pr.resultCh <- pendingOutcome{err: err}
	}
}

// Notify sends a fire-and-forget notification, buffering it if the socket
// is not currently open.
func (c *Client) Notify(method string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return apperror.New(apperror.ParseError, "protoo.Notify", err)
	}
	raw, err := json.Marshal(newNotification(method, payload))
	if err != nil {
		return apperror.New(apperror.ParseError, "protoo.Notify", err)
	}
	c.sendOrBuffer(raw)
	return nil
}

// Request sends a request and blocks until a response arrives, the request
// times out (apperror.RequestTimeout), the socket fails (apperror.TransportFailure),
// or ctx is cancelled.
func (c *Client) Request(ctx context.Context, method string, data any) (Response, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return Response{}, apperror.New(apperror.ParseError, "protoo.Request", err)
	}

	id := atomic.AddUint64(&c.nextID, 1)
	raw, err := json.Marshal(newRequest(id, method, payload))
	if err != nil {
		return Response{}, apperror.New(apperror.ParseError, "protoo.Request", err)
	}

	resultCh := make(chan pendingOutcome, 1)
	pr := &pendingRequest{resultCh: resultCh}

	c.pendingMu.Lock()
	c.pending[id] = pr
	c.pendingMu.Unlock()

	pr.timerID = c.timer.SetTimeout(requestTimeout, func() {
		c.pendingMu.Lock()
		_, ok := c.pending[id]
		if ok {
			delete(c.pending, id)
		}
		c.pendingMu.Unlock()
		if ok {
			resultCh <- pendingOutcome{err: apperror.New(apperror.RequestTimeout, "protoo.Request", fmt.Errorf("method %q timed out", method))}
		}
	})

	c.sendOrBuffer(raw)

	select {
	case outcome := <-resultCh:
		if outcome.err != nil {
			return Response{}, outcome.err
		}
		return outcome.resp, nil
	case <-ctx.Done():
		c.pendingMu.Lock()
		_, ok := c.pending[id]
		if ok {
			delete(c.pending, id)
		}
		c.pendingMu.Unlock()
		if ok {
			c.timer.KillTimer(pr.timerID)
		}
		return Response{}, ctx.Err()
	}
}

// sendResponse always attempts an immediate send, bypassing the pre-open
// buffer: a response arrives only while handling an inbound request, by
// which point the socket that delivered it is, by definition, open.
func (c *Client) sendResponse(resp Response) {
	raw, err := json.Marshal(resp)
	if err != nil {
		log.Warn("failed to marshal response", "err", err)
		return
	}
	select {
	case c.sendChan <- raw:
	case <-c.done:
	}
}

func (c *Client) sendOrBuffer(raw []byte) {
	c.connMu.RLock()
	open := c.open
	c.connMu.RUnlock()

	if !open {
		c.bufMu.Lock()
		c.buffered = append(c.buffered, raw)
		c.bufMu.Unlock()
		return
	}

	select {
	case c.sendChan <- raw:
	case <-c.done:
	}
}

func (c *Client) flushBuffered() {
	c.bufMu.Lock()
	pending := c.buffered
	c.buffered = nil
	c.bufMu.Unlock()

	for _, raw := range pending {
		select {
		case c.sendChan <- raw:
		case <-c.done:
			return
		}
	}
}
