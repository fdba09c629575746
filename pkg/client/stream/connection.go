package stream

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/fermionq/fermion/pkg/client/domain"
)

const (
	// CloseCodeCancelled is sent when the client tears the stream down,
	// distinguishing a deliberate cancel from normal server completion.
	CloseCodeCancelled = 4002

	defaultQueueSize     = 256
	defaultMaxReconnects = 5
	readTimeout          = 30 * time.Second
)

// Config controls a result stream connection.
type Config struct {
	// QueueSize bounds the buffer between the receive loop and the consumer.
	QueueSize int
	// MaxReconnects bounds how often a dropped connection is re-established
	// before the connection gives up and emits the poison pill.
	MaxReconnects int
	// ReconnectDelay is the base delay between reconnect attempts.
	ReconnectDelay time.Duration
}

func DefaultConfig() Config {
	return Config{
		QueueSize:      defaultQueueSize,
		MaxReconnects:  defaultMaxReconnects,
		ReconnectDelay: 1 * time.Second,
	}
}

// Connection is a persistent, cancellable result stream scoped to one job.
// It owns a background receive loop which pushes decoded frames into a
// bounded queue, reconnecting transparently on connection loss. The loop
// gives up and enqueues the poison pill (a nil message) once the job's
// cached status is terminal or the reconnect budget is exhausted.
type Connection struct {
	jobID    string
	url      string
	header   http.Header
	config   Config
	terminal func() bool

	queue chan *domain.StreamMessage
	pill  sync.Once

	mu        sync.Mutex
	ws        *websocket.Conn
	cancelled bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewConnection prepares a stream connection for jobID. terminal reports the
// job's cached status; it must not block or perform network calls.
func NewConnection(url string, header http.Header, jobID string, terminal func() bool, config Config) *Connection {
	if config.QueueSize <= 0 {
		config.QueueSize = defaultQueueSize
	}
	if config.MaxReconnects <= 0 {
		config.MaxReconnects = defaultMaxReconnects
	}
	if terminal == nil {
		terminal = func() bool { return false }
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Connection{
		jobID:    jobID,
		url:      url,
		header:   header,
		config:   config,
		terminal: terminal,
		queue:    make(chan *domain.StreamMessage, config.QueueSize),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

// Start launches the background receive loop.
func (c *Connection) Start() {
	go c.receiveLoop()
}

// Queue returns the channel frames are delivered on. A nil message is the
// poison pill: it is the last value ever sent and is sent exactly once.
func (c *Connection) Queue() <-chan *domain.StreamMessage {
	return c.queue
}

// Done is closed when the receive loop has exited.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Cancel requests an immediate disconnect. It is non-blocking and safe to
// call from any goroutine, any number of times.
func (c *Connection) Cancel() {
	c.mu.Lock()
	c.cancelled = true
	ws := c.ws
	c.mu.Unlock()

	if ws != nil {
		deadline := time.Now().Add(time.Second)
		msg := websocket.FormatCloseMessage(CloseCodeCancelled, "cancelled by client")
		if err := ws.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
			log.WithField("jobId", c.jobID).Debugf("error sending close frame: %v", err)
		}
		// unblock any in-flight read immediately
		_ = ws.Close()
	}
	c.cancel()
}

func (c *Connection) isCancelled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelled
}

// receiveLoop dials the stream and pumps frames into the queue until the
// stream finishes, the connection is cancelled, or the reconnect budget runs
// out. Exactly one poison pill is enqueued on the way out.
func (c *Connection) receiveLoop() {
	defer close(c.done)
	defer c.dropPill()
	defer c.closeSocket()

	lastSeq := int64(-1)
	for reconnects := 0; ; reconnects++ {
		if c.isCancelled() || c.terminal() {
			return
		}
		if reconnects > c.config.MaxReconnects {
			log.WithField("jobId", c.jobID).Warn("result stream gave up after exhausting reconnect budget")
			return
		}

		ws, err := c.dial()
		if err != nil {
			if !c.isCancelled() {
				log.WithField("jobId", c.jobID).Errorf("error connecting result stream: %v", err)
			}
			return
		}

		finished, err := c.pump(ws, &lastSeq)
		if finished {
			return
		}
		if c.isCancelled() || c.terminal() {
			return
		}
		log.WithField("jobId", c.jobID).Debugf("result stream dropped, reconnecting: %v", err)
	}
}

// pump reads frames from one websocket until it fails or completes. It
// reports finished=true when no reconnect should be attempted.
func (c *Connection) pump(ws *websocket.Conn, lastSeq *int64) (bool, error) {
	for {
		if err := ws.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			return false, errors.WithStack(err)
		}
		var msg domain.StreamMessage
		if err := ws.ReadJSON(&msg); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				// server finished the stream
				return true, nil
			}
			if c.isCancelled() {
				return true, nil
			}
			return false, err
		}

		// duplicate suppression after a reconnect
		if msg.Seq != 0 && msg.Seq <= *lastSeq {
			continue
		}
		if msg.Seq != 0 {
			*lastSeq = msg.Seq
		}
		msg.JobID = c.jobID

		select {
		case c.queue <- &msg:
		case <-c.ctx.Done():
			return true, nil
		}
		if msg.Final {
			return true, nil
		}
	}
}

func (c *Connection) dial() (*websocket.Conn, error) {
	var ws *websocket.Conn
	err := retry.Do(
		func() error {
			dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
			conn, _, err := dialer.DialContext(c.ctx, c.url, c.header)
			if err != nil {
				return errors.Wrapf(err, "error dialing result stream for job %s", c.jobID)
			}
			ws = conn
			return nil
		},
		retry.Attempts(uint(c.config.MaxReconnects)),
		retry.Delay(c.config.ReconnectDelay),
		retry.DelayType(retry.CombineDelay(retry.BackOffDelay, retry.RandomDelay)),
		retry.LastErrorOnly(true),
		retry.Context(c.ctx),
	)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	old := c.ws
	c.ws = ws
	cancelled := c.cancelled
	c.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	if cancelled {
		// lost the race with Cancel; do not hand out a live socket
		_ = ws.Close()
		return nil, errors.New("stream cancelled")
	}
	return ws, nil
}

func (c *Connection) closeSocket() {
	c.mu.Lock()
	ws := c.ws
	c.ws = nil
	c.mu.Unlock()
	if ws != nil {
		_ = ws.Close()
	}
}

// dropPill enqueues the terminal sentinel. On normal completion the consumer
// keeps draining until it sees the pill, so wait for room rather than discard
// a buffered frame from under a slow consumer. Only a cancelled stream may
// have no consumer left; make room there by dropping the oldest frames.
func (c *Connection) dropPill() {
	c.pill.Do(func() {
		select {
		case c.queue <- nil:
			return
		case <-c.ctx.Done():
		}
		for {
			select {
			case c.queue <- nil:
				return
			default:
				select {
				case <-c.queue:
				default:
				}
			}
		}
	})
}
