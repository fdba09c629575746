package stream

import (
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/fermionq/fermion/pkg/client/domain"
)

// Callback is invoked for every interim and final result message received on
// a job's stream, in receipt order.
type Callback func(jobID string, msg *domain.StreamMessage)

// ConnectionFactory opens a fresh stream connection for the streamer's job.
// Injected so tests can substitute an in-memory connection.
type ConnectionFactory func() (*Connection, error)

// Streamer composes a stream connection with a consumer goroutine which
// dispatches received messages to a user callback. At most one stream may be
// active per job at a time; the stream can be started, queried, and cancelled
// independently of whether a callback was registered.
type Streamer struct {
	jobID   string
	connect ConnectionFactory

	mu   sync.Mutex
	conn *Connection
	done chan struct{}
}

func NewStreamer(jobID string, connect ConnectionFactory) *Streamer {
	return &Streamer{
		jobID:   jobID,
		connect: connect,
	}
}

// Start opens the stream and spawns the consumer loop. callback may be nil;
// the stream is still consumed so that completion is observed promptly.
// Returns an error if a stream is already active for this job.
func (s *Streamer) Start(callback Callback) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.streamingLocked() {
		return errors.Errorf("a result stream is already active for job %s", s.jobID)
	}

	conn, err := s.connect()
	if err != nil {
		return errors.Wrapf(err, "error opening result stream for job %s", s.jobID)
	}

	done := make(chan struct{})
	s.conn = conn
	s.done = done

	conn.Start()
	go s.consume(conn, callback, done)
	return nil
}

// consume pulls messages off the connection's queue and invokes the callback
// in receipt order. The poison pill (nil) is always the last item; faults in
// user code are logged and must never stop dispatch of later messages.
func (s *Streamer) consume(conn *Connection, callback Callback, done chan struct{}) {
	defer close(done)
	for msg := range conn.Queue() {
		if msg == nil {
			return
		}
		if callback == nil {
			continue
		}
		s.dispatch(callback, msg)
	}
}

func (s *Streamer) dispatch(callback Callback, msg *domain.StreamMessage) {
	defer func() {
		if r := recover(); r != nil {
			log.WithField("jobId", s.jobID).Errorf("result callback panicked: %v", r)
		}
	}()
	callback(s.jobID, msg)
}

// IsStreaming reports whether a stream is currently active. It never blocks.
func (s *Streamer) IsStreaming() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamingLocked()
}

func (s *Streamer) streamingLocked() bool {
	if s.conn == nil {
		return false
	}
	select {
	case <-s.conn.Done():
		return false
	default:
		return true
	}
}

// Done returns a channel closed once the active stream has fully drained,
// including delivery of all buffered messages. If no stream was ever started
// the returned channel is already closed.
func (s *Streamer) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return s.done
}

// Cancel requests an immediate disconnect of the active stream, if any. Safe
// to call from any goroutine, including from inside a callback: it signals
// the connection and returns without waiting for the consumer to exit.
func (s *Streamer) Cancel() {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		conn.Cancel()
	}
}
