package recorder

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// DefaultMaxBytes caps a recording at 100 MiB.
const DefaultMaxBytes = 100 << 20

const (
	flushInterval = 500 * time.Millisecond
	bufferSize    = 64 << 10
	queueSize     = 4096
)

// ErrAlreadyRecording is returned by Start while a session is active.
var ErrAlreadyRecording = errors.New("already recording")

// Session describes a recording.
type Session struct {
	Path         string    `json:"path"`
	BytesWritten int64     `json:"bytesWritten"`
	MaxBytes     int64     `json:"maxBytes"`
	Active       bool      `json:"active"`
	Started      time.Time `json:"started"`
	Dropped      int64     `json:"dropped"`
}

type session struct {
	info  Session
	queue chan []byte
	done  chan struct{}
}

// Recorder appends telemetry lines to a bounded JSON-lines file.
// Disk writes happen on a background goroutine so Feed never blocks.
type Recorder struct {
	log *zap.Logger

	mx   sync.Mutex
	cur  *session
	last *session
}

// New creates an idle Recorder.
func New(log *zap.Logger) *Recorder {
	return &Recorder{log: log}
}

// FileName returns a unique recording file name for t.
func FileName(t time.Time) string {
	return fmt.Sprintf("recording-%s-%s.jsonl", t.UTC().Format("20060102T150405Z"), uuid.New())
}

// Start begins recording to path. A maxBytes of zero uses DefaultMaxBytes.
func (r *Recorder) Start(path string, maxBytes int64) error {
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.cur != nil {
		return ErrAlreadyRecording
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}

	err := os.MkdirAll(filepath.Dir(path), 0755)
	if err != nil {
		return errors.Wrap(err, "create recording dir")
	}
	fd, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return errors.Wrap(err, "create recording")
	}

	s := &session{
		info: Session{
			Path:     path,
			MaxBytes: maxBytes,
			Active:   true,
			Started:  time.Now(),
		},
		queue: make(chan []byte, queueSize),
		done:  make(chan struct{}),
	}
	go r.writeLoop(fd, s)
	r.cur = s
	r.log.Info("recording started", zap.String("path", path), zap.Int64("maxBytes", maxBytes))
	return nil
}

func (r *Recorder) writeLoop(fd *os.File, s *session) {
	defer close(s.done)
	w := bufio.NewWriterSize(fd, bufferSize)
	t := time.NewTicker(flushInterval)
	defer t.Stop()

	var failed bool
	for {
		select {
		case line, ok := <-s.queue:
			if !ok {
				err := w.Flush()
				if err != nil && !failed {
					r.log.Error("flush recording", zap.Error(err))
				}
				err = fd.Close()
				if err != nil {
					r.log.Error("close recording", zap.Error(err))
				}
				return
			}
			if failed {
				continue
			}
			_, err := w.Write(line)
			if err != nil {
				failed = true
				r.log.Error("write recording, discarding remaining samples", zap.Error(err))
			}
		case <-t.C:
			if failed {
				continue
			}
			err := w.Flush()
			if err != nil {
				failed = true
				r.log.Error("flush recording, discarding remaining samples", zap.Error(err))
			}
		}
	}
}

// Feed appends one line. It is a no-op when not recording.
func (r *Recorder) Feed(line []byte) {
	r.mx.Lock()
	defer r.mx.Unlock()
	s := r.cur
	if s == nil {
		return
	}

	data := make([]byte, len(line)+1)
	copy(data, line)
	data[len(line)] = '\n'

	select {
	case s.queue <- data:
		s.info.BytesWritten += int64(len(data))
	default:
		s.info.Dropped++
		return
	}

	if s.info.BytesWritten >= s.info.MaxBytes {
		r.log.Warn("recording reached size limit, stopping",
			zap.String("path", s.info.Path), zap.Int64("bytes", s.info.BytesWritten))
		r.finish()
	}
}

func (r *Recorder) finish() *session {
	s := r.cur
	s.info.Active = false
	close(s.queue)
	r.cur = nil
	r.last = s
	return s
}

// Stop ends the active recording and waits for it to reach disk. It
// returns false if nothing was recording.
func (r *Recorder) Stop() (Session, bool) {
	r.mx.Lock()
	if r.cur == nil {
		r.mx.Unlock()
		return Session{}, false
	}
	s := r.finish()
	info := s.info
	r.mx.Unlock()

	<-s.done
	r.log.Info("recording stopped", zap.String("path", info.Path), zap.Int64("bytes", info.BytesWritten))
	return info, true
}

// Current returns the active session, if any.
func (r *Recorder) Current() (Session, bool) {
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.cur == nil {
		return Session{}, false
	}
	return r.cur.info, true
}

// Last returns the path of the most recent finished recording, waiting
// for it to be fully written.
func (r *Recorder) Last() (string, bool) {
	r.mx.Lock()
	s := r.last
	r.mx.Unlock()
	if s == nil {
		return "", false
	}
	<-s.done
	return s.info.Path, true
}

// Close stops any active recording.
func (r *Recorder) Close() error {
	r.Stop()
	return nil
}
