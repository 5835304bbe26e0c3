package plunger

import (
	"bufio"
	"encoding/json"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/tarm/serial"
	"go.uber.org/zap"
)

// DefaultBaud is the rate used by both firmware variants.
const DefaultBaud = 115200

// ErrClosed is returned from Send after Close.
var ErrClosed = errors.New("serial link closed")

// Snapshot is the latest known peripheral state.
type Snapshot struct {
	Force       float64      `json:"force"`
	HasForce    bool         `json:"hasForce"`
	Pressure    float64      `json:"pressure"`
	Temperature *Temperature `json:"temperature,omitempty"`
	Updated     time.Time    `json:"updated"`
}

// Link is a connection to the load-cell/heater/pump peripheral.
type Link struct {
	rw  io.ReadWriter
	log *zap.Logger

	wMx sync.Mutex

	mx   sync.RWMutex
	last Snapshot

	frames  chan Frame
	closeCh chan struct{}
	once    sync.Once

	dropped uint64
	now     func() time.Time
}

// Open will open the named serial port and start reading frames.
func Open(port string, baud int, log *zap.Logger) (*Link, error) {
	if baud <= 0 {
		baud = DefaultBaud
	}
	p, err := serial.OpenPort(&serial.Config{Name: port, Baud: baud})
	if err != nil {
		return nil, errors.Wrapf(err, "open serial port %s", port)
	}
	l := New(p, log.With(zap.String("port", port)))
	err = l.Send(Handshake())
	if err != nil {
		l.Close()
		return nil, err
	}
	log.Info("serial link open", zap.String("port", port), zap.Int("baud", baud))
	return l, nil
}

// New creates a Link over an existing ReadWriter. The reader is
// started immediately.
func New(rw io.ReadWriter, log *zap.Logger) *Link {
	l := &Link{
		rw:      rw,
		log:     log,
		frames:  make(chan Frame, 256),
		closeCh: make(chan struct{}),
		now:     time.Now,
	}
	go l.readLoop()
	return l
}

// Frames delivers every parsed frame in arrival order. The channel
// is closed when the underlying reader fails or the link is closed.
func (l *Link) Frames() <-chan Frame { return l.frames }

// Dropped returns the number of malformed lines discarded so far.
func (l *Link) Dropped() uint64 { return atomic.LoadUint64(&l.dropped) }

// Latest returns the most recent force, pressure and temperature readings.
func (l *Link) Latest() Snapshot {
	l.mx.RLock()
	defer l.mx.RUnlock()
	return l.last
}

func (l *Link) update(f *Frame) {
	l.mx.Lock()
	defer l.mx.Unlock()
	if f.Force != nil {
		l.last.Force = *f.Force
		l.last.HasForce = true
	}
	if f.PumpSensor != nil {
		l.last.Pressure = *f.PumpSensor
	}
	if f.Temperature != nil {
		t := *f.Temperature
		l.last.Temperature = &t
	}
	l.last.Updated = f.Received
}

// MaxLineSize is the longest accepted telemetry line. Longer lines are
// discarded up to the next newline and counted as dropped.
const MaxLineSize = 64 << 10

func (l *Link) readLoop() {
	defer close(l.frames)

	r := bufio.NewReaderSize(l.rw, MaxLineSize)
	var skipping bool
	for {
		line, err := r.ReadSlice('\n')
		if err == bufio.ErrBufferFull {
			if !skipping {
				skipping = true
				atomic.AddUint64(&l.dropped, 1)
				l.log.Debug("drop oversized line", zap.Int("limit", MaxLineSize))
			}
			continue
		}
		if skipping {
			// tail of an oversized line
			skipping = false
		} else if !l.handleLine(line) {
			return
		}
		if err != nil {
			select {
			case <-l.closeCh:
			default:
				l.log.Error("serial read stopped", zap.Error(err))
			}
			return
		}
	}
}

// handleLine parses and delivers one line. It returns false once the
// link is closed.
func (l *Link) handleLine(line []byte) bool {
	f, err := parseFrame(line, l.now())
	if err != nil {
		atomic.AddUint64(&l.dropped, 1)
		l.log.Debug("drop frame", zap.Error(err))
		return true
	}
	if f == nil {
		return true
	}
	if f.Error != "" {
		l.log.Warn("peripheral error", zap.String("error", f.Error), zap.String("msg", f.Message))
	}
	l.update(f)

	select {
	case l.frames <- *f:
		return true
	case <-l.closeCh:
		return false
	}
}

// Send writes a single command line. No acknowledgement is tracked.
func (l *Link) Send(c Command) error {
	select {
	case <-l.closeCh:
		return ErrClosed
	default:
	}

	data, err := json.Marshal(c)
	if err != nil {
		return errors.Wrap(err, "encode command")
	}
	data = append(data, '\n')

	l.wMx.Lock()
	_, err = l.rw.Write(data)
	l.wMx.Unlock()
	if err != nil {
		return errors.Wrapf(err, "write %s", c.Key)
	}
	l.log.Debug("sent", zap.ByteString("cmd", data[:len(data)-1]))
	return nil
}

// Close stops the reader and closes the underlying port, if it
// implements io.Closer.
func (l *Link) Close() error {
	var err error
	l.once.Do(func() {
		close(l.closeCh)
		if c, ok := l.rw.(io.Closer); ok {
			err = c.Close()
		}
	})
	return err
}
