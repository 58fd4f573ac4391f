package bus

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
)

var (
	traceEncMode cbor.EncMode
	traceDecMode cbor.DecMode
)

func init() {
	var err error

	encOpts := cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
		Time:          cbor.TimeRFC3339Nano,
	}
	traceEncMode, err = encOpts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create trace CBOR encoder mode: %v", err))
	}

	decOpts := cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyQuiet,
		IndefLength: cbor.IndefLengthAllowed,
	}
	traceDecMode, err = decOpts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create trace CBOR decoder mode: %v", err))
	}
}

// TraceRecord is one exchange as written to a trace file.
type TraceRecord struct {
	Op       string        `cbor:"1,keyasint" json:"op"`
	Target   uint8         `cbor:"2,keyasint" json:"target"`
	Detail   string        `cbor:"3,keyasint" json:"detail"`
	Started  time.Time     `cbor:"4,keyasint" json:"started"`
	Duration time.Duration `cbor:"5,keyasint" json:"duration"`
	Version  uint16        `cbor:"6,keyasint,omitempty" json:"version,omitempty"`
	Error    string        `cbor:"7,keyasint,omitempty" json:"error,omitempty"`
	Timeout  bool          `cbor:"8,keyasint,omitempty" json:"timeout,omitempty"`
}

// NewTraceRecord converts an exchange outcome into a TraceRecord.
func NewTraceRecord(res Result, err error) TraceRecord {
	rec := TraceRecord{
		Op:       res.Op.Kind(),
		Target:   res.Op.Target(),
		Detail:   res.Op.String(),
		Started:  res.Started,
		Duration: res.Duration,
		Version:  res.HardwareVersion,
	}
	if err != nil {
		rec.Error = err.Error()
		rec.Timeout = errors.Is(err, ErrTimeout)
	}
	return rec
}

// TraceWriter appends a CBOR record per exchange to a stream.
// Register its Observe method with Coordinator.Observe.
type TraceWriter struct {
	mu     sync.Mutex
	w      io.Writer
	enc    *cbor.Encoder
	failed bool
	logger Logger
}

// NewTraceWriter writes records to w. If w is an io.Closer, Close closes it.
func NewTraceWriter(w io.Writer, logger Logger) *TraceWriter {
	if logger == nil {
		logger = noopLogger{}
	}
	return &TraceWriter{
		w:      w,
		enc:    traceEncMode.NewEncoder(w),
		logger: logger,
	}
}

// OpenTraceFile appends records to the file at path, creating it if needed.
func OpenTraceFile(path string, logger Logger) (*TraceWriter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, fmt.Errorf("opening trace file: %w", err)
	}
	return NewTraceWriter(f, logger), nil
}

// Observe records one exchange. It matches the Observer signature.
func (t *TraceWriter) Observe(res Result, err error) {
	rec := NewTraceRecord(res, err)

	t.mu.Lock()
	defer t.mu.Unlock()
	if encErr := t.enc.Encode(rec); encErr != nil {
		// Only the first failure is logged.
		if !t.failed {
			t.logger.Warn("writing bus trace failed", "error", encErr)
			t.failed = true
		}
	}
}

// Close closes the underlying writer when it is closable.
func (t *TraceWriter) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// ReadTrace decodes records from r until EOF, calling fn for each one.
func ReadTrace(r io.Reader, fn func(TraceRecord) error) error {
	dec := traceDecMode.NewDecoder(r)
	for {
		var rec TraceRecord
		if err := dec.Decode(&rec); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("decoding trace record: %w", err)
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
}
