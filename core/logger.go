package core

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Level orders log thresholds: debug < info < warn < error < fatal.
type Level int32

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelFatal
)

var levelNames = [...]string{"debug", "info", "warn", "error", "fatal"}

// String returns the lowercase level name.
func (l Level) String() string {
	if l < LevelDebug || l > LevelFatal {
		return fmt.Sprintf("level(%d)", int32(l))
	}
	return levelNames[l]
}

// ParseLevel maps a config string onto a Level. Unknown strings and the
// empty string resolve to info.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "info", "":
		return LevelInfo
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	case "fatal":
		return LevelFatal
	}
	return LevelInfo
}

// ValidLevel reports whether s names a known log level.
func ValidLevel(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug", "info", "warn", "warning", "error", "fatal":
		return true
	}
	return false
}

// logLine is the JSON shape of one emitted entry.
type logLine struct {
	TS        string                 `json:"ts"`
	Level     string                 `json:"lvl"`
	Msg       string                 `json:"msg"`
	Meta      map[string]interface{} `json:"meta,omitempty"`
	RequestID string                 `json:"requestId,omitempty"`
}

// How often a failing sink may complain on stderr.
const writeErrorInterval = time.Minute

// FileLogger is an asynchronous JSON-lines logger. Entries are encoded at
// the call site, queued on a bounded drop-oldest buffer and written by a
// single consumer goroutine, so a slow or broken disk never blocks request
// handling. Files rotate when the local date changes; warn and error
// entries are additionally mirrored to stderr. When the file sink is
// disabled or unavailable every entry goes to stderr instead.
//
// The zero value is not usable; construct with NewFileLogger.
type FileLogger struct {
	level   atomic.Int32
	queue   *BoundedQueue[[]byte]
	wake    chan struct{}
	flushCh chan chan struct{}
	done    chan struct{}
	wg      sync.WaitGroup
	closed  atomic.Bool

	sink   *lumberjack.Logger // nil = stderr only
	stderr io.Writer
	day    string

	dropped   atomic.Uint64
	onDrop    atomic.Value // func(uint64)
	lastIOErr atomic.Int64 // unix nanos of the last stderr complaint
	now       func() time.Time
}

// NewFileLogger builds and starts a logger from cfg. A log directory that
// cannot be created is reported once on stderr and the logger degrades to
// stderr-only output rather than failing: losing a file sink must never
// take down error handling itself.
func NewFileLogger(cfg LogConfig) *FileLogger {
	limit := cfg.QueueLimit
	if limit <= 0 {
		limit = DefaultConfig().Log.QueueLimit
	}
	l := &FileLogger{
		queue:   NewBoundedQueue[[]byte](limit, 0, true),
		wake:    make(chan struct{}, 1),
		flushCh: make(chan chan struct{}),
		done:    make(chan struct{}),
		stderr:  os.Stderr,
		now:     time.Now,
	}
	l.level.Store(int32(ParseLevel(cfg.Level)))

	if !cfg.DisableFile {
		dir := cfg.Dir
		if dir == "" {
			dir = DefaultConfig().Log.Dir
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			fmt.Fprintf(os.Stderr, "qerrors: log dir %q unavailable, logging to stderr: %v\n", dir, err)
		} else {
			l.sink = &lumberjack.Logger{
				Filename:  filepath.Join(dir, "qerrors.log"),
				MaxAge:    cfg.MaxDays,
				LocalTime: true,
			}
			l.day = l.now().Format("2006-01-02")
		}
	}

	l.wg.Add(1)
	go l.run()
	return l
}

// Level returns the current minimum emitted level.
func (l *FileLogger) Level() Level { return Level(l.level.Load()) }

// SetLevel changes the minimum emitted level at runtime.
func (l *FileLogger) SetLevel(level Level) {
	if level < LevelDebug || level > LevelFatal {
		return
	}
	l.level.Store(int32(level))
}

// OnDrop registers an observer called with the number of entries evicted by
// an overflowing enqueue. Call before the logger is shared.
func (l *FileLogger) OnDrop(fn func(count uint64)) {
	if fn != nil {
		l.onDrop.Store(fn)
	}
}

// Dropped returns how many entries have been evicted so far.
func (l *FileLogger) Dropped() uint64 { return l.dropped.Load() }

func (l *FileLogger) Debug(msg string, fields map[string]interface{}) {
	l.log(LevelDebug, msg, fields)
}

func (l *FileLogger) Info(msg string, fields map[string]interface{}) {
	l.log(LevelInfo, msg, fields)
}

func (l *FileLogger) Warn(msg string, fields map[string]interface{}) {
	l.log(LevelWarn, msg, fields)
}

func (l *FileLogger) Error(msg string, fields map[string]interface{}) {
	l.log(LevelError, msg, fields)
}

// log encodes the entry immediately so later mutation of the fields map by
// the caller cannot race the writer, then hands the line to the consumer.
// It never blocks and never panics.
func (l *FileLogger) log(level Level, msg string, fields map[string]interface{}) {
	if l == nil || l.closed.Load() || level < l.Level() {
		return
	}
	line := encodeLine(l.now().UTC(), level, msg, fields)

	// Mirror high-severity entries synchronously; if there is no file sink
	// the consumer writes everything to stderr in order instead.
	if l.sink != nil && level >= LevelWarn {
		_, _ = l.stderr.Write(line)
	}

	evicted, _ := l.queue.PushEvict(line, int64(len(line)))
	if evicted > 0 {
		l.dropped.Add(uint64(evicted))
		if fn, ok := l.onDrop.Load().(func(uint64)); ok {
			fn(uint64(evicted))
		}
	}
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// encodeLine renders one JSON line, newline terminated. A fields map that
// cannot be marshalled (NaN values, self references the sanitiser did not
// see) is replaced with a placeholder instead of failing the entry.
func encodeLine(ts time.Time, level Level, msg string, fields map[string]interface{}) []byte {
	entry := logLine{
		TS:    ts.Format(time.RFC3339Nano),
		Level: level.String(),
		Msg:   msg,
	}
	if id, ok := fields["request_id"].(string); ok && id != "" {
		entry.RequestID = id
		if len(fields) > 1 {
			meta := make(map[string]interface{}, len(fields)-1)
			for k, v := range fields {
				if k != "request_id" {
					meta[k] = v
				}
			}
			entry.Meta = meta
		}
	} else if len(fields) > 0 {
		entry.Meta = fields
	}

	data, err := json.Marshal(entry)
	if err != nil {
		entry.Meta = map[string]interface{}{"meta": unserialisable}
		data, err = json.Marshal(entry)
		if err != nil {
			// Message itself is unencodable (invalid UTF-8 is replaced by
			// encoding/json, so this is close to unreachable).
			data = []byte(fmt.Sprintf(`{"ts":%q,"lvl":%q,"msg":%q}`, entry.TS, entry.Level, unserialisable))
		}
	}
	return append(data, '\n')
}

// run is the single consumer. It drains the queue on wakeups, serves flush
// barriers and performs the final drain on shutdown.
func (l *FileLogger) run() {
	defer l.wg.Done()
	for {
		select {
		case <-l.done:
			l.drain()
			return
		case <-l.wake:
			l.drain()
		case reply := <-l.flushCh:
			l.drain()
			close(reply)
		}
	}
}

func (l *FileLogger) drain() {
	for {
		line, ok := l.queue.Pop()
		if !ok {
			return
		}
		l.write(line)
	}
}

func (l *FileLogger) write(line []byte) {
	if l.sink == nil {
		_, _ = l.stderr.Write(line)
		return
	}
	l.rotateIfNewDay()
	if _, err := l.sink.Write(line); err != nil {
		l.reportWriteError(err)
	}
}

// rotateIfNewDay rotates the file when the local date changes. Retention is
// lumberjack's: rotation renames the current file and prunes anything older
// than MaxAge days.
func (l *FileLogger) rotateIfNewDay() {
	day := l.now().Format("2006-01-02")
	if day == l.day {
		return
	}
	l.day = day
	if err := l.sink.Rotate(); err != nil {
		l.reportWriteError(err)
	}
}

// reportWriteError complains on stderr at most once per minute so a dead
// disk does not turn the mirror into a firehose.
func (l *FileLogger) reportWriteError(err error) {
	now := l.now().UnixNano()
	last := l.lastIOErr.Load()
	if now-last < int64(writeErrorInterval) {
		return
	}
	if l.lastIOErr.CompareAndSwap(last, now) {
		fmt.Fprintf(os.Stderr, "qerrors: log write failed: %v\n", err)
	}
}

// Flush blocks until every entry accepted before the call has been written,
// or the context is done. A closed logger has already drained and returns
// immediately.
func (l *FileLogger) Flush(ctx context.Context) error {
	reply := make(chan struct{})
	select {
	case l.flushCh <- reply:
	case <-l.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-reply:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops intake, drains the queue and closes the file sink. Safe to
// call more than once.
func (l *FileLogger) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(l.done)
	l.wg.Wait()
	if l.sink != nil {
		return l.sink.Close()
	}
	return nil
}
