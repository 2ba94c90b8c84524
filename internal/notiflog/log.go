package notiflog

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"yangvault/internal/config"
	"yangvault/internal/errcode"
	"yangvault/internal/logging"
)

// Roll and retention policy defaults.
const (
	DefaultMaxSize   = 1 << 20 // roll when the active file crosses 1 MiB
	DefaultMaxAge    = time.Hour
	DefaultRetention = 14 * 24 * time.Hour
)

// Algo selects the compression applied to rolled files.
type Algo string

const (
	AlgoZstd   Algo = "zstd"
	AlgoBrotli Algo = "brotli"
)

// Log manages one repository's notification logs (all modules).
type Log struct {
	mu     sync.Mutex
	paths  config.Paths
	algo   Algo
	maxSize   int64
	maxAge    time.Duration
	retention time.Duration
	// first timestamp in each module's active file
	firstTS map[string]int64
	logger  *slog.Logger
}

// New creates a notification log manager with the default roll and
// retention policy; an empty algo takes zstd.
func New(paths config.Paths, algo Algo, logger *slog.Logger) *Log {
	if algo == "" {
		algo = AlgoZstd
	}
	return &Log{
		paths:     paths,
		algo:      algo,
		maxSize:   DefaultMaxSize,
		maxAge:    DefaultMaxAge,
		retention: DefaultRetention,
		firstTS:   make(map[string]int64),
		logger:    logging.Default(logger).With("component", "notiflog"),
	}
}

func (l *Log) activePath(module string) string {
	return filepath.Join(l.paths.NotifDir(), module+".notif")
}

func (l *Log) rolledPath(module string, from, to int64) string {
	return filepath.Join(l.paths.NotifDir(), fmt.Sprintf("%s.notif.%d-%d", module, from, to))
}

// Append logs one notification for a module, rolling the active file
// first when the size or age policy says so.
func (l *Log) Append(module string, rec Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.maybeRollLocked(module, rec.TS); err != nil {
		return err
	}

	buf, err := EncodeRecord(rec)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(l.activePath(module), os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600)
	if err != nil {
		return errcode.Wrap(errcode.Sys, err, "open notification log")
	}
	defer f.Close()
	if _, err := f.Write(buf); err != nil {
		return errcode.Wrap(errcode.Sys, err, "append notification")
	}
	if err := f.Sync(); err != nil {
		return errcode.Wrap(errcode.Sys, err, "sync notification log")
	}
	if _, ok := l.firstTS[module]; !ok {
		l.firstTS[module] = rec.TS.Unix()
	}
	return nil
}

func (l *Log) maybeRollLocked(module string, now time.Time) error {
	info, err := os.Stat(l.activePath(module))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errcode.Wrap(errcode.Sys, err, "stat notification log")
	}

	first, ok := l.firstTS[module]
	if !ok {
		// Recover the range start from the file's first record.
		recs, err := l.readActive(module)
		if err != nil || len(recs) == 0 {
			first = now.Unix()
		} else {
			first = recs[0].TS.Unix()
		}
		l.firstTS[module] = first
	}

	age := now.Unix() - first
	if info.Size() < l.maxSize && age < int64(l.maxAge/time.Second) {
		return nil
	}
	return l.rollLocked(module)
}

func (l *Log) rollLocked(module string) error {
	recs, err := l.readActive(module)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		return nil
	}
	from := recs[0].TS.Unix()
	to := recs[len(recs)-1].TS.Unix()
	rolled := l.rolledPath(module, from, to)
	if err := os.Rename(l.activePath(module), rolled); err != nil {
		return errcode.Wrap(errcode.Sys, err, "roll notification log")
	}
	delete(l.firstTS, module)
	if err := compressFile(rolled, l.algo); err != nil {
		// The uncompressed rolled file still replays fine.
		l.logger.Warn("notification log compression failed", "module", module, "err", err)
	}
	l.logger.Debug("rolled notification log", "module", module, "from", from, "to", to)
	return nil
}

func (l *Log) readActive(module string) ([]Record, error) {
	buf, err := os.ReadFile(l.activePath(module))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errcode.Wrap(errcode.Sys, err, "read notification log")
	}
	return DecodeAll(buf)
}

// rolledFile is one rolled log with its timestamp range.
type rolledFile struct {
	path     string
	from, to int64
}

func (l *Log) rolledFiles(module string) ([]rolledFile, error) {
	entries, err := os.ReadDir(l.paths.NotifDir())
	if err != nil {
		return nil, errcode.Wrap(errcode.Sys, err, "list notification logs")
	}
	prefix := module + ".notif."
	var out []rolledFile
	for _, e := range entries {
		name := e.Name()
		rest, ok := strings.CutPrefix(name, prefix)
		if !ok {
			continue
		}
		rest = strings.TrimSuffix(strings.TrimSuffix(rest, ".zst"), ".br")
		fromStr, toStr, ok := strings.Cut(rest, "-")
		if !ok {
			continue
		}
		from, err1 := strconv.ParseInt(fromStr, 10, 64)
		to, err2 := strconv.ParseInt(toStr, 10, 64)
		if err1 != nil || err2 != nil {
			continue
		}
		out = append(out, rolledFile{path: filepath.Join(l.paths.NotifDir(), name), from: from, to: to})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].from < out[j].from })
	return out, nil
}

// Replay returns every logged notification of a module with start ≤ ts
// (and, when stop is nonzero, ts ≤ stop), in timestamp order.
func (l *Log) Replay(module string, start, stop time.Time) ([]Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []Record
	rolled, err := l.rolledFiles(module)
	if err != nil {
		return nil, err
	}
	for _, rf := range rolled {
		if rf.to < start.Unix() {
			continue
		}
		if !stop.IsZero() && rf.from > stop.Unix() {
			continue
		}
		buf, err := readMaybeCompressed(rf.path)
		if err != nil {
			return nil, err
		}
		recs, err := DecodeAll(buf)
		if err != nil {
			return nil, err
		}
		out = append(out, filterRange(recs, start, stop)...)
	}

	active, err := l.readActive(module)
	if err != nil {
		return nil, err
	}
	out = append(out, filterRange(active, start, stop)...)
	return out, nil
}

func filterRange(recs []Record, start, stop time.Time) []Record {
	var out []Record
	for _, r := range recs {
		if r.TS.Before(start) {
			continue
		}
		if !stop.IsZero() && r.TS.After(stop) {
			continue
		}
		out = append(out, r)
	}
	return out
}

// Prune removes rolled logs whose newest record is older than the
// retention horizon.
func (l *Log) Prune(module string, now time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	rolled, err := l.rolledFiles(module)
	if err != nil {
		return err
	}
	horizon := now.Add(-l.retention).Unix()
	for _, rf := range rolled {
		if rf.to >= horizon {
			continue
		}
		if err := os.Remove(rf.path); err != nil && !os.IsNotExist(err) {
			return errcode.Wrap(errcode.Sys, err, "prune notification log")
		}
		l.logger.Debug("pruned notification log", "module", module, "path", rf.path)
	}
	return nil
}

// RemoveAll deletes every log file of a module (module removal).
func (l *Log) RemoveAll(module string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	rolled, err := l.rolledFiles(module)
	if err != nil {
		return err
	}
	for _, rf := range rolled {
		_ = os.Remove(rf.path)
	}
	err = os.Remove(l.activePath(module))
	if err != nil && !os.IsNotExist(err) {
		return errcode.Wrap(errcode.Sys, err, "remove notification log")
	}
	delete(l.firstTS, module)
	return nil
}
