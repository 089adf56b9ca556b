// Package timeslice records how long named phases take and can stream the
// samples to a compact binary trace.
package timeslice

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"
)

const (
	Magic   uint32 = 0x54534c46 // "TSLF"
	Version uint32 = 3
)

const pageSize = 4096

type header struct {
	Magic       uint32
	Version     uint32
	KindsLength uint32
}

type record struct {
	Kind     Kind
	Duration int64
}

var recordSize = binary.Size(record{})

// Kind identifies a phase. Kinds are registered once, usually in a package
// level var block.
type Kind uint32

var (
	kindsMu sync.Mutex
	kinds   = map[Kind]string{}
)

// RegisterKind returns a new Kind for name.
func RegisterKind(name string) Kind {
	kindsMu.Lock()
	defer kindsMu.Unlock()

	k := Kind(len(kinds) + 1)
	kinds[k] = name
	return k
}

func (k Kind) String() string {
	kindsMu.Lock()
	defer kindsMu.Unlock()

	if name, ok := kinds[k]; ok {
		return name
	}
	return fmt.Sprintf("kind%d", uint32(k))
}

// Stat aggregates the samples of one kind.
type Stat struct {
	Name  string
	Count int
	Total time.Duration
	Max   time.Duration
}

// Mean returns the average sample duration.
func (s Stat) Mean() time.Duration {
	if s.Count == 0 {
		return 0
	}
	return s.Total / time.Duration(s.Count)
}

// Recorder measures consecutive phases. It is not safe for concurrent use.
type Recorder struct {
	last  time.Time
	stats map[Kind]*Stat
	out   *bufio.Writer
	err   error
}

// NewRecorder starts timing from now.
func NewRecorder() *Recorder {
	return &Recorder{last: time.Now(), stats: map[Kind]*Stat{}}
}

// Mark restarts the clock without recording a sample.
func (r *Recorder) Mark() { r.last = time.Now() }

// Record attributes the time since the previous Record or Mark to kind.
func (r *Recorder) Record(kind Kind) {
	now := time.Now()
	r.Add(kind, now.Sub(r.last))
	r.last = now
}

// Add records an explicit sample.
func (r *Recorder) Add(kind Kind, d time.Duration) {
	s, ok := r.stats[kind]
	if !ok {
		s = &Stat{Name: kind.String()}
		r.stats[kind] = s
	}
	s.Count++
	s.Total += d
	s.Max = max(s.Max, d)

	if r.out != nil && r.err == nil {
		b := make([]byte, recordSize)
		binary.LittleEndian.PutUint32(b[0:4], uint32(kind))
		binary.LittleEndian.PutUint64(b[4:12], uint64(d.Nanoseconds()))
		_, r.err = r.out.Write(b)
	}
}

// Summary returns one Stat per recorded kind in registration order.
func (r *Recorder) Summary() []Stat {
	keys := make([]Kind, 0, len(r.stats))
	for k := range r.stats {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	out := make([]Stat, 0, len(keys))
	for _, k := range keys {
		out = append(out, *r.stats[k])
	}
	return out
}

// Stream writes a trace header to w and every later sample after it. The
// header is padded to a page so samples start aligned.
func (r *Recorder) Stream(w io.Writer) error {
	if r.out != nil {
		return fmt.Errorf("timeslice: already streaming")
	}

	kindsMu.Lock()
	names, err := json.Marshal(kinds)
	kindsMu.Unlock()
	if err != nil {
		return fmt.Errorf("timeslice: marshal kinds: %w", err)
	}

	out := bufio.NewWriterSize(w, pageSize)
	if err := binary.Write(out, binary.LittleEndian, header{
		Magic:       Magic,
		Version:     Version,
		KindsLength: uint32(len(names)),
	}); err != nil {
		return fmt.Errorf("timeslice: write header: %w", err)
	}
	if _, err := out.Write(names); err != nil {
		return fmt.Errorf("timeslice: write kinds: %w", err)
	}
	if off := binary.Size(header{}) + len(names); off%pageSize != 0 {
		if _, err := out.Write(make([]byte, pageSize-off%pageSize)); err != nil {
			return fmt.Errorf("timeslice: write padding: %w", err)
		}
	}
	r.out = out
	return nil
}

// Flush writes buffered samples and reports the first streaming error.
func (r *Recorder) Flush() error {
	if r.out == nil {
		return nil
	}
	if r.err != nil {
		return fmt.Errorf("timeslice: write sample: %w", r.err)
	}
	if err := r.out.Flush(); err != nil {
		return fmt.Errorf("timeslice: flush: %w", err)
	}
	return nil
}

// ReadAll decodes a trace written by Stream, calling fn for each sample.
func ReadAll(r io.Reader, fn func(name string, d time.Duration) error) error {
	buf := bufio.NewReaderSize(r, pageSize)

	var hdr header
	if err := binary.Read(buf, binary.LittleEndian, &hdr); err != nil {
		return fmt.Errorf("timeslice: read header: %w", err)
	}
	if hdr.Magic != Magic {
		return fmt.Errorf("timeslice: invalid magic 0x%08x", hdr.Magic)
	}
	if hdr.Version != Version {
		return fmt.Errorf("timeslice: unsupported version %d", hdr.Version)
	}

	var names map[Kind]string
	dec := json.NewDecoder(io.LimitReader(buf, int64(hdr.KindsLength)))
	if err := dec.Decode(&names); err != nil {
		return fmt.Errorf("timeslice: decode kinds: %w", err)
	}
	if off := binary.Size(hdr) + int(hdr.KindsLength); off%pageSize != 0 {
		if _, err := buf.Discard(pageSize - off%pageSize); err != nil {
			return fmt.Errorf("timeslice: skip padding: %w", err)
		}
	}

	for {
		var rec record
		if err := binary.Read(buf, binary.LittleEndian, &rec); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("timeslice: read sample: %w", err)
		}
		name, ok := names[rec.Kind]
		if !ok {
			return fmt.Errorf("timeslice: unknown kind %d", rec.Kind)
		}
		if err := fn(name, time.Duration(rec.Duration)); err != nil {
			return err
		}
	}
}
