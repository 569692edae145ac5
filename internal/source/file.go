package source

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"os"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/listing-analytics/internal/model"
	"github.com/sells-group/listing-analytics/pkg/capture"
)

const maxLineBytes = 8 << 20

// ReadExport streams the events in r to fn. r holds either a JSON array of
// events or one event per line. Records that are not valid events are passed
// on with PayloadError set rather than stopping the read. Returns the number
// of records read.
func ReadExport(ctx context.Context, r io.Reader, fn func(model.RawEvent) error) (int, error) {
	br := bufio.NewReader(r)
	first, err := firstByte(br)
	if err == io.EOF {
		return 0, nil
	}
	if err != nil {
		return 0, eris.Wrap(err, "export: peek")
	}
	if first == '[' {
		return readArray(ctx, br, fn)
	}
	return readLines(ctx, br, fn)
}

func firstByte(br *bufio.Reader) (byte, error) {
	for {
		b, err := br.ReadByte()
		if err != nil {
			return 0, err
		}
		if b == ' ' || b == '\n' || b == '\r' || b == '\t' {
			continue
		}
		return b, br.UnreadByte()
	}
}

func readArray(ctx context.Context, r io.Reader, fn func(model.RawEvent) error) (int, error) {
	dec := json.NewDecoder(r)
	if _, err := dec.Token(); err != nil {
		return 0, eris.Wrap(err, "export: read opening token")
	}

	n := 0
	for dec.More() {
		if err := ctx.Err(); err != nil {
			return n, eris.Wrap(err, "export: context cancelled")
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return n, eris.Wrapf(err, "export: decode element %d", n)
		}
		n++
		if err := fn(decodeRecord(raw, n)); err != nil {
			return n, err
		}
	}
	if _, err := dec.Token(); err != nil && err != io.EOF {
		return n, eris.Wrap(err, "export: read closing token")
	}
	return n, nil
}

func readLines(ctx context.Context, r io.Reader, fn func(model.RawEvent) error) (int, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	n := 0
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return n, eris.Wrap(err, "export: context cancelled")
		}
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		n++
		if err := fn(decodeRecord(line, n)); err != nil {
			return n, err
		}
	}
	if err := sc.Err(); err != nil {
		return n, eris.Wrap(err, "export: scan")
	}
	return n, nil
}

func decodeRecord(raw []byte, n int) model.RawEvent {
	var e capture.Event
	if err := json.Unmarshal(raw, &e); err != nil {
		return model.RawEvent{PayloadError: eris.Wrapf(err, "record %d", n).Error()}
	}
	return ToRawEvent(e)
}

// OpenExport opens an export file, transparently gunzipping *.gz files.
func OpenExport(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "export: open %s", path)
	}
	if !strings.HasSuffix(path, ".gz") {
		return f, nil
	}
	zr, err := gzip.NewReader(f)
	if err != nil {
		f.Close()
		return nil, eris.Wrapf(err, "export: gunzip %s", path)
	}
	return &gzipFile{Reader: zr, f: f}, nil
}

type gzipFile struct {
	*gzip.Reader
	f *os.File
}

func (g *gzipFile) Close() error {
	g.Reader.Close()
	return g.f.Close()
}

// FileSource serves events from an export loaded into memory. It ignores
// event-name filters and cursors: every event inside the window is returned
// on a single page, and unknown names are left to the resolver.
type FileSource struct {
	events []model.RawEvent
}

// LoadFile reads an export into a FileSource.
func LoadFile(ctx context.Context, path string) (*FileSource, error) {
	rc, err := OpenExport(path)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	fs := &FileSource{}
	if _, err := ReadExport(ctx, rc, func(ev model.RawEvent) error {
		fs.events = append(fs.events, ev)
		return nil
	}); err != nil {
		return nil, err
	}
	SortEvents(fs.events)
	return fs, nil
}

// NewFileSource serves the given events.
func NewFileSource(events []model.RawEvent) *FileSource {
	cp := append([]model.RawEvent(nil), events...)
	SortEvents(cp)
	return &FileSource{events: cp}
}

// Fetch returns the events that fall in q.Window.
func (f *FileSource) Fetch(ctx context.Context, q Query) (*Batch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b := &Batch{}
	for _, ev := range f.events {
		if q.Window.Contains(ev.OccurredAt) {
			b.Events = append(b.Events, ev)
		}
	}
	return b, nil
}

// Span returns the smallest window holding every timestamped event.
func (f *FileSource) Span() (model.Window, bool) {
	var w model.Window
	for _, ev := range f.events {
		if ev.OccurredAt.IsZero() {
			continue
		}
		if w.Start.IsZero() || ev.OccurredAt.Before(w.Start) {
			w.Start = ev.OccurredAt
		}
		if end := ev.OccurredAt.Add(1); end.After(w.End) {
			w.End = end
		}
	}
	return w, w.Valid()
}

// Len returns the number of loaded records.
func (f *FileSource) Len() int {
	return len(f.events)
}
