// Package chunker splits a bulk export into per-resource work items.
//
// The export is read lazily: one record is parsed, validated and handed out
// per call to Next, so an export is never buffered as a whole. Malformed
// records, including ones with invalid UTF-8 or ids that can not be used
// as a key, become rejections and chunking goes on. A corrupt stream fails
// with a structural error and nothing more is emitted.
package chunker

import (
	"bufio"
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"unicode/utf8"

	"github.com/ValerySidorin/acheron/pkg/failure"
	"github.com/ValerySidorin/acheron/pkg/workitem"
	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"
)

type Format string

const (
	NDJSON Format = "ndjson"
	Bundle Format = "bundle"
)

func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case "", NDJSON:
		return NDJSON, nil
	case Bundle:
		return Bundle, nil
	}
	return "", errors.Errorf("chunker: unknown format %q", s)
}

type Config struct {
	MaxRecordSize int `yaml:"max_record_size"`
}

func (c *Config) RegisterFlags(flagPrefix string, f *flag.FlagSet) {
	f.IntVar(&c.MaxRecordSize, flagPrefix+"max-record-size", 8<<20, "Largest accepted resource in bytes. A larger record fails the batch.")
}

// Chunk is either an item ready for dispatch or a rejected record.
type Chunk struct {
	Item      *workitem.WorkItem
	Rejection *Rejection
	// Pos marks where the record sits in the export, such as line:4 or
	// entry:2.
	Pos string
}

type Rejection struct {
	// Key is the position of the record, so that two rejected records never
	// share a key.
	Key          string
	ResourceType string
	ResourceID   string
	Reason       string
}

type Stats struct {
	Seen     int
	Emitted  int
	Rejected int
}

type Option func(*Chunker)

func WithFormat(f Format) Option {
	return func(c *Chunker) {
		c.format = f
	}
}

func WithMaxRecordSize(n int) Option {
	return func(c *Chunker) {
		if n > 0 {
			c.maxRecordSize = n
		}
	}
}

type source interface {
	// next returns the raw record and its position marker.
	next() ([]byte, string, error)
}

type Chunker struct {
	r             io.Reader
	tenantID      string
	batchID       string
	format        Format
	maxRecordSize int

	src   source
	stats Stats
	err   error
}

func New(r io.Reader, tenantID, batchID string, opts ...Option) *Chunker {
	c := &Chunker{
		r:             r,
		tenantID:      tenantID,
		batchID:       batchID,
		format:        NDJSON,
		maxRecordSize: 8 << 20,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Next returns the next chunk. It returns io.EOF once the export is fully
// read and a structural error if the stream is corrupt; both are sticky.
func (c *Chunker) Next() (Chunk, error) {
	if c.err != nil {
		return Chunk{}, c.err
	}

	if c.src == nil {
		if err := c.open(); err != nil {
			c.err = err
			return Chunk{}, err
		}
	}

	raw, pos, err := c.src.next()
	if err != nil {
		if err != io.EOF {
			err = structural(err)
		}
		c.err = err
		return Chunk{}, err
	}

	c.stats.Seen++
	chunk := c.parse(raw, pos)
	chunk.Pos = pos
	if chunk.Rejection != nil {
		c.stats.Rejected++
	} else {
		c.stats.Emitted++
	}
	return chunk, nil
}

// Stats reports progress so far. Seen is the export total only after Next
// returned io.EOF.
func (c *Chunker) Stats() Stats {
	return c.stats
}

func (c *Chunker) open() error {
	if err := workitem.ValidateTenant(c.tenantID); err != nil {
		return err
	}

	br := bufio.NewReader(c.r)
	magic, err := br.Peek(2)
	if err != nil && err != io.EOF {
		return structural(err)
	}

	var r io.Reader = br
	if len(magic) == 2 && magic[0] == 0x1f && magic[1] == 0x8b {
		zr, err := gzip.NewReader(br)
		if err != nil {
			return structural(errors.Wrap(err, "gzip"))
		}
		r = zr
	}

	switch c.format {
	case NDJSON:
		c.src = newLineSource(r, c.maxRecordSize)
	case Bundle:
		c.src = newBundleSource(r, c.maxRecordSize)
	default:
		return failure.New(failure.Structural, fmt.Sprintf("chunker: unknown format %q", c.format))
	}
	return nil
}

type header struct {
	ResourceType string `json:"resourceType"`
	ID           string `json:"id"`
}

func (c *Chunker) parse(raw []byte, pos string) Chunk {
	if !utf8.Valid(raw) {
		return reject(pos, header{}, "record is not valid utf-8")
	}

	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return reject(pos, header{}, "not a json object: "+err.Error())
	}

	h := header{}
	if v, ok := fields["resourceType"]; ok {
		if err := json.Unmarshal(v, &h.ResourceType); err != nil {
			return reject(pos, h, "resourceType is not a string")
		}
	}
	if v, ok := fields["id"]; ok {
		if err := json.Unmarshal(v, &h.ID); err != nil {
			return reject(pos, header{ResourceType: h.ResourceType}, "id is not a string")
		}
	}

	switch {
	case h.ResourceType == "":
		return reject(pos, h, "resourceType is missing")
	case h.ID == "":
		return reject(pos, h, "id is missing")
	}
	if err := workitem.ValidateResource(h.ResourceType, h.ID); err != nil {
		return reject(pos, h, err.Error())
	}

	payload := make([]byte, len(raw))
	copy(payload, raw)
	return Chunk{Item: workitem.New(c.tenantID, c.batchID, h.ResourceType, h.ID, payload)}
}

func reject(pos string, h header, reason string) Chunk {
	return Chunk{Rejection: &Rejection{
		Key:          pos,
		ResourceType: h.ResourceType,
		ResourceID:   h.ID,
		Reason:       reason,
	}}
}

func structural(err error) error {
	if failure.Is(err, failure.Structural) {
		return err
	}
	return failure.Wrap(failure.Structural, err, "chunker: corrupt export")
}

type lineSource struct {
	s    *bufio.Scanner
	line int
}

func newLineSource(r io.Reader, max int) *lineSource {
	size := 64 * 1024
	if max < size {
		size = max
	}
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, size), max)
	return &lineSource{s: s}
}

func (l *lineSource) next() ([]byte, string, error) {
	for l.s.Scan() {
		l.line++
		b := bytes.TrimSpace(l.s.Bytes())
		if len(b) == 0 {
			continue
		}
		return b, fmt.Sprintf("line:%d", l.line), nil
	}

	if err := l.s.Err(); err != nil {
		if err == bufio.ErrTooLong {
			return nil, "", errors.Errorf("line %d exceeds the maximum record size", l.line+1)
		}
		return nil, "", err
	}
	return nil, "", io.EOF
}

// bundleSource streams the entries of a single Bundle document.
type bundleSource struct {
	dec   *json.Decoder
	max   int
	entry int
	state int
}

const (
	bundleStart = iota
	bundleEntries
	bundleDone
)

func newBundleSource(r io.Reader, max int) *bundleSource {
	return &bundleSource{dec: json.NewDecoder(r), max: max}
}

func (b *bundleSource) next() ([]byte, string, error) {
	if b.state == bundleStart {
		if err := b.seekEntries(); err != nil {
			return nil, "", err
		}
		b.state = bundleEntries
	}

	if b.state == bundleDone {
		return nil, "", io.EOF
	}

	if !b.dec.More() {
		if err := b.finish(); err != nil {
			return nil, "", err
		}
		b.state = bundleDone
		return nil, "", io.EOF
	}

	b.entry++
	var raw json.RawMessage
	if err := b.dec.Decode(&raw); err != nil {
		return nil, "", errors.Wrapf(err, "entry %d", b.entry)
	}
	if len(raw) > b.max {
		return nil, "", errors.Errorf("entry %d exceeds the maximum record size", b.entry)
	}

	pos := fmt.Sprintf("entry:%d", b.entry)
	e := struct {
		Resource json.RawMessage `json:"resource"`
	}{}
	if err := json.Unmarshal(raw, &e); err != nil || len(e.Resource) == 0 {
		// Handed to the record parser, which rejects it under its position.
		return raw, pos, nil
	}
	return e.Resource, pos, nil
}

func (b *bundleSource) seekEntries() error {
	if err := b.expectDelim('{'); err != nil {
		return errors.Wrap(err, "bundle is not a json object")
	}

	for b.dec.More() {
		key, err := b.dec.Token()
		if err != nil {
			return err
		}
		if key == "entry" {
			return errors.Wrap(b.expectDelim('['), "bundle entry is not an array")
		}
		var skip json.RawMessage
		if err := b.dec.Decode(&skip); err != nil {
			return err
		}
	}
	return errors.New("bundle has no entry array")
}

// finish consumes the rest of the document so that trailing garbage is
// reported as corruption.
func (b *bundleSource) finish() error {
	if err := b.expectDelim(']'); err != nil {
		return err
	}
	for b.dec.More() {
		if _, err := b.dec.Token(); err != nil {
			return err
		}
		var skip json.RawMessage
		if err := b.dec.Decode(&skip); err != nil {
			return err
		}
	}
	if err := b.expectDelim('}'); err != nil {
		return err
	}
	if _, err := b.dec.Token(); err != io.EOF {
		return errors.New("unexpected data after bundle")
	}
	return nil
}

func (b *bundleSource) expectDelim(want json.Delim) error {
	tok, err := b.dec.Token()
	if err != nil {
		if err == io.EOF {
			return io.ErrUnexpectedEOF
		}
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != want {
		return errors.Errorf("expected %s, got %v", want, tok)
	}
	return nil
}
