// Package fixarchive packs stored fixes into a compact compressed archive
// and serves them back to the trail engine for replay.
//
// An archive is a magic header followed by one section per entity. Sections
// are ordered by the xxhash of the entity id so lookups can binary search.
// Each section carries its own codec marker and an xxhash checksum of the
// uncompressed payload. Payloads are decoded lazily on first access.
package fixarchive

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/banshee-data/racetrail/internal/monitoring"
	"github.com/banshee-data/racetrail/internal/trail"
)

const (
	magic          = "RTRA"
	formatVersion  = 1
	maxEntityLen   = 1 << 10
	maxPayloadSize = 1 << 30
)

var (
	ErrBadMagic         = errors.New("fixarchive: not a fix archive")
	ErrChecksumMismatch = errors.New("fixarchive: checksum mismatch")
)

const (
	flagVelocity byte = 1 << iota
	flagDetail
	flagSpeculative
)

// SectionInfo describes one stored entity.
type SectionInfo struct {
	Entity      trail.EntityID `json:"entity"`
	Codec       string         `json:"codec"`
	Fixes       int            `json:"fixes"`
	First       time.Time      `json:"first"`
	Last        time.Time      `json:"last"`
	RawBytes    int            `json:"raw_bytes"`
	StoredBytes int            `json:"stored_bytes"`
}

type section struct {
	SectionInfo
	hash     uint64
	codec    Codec
	checksum uint64
	payload  []byte

	fixes []trail.Fix
	err   error
	once  sync.Once
}

func entityHash(entity trail.EntityID) uint64 {
	return xxhash.Sum64String(string(entity))
}

// ---------------------------------------------------------------------------
// writing
// ---------------------------------------------------------------------------

// Writer accumulates per-entity fix series and writes them as one archive.
type Writer struct {
	codec  Codec
	tracks map[trail.EntityID][]trail.Fix
}

// NewWriter returns a Writer compressing sections with codec.
func NewWriter(codec Codec) *Writer {
	return &Writer{codec: codec, tracks: make(map[trail.EntityID][]trail.Fix)}
}

// Add appends fixes for entity. Fixes need not be ordered; duplicates of a
// timestamp keep the last one added.
func (w *Writer) Add(entity trail.EntityID, fixes []trail.Fix) {
	w.tracks[entity] = append(w.tracks[entity], fixes...)
}

// WriteTo writes the archive to out.
func (w *Writer) WriteTo(out io.Writer) (int64, error) {
	sections := make([]*section, 0, len(w.tracks))
	for entity, fixes := range w.tracks {
		s, err := w.buildSection(entity, fixes)
		if err != nil {
			return 0, err
		}
		sections = append(sections, s)
	}
	sortSections(sections)

	var buf bytes.Buffer
	buf.WriteString(magic)
	buf.WriteByte(formatVersion)
	buf.Write(binary.AppendUvarint(nil, uint64(len(sections))))
	for _, s := range sections {
		writeSectionHeader(&buf, s)
		buf.Write(s.payload)
	}
	n, err := buf.WriteTo(out)
	if err != nil {
		return n, fmt.Errorf("write archive: %w", err)
	}
	return n, nil
}

func (w *Writer) buildSection(entity trail.EntityID, fixes []trail.Fix) (*section, error) {
	fixes = normalizeFixes(fixes)
	raw := encodeFixes(fixes)
	codec := w.codec
	payload, err := codec.Compress(raw)
	if errors.Is(err, errIncompressible) {
		codec, payload, err = noneCodec{}, raw, nil
	}
	if err != nil {
		return nil, fmt.Errorf("compress %s with %s: %w", entity, codec.Name(), err)
	}
	s := &section{
		SectionInfo: SectionInfo{
			Entity:      entity,
			Codec:       codec.Name(),
			Fixes:       len(fixes),
			RawBytes:    len(raw),
			StoredBytes: len(payload),
		},
		hash:     entityHash(entity),
		codec:    codec,
		checksum: xxhash.Sum64(raw),
		payload:  payload,
	}
	if len(fixes) > 0 {
		s.First = fixes[0].Timestamp
		s.Last = fixes[len(fixes)-1].Timestamp
	}
	return s, nil
}

// normalizeFixes sorts by timestamp and keeps the last fix for each
// timestamp.
func normalizeFixes(fixes []trail.Fix) []trail.Fix {
	out := slices.Clone(fixes)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	n := 0
	for i := range out {
		if n > 0 && out[n-1].Timestamp.Equal(out[i].Timestamp) {
			out[n-1] = out[i]
			continue
		}
		out[n] = out[i]
		n++
	}
	return out[:n]
}

func sortSections(sections []*section) {
	sort.Slice(sections, func(i, j int) bool {
		if sections[i].hash != sections[j].hash {
			return sections[i].hash < sections[j].hash
		}
		return sections[i].Entity < sections[j].Entity
	})
}

func writeSectionHeader(buf *bytes.Buffer, s *section) {
	var hdr []byte
	hdr = binary.AppendUvarint(hdr, uint64(len(s.Entity)))
	hdr = append(hdr, string(s.Entity)...)
	hdr = binary.LittleEndian.AppendUint64(hdr, s.hash)
	hdr = append(hdr, byte(s.codec.ID()))
	hdr = binary.AppendUvarint(hdr, uint64(s.Fixes))
	hdr = binary.AppendVarint(hdr, unixNanos(s.First))
	hdr = binary.AppendVarint(hdr, unixNanos(s.Last))
	hdr = binary.AppendUvarint(hdr, uint64(s.RawBytes))
	hdr = binary.LittleEndian.AppendUint64(hdr, s.checksum)
	hdr = binary.AppendUvarint(hdr, uint64(len(s.payload)))
	buf.Write(hdr)
}

func unixNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

// encodeFixes writes timestamps as deltas from the previous fix followed by
// the position, a flag byte and the optional fields.
func encodeFixes(fixes []trail.Fix) []byte {
	out := make([]byte, 0, len(fixes)*24)
	var prev int64
	for _, f := range fixes {
		ts := f.Timestamp.UnixNano()
		out = binary.AppendVarint(out, ts-prev)
		prev = ts
		out = appendFloat(out, f.Position.Lat)
		out = appendFloat(out, f.Position.Lng)

		var flags byte
		if f.Velocity != nil {
			flags |= flagVelocity
		}
		if f.DetailValue != nil {
			flags |= flagDetail
		}
		if f.Speculative {
			flags |= flagSpeculative
		}
		out = append(out, flags)
		if f.Velocity != nil {
			out = appendFloat(out, f.Velocity.Speed)
			out = appendFloat(out, f.Velocity.Bearing)
		}
		if f.DetailValue != nil {
			out = appendFloat(out, *f.DetailValue)
		}
	}
	return out
}

func appendFloat(b []byte, v float64) []byte {
	return binary.LittleEndian.AppendUint64(b, math.Float64bits(v))
}

func decodeFixes(raw []byte, count int) ([]trail.Fix, error) {
	fixes := make([]trail.Fix, 0, count)
	r := bytes.NewReader(raw)
	var ts int64
	readFloat := func() (float64, error) {
		var bits uint64
		err := binary.Read(r, binary.LittleEndian, &bits)
		return math.Float64frombits(bits), err
	}
	for i := 0; i < count; i++ {
		delta, err := binary.ReadVarint(r)
		if err != nil {
			return nil, fmt.Errorf("fix %d: timestamp: %w", i, err)
		}
		ts += delta
		f := trail.Fix{Timestamp: time.Unix(0, ts).UTC()}
		if f.Position.Lat, err = readFloat(); err != nil {
			return nil, fmt.Errorf("fix %d: lat: %w", i, err)
		}
		if f.Position.Lng, err = readFloat(); err != nil {
			return nil, fmt.Errorf("fix %d: lng: %w", i, err)
		}
		flags, err := r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("fix %d: flags: %w", i, err)
		}
		if flags&flagVelocity != 0 {
			var v trail.Velocity
			if v.Speed, err = readFloat(); err != nil {
				return nil, fmt.Errorf("fix %d: speed: %w", i, err)
			}
			if v.Bearing, err = readFloat(); err != nil {
				return nil, fmt.Errorf("fix %d: bearing: %w", i, err)
			}
			f.Velocity = &v
		}
		if flags&flagDetail != 0 {
			d, err := readFloat()
			if err != nil {
				return nil, fmt.Errorf("fix %d: detail: %w", i, err)
			}
			f.DetailValue = &d
		}
		f.Speculative = flags&flagSpeculative != 0
		fixes = append(fixes, f)
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("%d trailing bytes after %d fixes", r.Len(), count)
	}
	return fixes, nil
}

// Source is the store an archive is exported from.
type Source interface {
	EntityIDs(ctx context.Context) ([]trail.EntityID, error)
	EntityFixes(ctx context.Context, entity trail.EntityID) ([]trail.Fix, error)
}

// Export writes every entity in src to out as one archive.
func Export(ctx context.Context, src Source, codec Codec, out io.Writer) (int64, error) {
	ids, err := src.EntityIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("list entities: %w", err)
	}
	w := NewWriter(codec)
	for _, id := range ids {
		fixes, err := src.EntityFixes(ctx, id)
		if err != nil {
			return 0, fmt.Errorf("read %s: %w", id, err)
		}
		w.Add(id, fixes)
	}
	n, err := w.WriteTo(out)
	if err == nil {
		monitoring.Logf("[fixarchive] exported %d entities (%d bytes, %s)", len(ids), n, codec.Name())
	}
	return n, err
}

// ---------------------------------------------------------------------------
// reading
// ---------------------------------------------------------------------------

// Archive is a parsed archive. It is safe for concurrent use.
type Archive struct {
	sections []*section
}

// Open reads the archive at path.
func Open(path string) (*Archive, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Read(f)
}

// Read parses an archive from r. Section payloads are verified when first
// decoded.
func Read(r io.Reader) (*Archive, error) {
	br := bufio.NewReader(r)
	head := make([]byte, len(magic)+1)
	if _, err := io.ReadFull(br, head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadMagic, err)
	}
	if string(head[:len(magic)]) != magic {
		return nil, ErrBadMagic
	}
	if head[len(magic)] != formatVersion {
		return nil, fmt.Errorf("fixarchive: unsupported format version %d", head[len(magic)])
	}
	count, err := binary.ReadUvarint(br)
	if err != nil {
		return nil, fmt.Errorf("read section count: %w", err)
	}
	a := &Archive{}
	for i := uint64(0); i < count; i++ {
		s, err := readSection(br)
		if err != nil {
			return nil, fmt.Errorf("section %d: %w", i, err)
		}
		a.sections = append(a.sections, s)
	}
	if !sort.SliceIsSorted(a.sections, func(i, j int) bool {
		return a.sections[i].hash < a.sections[j].hash
	}) {
		sortSections(a.sections)
	}
	return a, nil
}

func readSection(br *bufio.Reader) (*section, error) {
	n, err := binary.ReadUvarint(br)
	if err != nil {
		return nil, err
	}
	if n > maxEntityLen {
		return nil, fmt.Errorf("entity id of %d bytes", n)
	}
	name := make([]byte, n)
	if _, err := io.ReadFull(br, name); err != nil {
		return nil, err
	}
	s := &section{}
	s.Entity = trail.EntityID(name)
	if err := binary.Read(br, binary.LittleEndian, &s.hash); err != nil {
		return nil, err
	}
	if s.hash != entityHash(s.Entity) {
		return nil, fmt.Errorf("%w: entity hash for %s", ErrChecksumMismatch, s.Entity)
	}
	id, err := br.ReadByte()
	if err != nil {
		return nil, err
	}
	if s.codec, err = codecByID(CodecID(id)); err != nil {
		return nil, err
	}
	s.Codec = s.codec.Name()
	fixes, err := binary.ReadUvarint(br)
	if err != nil {
		return nil, err
	}
	s.Fixes = int(fixes)
	first, err := binary.ReadVarint(br)
	if err != nil {
		return nil, err
	}
	last, err := binary.ReadVarint(br)
	if err != nil {
		return nil, err
	}
	if s.Fixes > 0 {
		s.First = time.Unix(0, first).UTC()
		s.Last = time.Unix(0, last).UTC()
	}
	raw, err := binary.ReadUvarint(br)
	if err != nil {
		return nil, err
	}
	s.RawBytes = int(raw)
	if err := binary.Read(br, binary.LittleEndian, &s.checksum); err != nil {
		return nil, err
	}
	size, err := binary.ReadUvarint(br)
	if err != nil {
		return nil, err
	}
	if size > maxPayloadSize {
		return nil, fmt.Errorf("payload of %d bytes", size)
	}
	s.payload = make([]byte, size)
	if _, err := io.ReadFull(br, s.payload); err != nil {
		return nil, err
	}
	s.StoredBytes = int(size)
	return s, nil
}

func (s *section) decode() ([]trail.Fix, error) {
	s.once.Do(func() {
		raw, err := s.codec.Decompress(s.payload)
		if err != nil {
			s.err = fmt.Errorf("decompress %s: %w", s.Entity, err)
			return
		}
		if xxhash.Sum64(raw) != s.checksum {
			s.err = fmt.Errorf("%w: %s", ErrChecksumMismatch, s.Entity)
			return
		}
		s.fixes, s.err = decodeFixes(raw, s.Fixes)
		if s.err != nil {
			s.err = fmt.Errorf("decode %s: %w", s.Entity, s.err)
		}
		s.payload = nil
	})
	return s.fixes, s.err
}

func (a *Archive) lookup(entity trail.EntityID) *section {
	h := entityHash(entity)
	i := sort.Search(len(a.sections), func(i int) bool { return a.sections[i].hash >= h })
	for ; i < len(a.sections) && a.sections[i].hash == h; i++ {
		if a.sections[i].Entity == entity {
			return a.sections[i]
		}
	}
	return nil
}

// Entities returns the archived entity ids in lexical order.
func (a *Archive) Entities() []trail.EntityID {
	ids := make([]trail.EntityID, len(a.sections))
	for i, s := range a.sections {
		ids[i] = s.Entity
	}
	slices.Sort(ids)
	return ids
}

// Sections describes every section, in entity order.
func (a *Archive) Sections() []SectionInfo {
	out := make([]SectionInfo, len(a.sections))
	for i, s := range a.sections {
		out[i] = s.SectionInfo
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Entity < out[j].Entity })
	return out
}

// Span returns the earliest and latest fix time over all sections.
func (a *Archive) Span() (first, last time.Time, ok bool) {
	for _, s := range a.sections {
		if s.Fixes == 0 {
			continue
		}
		if !ok || s.First.Before(first) {
			first = s.First
		}
		if !ok || s.Last.After(last) {
			last = s.Last
		}
		ok = true
	}
	return first, last, ok
}

// Fixes returns a copy of every fix archived for entity. An unknown entity
// yields an empty slice.
func (a *Archive) Fixes(entity trail.EntityID) ([]trail.Fix, error) {
	s := a.lookup(entity)
	if s == nil {
		return []trail.Fix{}, nil
	}
	fixes, err := s.decode()
	if err != nil {
		return nil, err
	}
	out := make([]trail.Fix, len(fixes))
	for i, f := range fixes {
		out[i] = f.Clone()
	}
	return out, nil
}

// FetchFixes returns the fixes for entity with from <= timestamp < to.
func (a *Archive) FetchFixes(ctx context.Context, entity trail.EntityID, from, to time.Time) ([]trail.Fix, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := a.lookup(entity)
	if s == nil {
		return []trail.Fix{}, nil
	}
	fixes, err := s.decode()
	if err != nil {
		return nil, err
	}
	lo := sort.Search(len(fixes), func(i int) bool { return !fixes[i].Timestamp.Before(from) })
	hi := sort.Search(len(fixes), func(i int) bool { return !fixes[i].Timestamp.Before(to) })
	out := make([]trail.Fix, 0, max(hi-lo, 0))
	for _, f := range fixes[lo:max(hi, lo)] {
		out = append(out, f.Clone())
	}
	return out, nil
}
