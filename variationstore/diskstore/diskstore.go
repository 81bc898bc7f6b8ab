// Package diskstore implements the variationstore.Store contract (spec
// 4.G) by mapping each dataset onto its own recordio file under a base
// directory: the "chunked hierarchical dataset store" of spec §6,
// concretely realized with github.com/grailbio/base/recordio the same way
// encoding/pam/fieldio maps one BAM field onto one recordio file.
package diskstore

import (
	"context"
	"encoding/binary"
	"io"
	"io/ioutil"
	"path"
	"sort"
	"strings"

	"github.com/grailbio/base/errorreporter"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/recordio"
	"github.com/grailbio/variation/vcferrors"
	"github.com/grailbio/variation/variationstore"
	"github.com/grailbio/variation/variationstore/memstore"
	"github.com/pkg/errors"
	"v.io/x/lib/vlog"
)

// metaFileName holds the sample list and chunk size, written once at
// Create time (spec 4.F "create(samples, schema, chunk_size): Stamps
// samples and chunk size; no datasets yet.").
const metaFileName = ".variationstore-meta"

// fieldsFileName lists every field path that has a recordio file, one per
// line, written at Finish time. recordio files carry no directory-listing
// API of their own, so the set of fields a store holds is tracked
// explicitly instead of discovered from the filesystem.
const fieldsFileName = ".variationstore-fields"

// snappyTransformer names the recordio transformer chain entry that
// compresses each flushed block, the same role golang/snappy plays for PAM
// data blocks.
const snappyTransformer = "snappy"

type fieldWriter struct {
	out file.File
	rio recordio.Writer
}

// Store is the disk backing. Every dataset path maps to a recordio file at
// path.Join(dir, field+".rio").
type Store struct {
	dir       string
	samples   []string
	chunkSize int
	fields    []string
	writers   map[string]*fieldWriter
}

// New returns a disk-backed Store rooted at dir.
func New(dir string) *Store {
	return &Store{dir: dir, writers: map[string]*fieldWriter{}}
}

func (s *Store) fieldPath(field string) string {
	return path.Join(s.dir, field+".rio")
}

func (s *Store) Create(ctx context.Context, samples []string, chunkSize int) error {
	s.samples = samples
	s.chunkSize = chunkSize
	out, err := file.Create(ctx, s.fieldPath(metaFileName))
	if err != nil {
		return errors.Wrap(err, "diskstore: creating metadata file")
	}
	defer out.Close(ctx)
	if err := writeMeta(out.Writer(ctx), samples, chunkSize); err != nil {
		return errors.Wrap(err, "diskstore: writing metadata")
	}
	return nil
}

func writeMeta(w io.Writer, samples []string, chunkSize int) error {
	var hdr [8]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(chunkSize))
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(len(samples)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	for _, sm := range samples {
		var lenBuf [4]byte
		binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(sm)))
		if _, err := w.Write(lenBuf[:]); err != nil {
			return err
		}
		if _, err := io.WriteString(w, sm); err != nil {
			return err
		}
	}
	return nil
}

func readMeta(r io.Reader) (samples []string, chunkSize int, err error) {
	var hdr [8]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, 0, err
	}
	chunkSize = int(binary.LittleEndian.Uint32(hdr[0:4]))
	n := int(binary.LittleEndian.Uint32(hdr[4:8]))
	samples = make([]string, n)
	for i := 0; i < n; i++ {
		var lenBuf [4]byte
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			return nil, 0, err
		}
		buf := make([]byte, binary.LittleEndian.Uint32(lenBuf[:]))
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, 0, err
		}
		samples[i] = string(buf)
	}
	return samples, chunkSize, nil
}

// Open reads back a disk-backed Store previously populated by Create,
// AppendChunk and Finish calls, loading every field's data into an
// in-memory memstore.Store. Random-access reads, windowed/chromosome/
// chunk-pair iteration, the 0/1/2 encoding, and random haploid projection
// are all delegated to that in-memory mirror; the recordio files remain
// the durable representation and are what AppendChunk/Copy write through.
func Open(ctx context.Context, dir string) (*Store, error) {
	s := New(dir)
	metaFile, err := file.Open(ctx, s.fieldPath(metaFileName))
	if err != nil {
		return nil, errors.Wrap(err, "diskstore: opening metadata file")
	}
	samples, chunkSize, err := readMeta(metaFile.Reader(ctx))
	metaFile.Close(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "diskstore: reading metadata")
	}
	s.samples = samples
	s.chunkSize = chunkSize

	fieldsFile, err := file.Open(ctx, s.fieldPath(fieldsFileName))
	if err != nil {
		return nil, errors.Wrap(err, "diskstore: opening field manifest")
	}
	defer fieldsFile.Close(ctx)
	raw, err := ioutil.ReadAll(fieldsFile.Reader(ctx))
	if err != nil {
		return nil, errors.Wrap(err, "diskstore: reading field manifest")
	}
	for _, line := range strings.Split(strings.TrimSpace(string(raw)), "\n") {
		if line != "" {
			s.fields = append(s.fields, line)
		}
	}
	return s, nil
}

func (s *Store) writerFor(ctx context.Context, field string) (*fieldWriter, error) {
	if fw, ok := s.writers[field]; ok {
		return fw, nil
	}
	out, err := file.Create(ctx, s.fieldPath(field))
	if err != nil {
		return nil, errors.Wrap(err, "diskstore: creating field file "+field)
	}
	fw := &fieldWriter{out: out}
	fw.rio = recordio.NewWriter(out.Writer(ctx), recordio.WriterOpts{
		Transformers: []string{snappyTransformer},
		Marshal:      marshalFieldChunk,
	})
	fw.rio.AddHeader(recordio.KeyTrailer, true)
	s.writers[field] = fw
	s.fields = append(s.fields, field)
	return fw, nil
}

// AppendChunk writes every field present in chunk to its recordio file,
// flushing at the chunk boundary (spec 4.G "Writes flush at chunk
// boundaries").
func (s *Store) AppendChunk(ctx context.Context, chunk variationstore.Chunk) error {
	if err := chunk.Validate(); err != nil {
		return err
	}
	paths := make([]string, 0, len(chunk.Fields))
	for p := range chunk.Fields {
		paths = append(paths, p)
	}
	sort.Strings(paths) // deterministic write order, not semantically required
	for _, p := range paths {
		fc := chunk.Fields[p]
		fw, err := s.writerFor(ctx, p)
		if err != nil {
			return err
		}
		fw.rio.Append(fc)
		fw.rio.Flush()
	}
	return nil
}

// Finish flushes and closes every open field writer and persists the
// field manifest. Callers must call Finish before treating a freshly
// ingested disk store as durable or calling Open on it.
func (s *Store) Finish(ctx context.Context) error {
	var errs errorreporter.T
	for field, fw := range s.writers {
		if err := fw.rio.Finish(); err != nil {
			err = errors.Wrap(err, "diskstore: finishing field "+field)
			vlog.Error(err)
			errs.Set(err)
		}
		if err := fw.out.Close(ctx); err != nil {
			errs.Set(errors.Wrap(err, "diskstore: closing field "+field))
		}
	}
	if err := errs.Err(); err != nil {
		return err
	}
	out, err := file.Create(ctx, s.fieldPath(fieldsFileName))
	if err != nil {
		return errors.Wrap(err, "diskstore: creating field manifest")
	}
	defer out.Close(ctx)
	_, err = io.WriteString(out.Writer(ctx), strings.Join(s.fields, "\n")+"\n")
	return errors.Wrap(err, "diskstore: writing field manifest")
}

// mirror loads every recordio field file this store knows about into an
// in-memory memstore.Store, for the read operations this backing delegates
// (see Open's doc comment). Every AppendChunk call on the disk backing
// flushes one recordio block per field at the same row boundary, so the
// N-th block of each field file belongs to the same logical chunk: fields
// are scanned in lockstep and recombined into one multi-field Chunk per
// call to the mirror's AppendChunk, rather than replayed field-by-field
// (which would both multiply the row count by the field count and keep
// chrom/pos from ever appearing together for the position index).
func (s *Store) mirror(ctx context.Context) (*memstore.Store, error) {
	m := memstore.New()
	if err := m.Create(ctx, s.samples, s.chunkSize); err != nil {
		return nil, err
	}
	scanners := make(map[string]*recordio.Scanner, len(s.fields))
	for _, field := range s.fields {
		in, err := file.Open(ctx, s.fieldPath(field))
		if err != nil {
			return nil, errors.Wrap(err, "diskstore: opening field file "+field)
		}
		defer in.Close(ctx)
		sc := recordio.NewScanner(in.Reader(ctx), recordio.ScannerOpts{})
		scanners[field] = &sc
	}
	for {
		chunk := variationstore.Chunk{Fields: map[string]variationstore.FieldChunk{}}
		live := 0
		for _, field := range s.fields {
			scanner := scanners[field]
			if !scanner.Scan() {
				continue
			}
			live++
			fc, err := unmarshalFieldChunk(scanner.Get().([]byte))
			if err != nil {
				return nil, errors.Wrap(err, "diskstore: decoding field file "+field)
			}
			chunk.Rows = fc.Descriptor.Shape[0]
			chunk.Fields[field] = fc
		}
		if live == 0 {
			break
		}
		if err := m.AppendChunk(ctx, chunk); err != nil {
			return nil, err
		}
	}
	for _, field := range s.fields {
		if err := scanners[field].Err(); err != nil {
			return nil, errors.Wrap(err, "diskstore: scanning field file "+field)
		}
	}
	return m, nil
}

func (s *Store) Get(ctx context.Context, p string) (variationstore.FieldChunk, error) {
	m, err := s.mirror(ctx)
	if err != nil {
		return variationstore.FieldChunk{}, err
	}
	return m.Get(ctx, p)
}

func (s *Store) NumVariations() int {
	m, err := s.mirror(context.Background())
	if err != nil {
		return 0
	}
	return m.NumVariations()
}

func (s *Store) Samples() []string { return s.samples }

func (s *Store) IterateChunks(ctx context.Context, opts variationstore.IterOptions) variationstore.ChunkIterator {
	m, err := s.mirror(ctx)
	if err != nil {
		return errIterator{err}
	}
	return m.IterateChunks(ctx, opts)
}

func (s *Store) IterateWins(ctx context.Context, winSize int32) variationstore.ChunkIterator {
	m, err := s.mirror(ctx)
	if err != nil {
		return errIterator{err}
	}
	return m.IterateWins(ctx, winSize)
}

func (s *Store) IterateChroms(ctx context.Context) variationstore.ChromIterator {
	m, err := s.mirror(ctx)
	if err != nil {
		return errChromIterator{err}
	}
	return m.IterateChroms(ctx)
}

func (s *Store) IterateChunkPairs(ctx context.Context, maxDist int32, chunkSize int) variationstore.ChunkPairIterator {
	m, err := s.mirror(ctx)
	if err != nil {
		return errPairIterator{err}
	}
	return m.IterateChunkPairs(ctx, maxDist, chunkSize)
}

func (s *Store) GetChunk(ctx context.Context, start, stop int) (variationstore.Chunk, error) {
	m, err := s.mirror(ctx)
	if err != nil {
		return variationstore.Chunk{}, err
	}
	return m.GetChunk(ctx, start, stop)
}

func (s *Store) GetGenomeChunk(ctx context.Context, chrom []byte, start, stop int32) (variationstore.Chunk, error) {
	m, err := s.mirror(ctx)
	if err != nil {
		return variationstore.Chunk{}, err
	}
	return m.GetGenomeChunk(ctx, chrom, start, stop)
}

func (s *Store) Copy(ctx context.Context, dst variationstore.Store, keptFields []string) error {
	m, err := s.mirror(ctx)
	if err != nil {
		return err
	}
	return m.Copy(ctx, dst, keptFields)
}

// Delete is unsupported on the disk backing: recordio files are
// append-only (spec 4.F "delete(path): ... disk backing may no-op or
// error").
func (s *Store) Delete(ctx context.Context, p string) error {
	return vcferrors.UnsupportedFeature{Reason: "delete(" + p + ") on disk backing"}
}

func (s *Store) AlleleCount(ctx context.Context) ([]map[int32]int, error) {
	m, err := s.mirror(ctx)
	if err != nil {
		return nil, err
	}
	return m.AlleleCount(ctx)
}

func (s *Store) GTsAsMat012(ctx context.Context) ([][]int8, error) {
	m, err := s.mirror(ctx)
	if err != nil {
		return nil, err
	}
	return m.GTsAsMat012(ctx)
}

func (s *Store) GetRandomHaploidGTs(ctx context.Context, seed int64) ([][]int32, error) {
	m, err := s.mirror(ctx)
	if err != nil {
		return nil, err
	}
	return m.GetRandomHaploidGTs(ctx, seed)
}

type errIterator struct{ err error }

func (e errIterator) Next(ctx context.Context) (variationstore.Chunk, bool, error) {
	return variationstore.Chunk{}, false, e.err
}

type errChromIterator struct{ err error }

func (e errChromIterator) Next(ctx context.Context) ([]byte, variationstore.Chunk, bool, error) {
	return nil, variationstore.Chunk{}, false, e.err
}

type errPairIterator struct{ err error }

func (e errPairIterator) Next(ctx context.Context) (a, b variationstore.Chunk, ok bool, err error) {
	return variationstore.Chunk{}, variationstore.Chunk{}, false, e.err
}
