package diskstore

import (
	"bytes"
	"encoding/binary"
	"io"
	"math"

	"github.com/grailbio/variation/vcfschema"
	"github.com/grailbio/variation/variationstore"
)

// marshalFieldChunk encodes one variationstore.FieldChunk into a flat byte
// block for one recordio item: descriptor metadata followed by the typed
// slab, length-prefixed throughout. recordio supplies chunking, flushing
// and block compression; this encoding only needs to be cheap and
// self-describing, so it is hand-rolled rather than protobuf (no protoc
// available in this environment, see DESIGN.md).
func marshalFieldChunk(scratch []byte, v interface{}) ([]byte, error) {
	fc := v.(variationstore.FieldChunk)
	buf := bytes.NewBuffer(scratch[:0])

	writeString(buf, fc.Descriptor.Path)
	writeString(buf, fc.Descriptor.Group)
	writeUint32(buf, uint32(fc.Descriptor.DType))
	writeIntSlice(buf, fc.Descriptor.Shape)
	writeIntSlice(buf, fc.Descriptor.ChunkDims)
	writeIntSlice(buf, fc.Descriptor.MaxShape)

	switch {
	case fc.Slab.Int32 != nil:
		writeUint32(buf, 1)
		writeInt32Slice(buf, fc.Slab.Int32)
	case fc.Slab.Float32 != nil:
		writeUint32(buf, 2)
		writeFloat32Slice(buf, fc.Slab.Float32)
	case fc.Slab.Bool != nil:
		writeUint32(buf, 3)
		writeBoolSlice(buf, fc.Slab.Bool)
	default:
		writeUint32(buf, 4)
		writeBytesSlice(buf, fc.Slab.Bytes)
	}
	return buf.Bytes(), nil
}

func unmarshalFieldChunk(data []byte) (variationstore.FieldChunk, error) {
	r := bytes.NewReader(data)
	var fc variationstore.FieldChunk
	var err error
	if fc.Descriptor.Path, err = readString(r); err != nil {
		return fc, err
	}
	if fc.Descriptor.Group, err = readString(r); err != nil {
		return fc, err
	}
	dtype, err := readUint32(r)
	if err != nil {
		return fc, err
	}
	fc.Descriptor.DType = vcfschema.DType(dtype)
	if fc.Descriptor.Shape, err = readIntSlice(r); err != nil {
		return fc, err
	}
	if fc.Descriptor.ChunkDims, err = readIntSlice(r); err != nil {
		return fc, err
	}
	if fc.Descriptor.MaxShape, err = readIntSlice(r); err != nil {
		return fc, err
	}
	kind, err := readUint32(r)
	if err != nil {
		return fc, err
	}
	switch kind {
	case 1:
		fc.Slab.Int32, err = readInt32Slice(r)
	case 2:
		fc.Slab.Float32, err = readFloat32Slice(r)
	case 3:
		fc.Slab.Bool, err = readBoolSlice(r)
	default:
		fc.Slab.Bytes, err = readBytesSlice(r)
	}
	return fc, err
}

func writeUint32(w io.Writer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.Write(b[:])
}

func readUint32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func writeString(w io.Writer, s string) {
	writeUint32(w, uint32(len(s)))
	io.WriteString(w, s)
}

func readString(r io.Reader) (string, error) {
	n, err := readUint32(r)
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func writeIntSlice(w io.Writer, s []int) {
	writeUint32(w, uint32(len(s)))
	for _, v := range s {
		writeUint32(w, uint32(int32(v)))
	}
}

func readIntSlice(r io.Reader) ([]int, error) {
	n, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	out := make([]int, n)
	for i := range out {
		v, err := readUint32(r)
		if err != nil {
			return nil, err
		}
		out[i] = int(int32(v))
	}
	return out, nil
}

func writeInt32Slice(w io.Writer, s []int32) {
	writeUint32(w, uint32(len(s)))
	for _, v := range s {
		writeUint32(w, uint32(v))
	}
}

func readInt32Slice(r io.Reader) ([]int32, error) {
	n, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	out := make([]int32, n)
	for i := range out {
		v, err := readUint32(r)
		if err != nil {
			return nil, err
		}
		out[i] = int32(v)
	}
	return out, nil
}

func writeFloat32Slice(w io.Writer, s []float32) {
	writeUint32(w, uint32(len(s)))
	for _, v := range s {
		writeUint32(w, math.Float32bits(v))
	}
}

func readFloat32Slice(r io.Reader) ([]float32, error) {
	n, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	out := make([]float32, n)
	for i := range out {
		v, err := readUint32(r)
		if err != nil {
			return nil, err
		}
		out[i] = math.Float32frombits(v)
	}
	return out, nil
}

func writeBoolSlice(w io.Writer, s []bool) {
	writeUint32(w, uint32(len(s)))
	for _, v := range s {
		if v {
			w.Write([]byte{1})
		} else {
			w.Write([]byte{0})
		}
	}
}

func readBoolSlice(r io.Reader) ([]bool, error) {
	n, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	out := make([]bool, n)
	var b [1]byte
	for i := range out {
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return nil, err
		}
		out[i] = b[0] != 0
	}
	return out, nil
}

func writeBytesSlice(w io.Writer, s [][]byte) {
	writeUint32(w, uint32(len(s)))
	for _, v := range s {
		writeUint32(w, uint32(len(v)))
		w.Write(v)
	}
}

func readBytesSlice(r io.Reader) ([][]byte, error) {
	n, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	out := make([][]byte, n)
	for i := range out {
		ln, err := readUint32(r)
		if err != nil {
			return nil, err
		}
		buf := make([]byte, ln)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		out[i] = buf
	}
	return out, nil
}
