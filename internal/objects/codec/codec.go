// Package codec implements the on-disk versioned encoding for Tensor,
// Model and Script objects. It hand-decodes its own binary container
// format using encoding/binary directly rather than a generic
// serialization library: the format is a small fixed header plus raw
// bytes, not a schema that benefits from a reflection-based codec.
package codec

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/tensorplane/aidag/internal/objects"
	"github.com/tensorplane/aidag/tensor"
)

// CurrentVersion is written by EncodeTensor/EncodeModel/EncodeScript.
// Decoders must accept 0..CurrentVersion.
const CurrentVersion = 4

var order = binary.LittleEndian

func writeU32(w io.Writer, v uint32) error { return binary.Write(w, order, v) }
func writeU64(w io.Writer, v uint64) error { return binary.Write(w, order, v) }

func readU32(r io.Reader) (uint32, error) {
	var v uint32
	err := binary.Read(r, order, &v)
	return v, err
}

func readU64(r io.Reader) (uint64, error) {
	var v uint64
	err := binary.Read(r, order, &v)
	return v, err
}

func writeBytes(w io.Writer, b []byte) error {
	if err := writeU64(w, uint64(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readBytes(r io.Reader) ([]byte, error) {
	n, err := readU64(r)
	if err != nil {
		return nil, err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

func writeString(w io.Writer, s string) error { return writeBytes(w, []byte(s)) }

func readString(r io.Reader) (string, error) {
	b, err := readBytes(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// EncodeTensor writes: version, dtype code, ndim, shape entries, data
// blob, and (string tensors only) the offsets array. The dtype's bit
// width is not written; it is implied by the dtype code.
func EncodeTensor(w io.Writer, t *tensor.Tensor) error {
	bw := bufio.NewWriter(w)
	if err := writeU32(bw, CurrentVersion); err != nil {
		return err
	}
	if err := writeU32(bw, uint32(t.DType())); err != nil {
		return err
	}
	shape := t.Shape()
	if err := writeU32(bw, uint32(len(shape))); err != nil {
		return err
	}
	for _, s := range shape {
		if err := writeU64(bw, uint64(s)); err != nil {
			return err
		}
	}
	if err := writeBytes(bw, t.Data()); err != nil {
		return err
	}
	if t.IsString() {
		offsets := t.Offsets()
		if err := writeU32(bw, uint32(len(offsets))); err != nil {
			return err
		}
		for _, o := range offsets {
			if err := writeU64(bw, uint64(o)); err != nil {
				return err
			}
		}
	}
	return bw.Flush()
}

// DecodeTensor reads a tensor encoded by any version 0..CurrentVersion.
// This module is the first writer of this format, so versions 0..3 are
// decoded with the same layout as version 4.
func DecodeTensor(r io.Reader) (*tensor.Tensor, error) {
	br := bufio.NewReader(r)
	version, err := readU32(br)
	if err != nil {
		return nil, err
	}
	if version > CurrentVersion {
		return nil, fmt.Errorf("codec: tensor version %d is newer than supported %d", version, CurrentVersion)
	}
	dtypeCode, err := readU32(br)
	if err != nil {
		return nil, err
	}
	dtype := tensor.DType(dtypeCode)

	ndim, err := readU32(br)
	if err != nil {
		return nil, err
	}
	shape := make([]int64, ndim)
	for i := range shape {
		v, err := readU64(br)
		if err != nil {
			return nil, err
		}
		shape[i] = int64(v)
	}

	blob, err := readBytes(br)
	if err != nil {
		return nil, err
	}

	if dtype == tensor.String {
		noff, err := readU32(br)
		if err != nil {
			return nil, err
		}
		for i := uint32(0); i < noff; i++ {
			if _, err := readU64(br); err != nil {
				return nil, err
			}
		}
		// Offsets are re-derived by tensor.New's blob walk rather than
		// trusted from the wire, so a corrupt offsets section cannot
		// desynchronize string decoding.
		return tensor.New(dtype, shape, blob)
	}

	return tensor.New(dtype, shape, blob)
}

// EncodeModel writes: version, backend id, device, tag, batch policy,
// optional input/output name arrays, blob length, chunk count, chunks.
// chunkSize splits Blob into bounded pieces for chunked persistence.
func EncodeModel(w io.Writer, m *objects.Model, chunkSize int) error {
	bw := bufio.NewWriter(w)
	if err := writeU32(bw, CurrentVersion); err != nil {
		return err
	}
	if err := writeU32(bw, uint32(m.Backend)); err != nil {
		return err
	}
	if err := writeString(bw, m.Device); err != nil {
		return err
	}
	if err := writeString(bw, m.Tag); err != nil {
		return err
	}
	if err := writeU64(bw, uint64(m.Policy.BatchSize)); err != nil {
		return err
	}
	if err := writeU64(bw, uint64(m.Policy.MinBatchSize)); err != nil {
		return err
	}
	if err := writeU64(bw, uint64(m.Policy.MinBatchTimeoutMS)); err != nil {
		return err
	}
	if err := writeNameArray(bw, m.Inputs); err != nil {
		return err
	}
	if err := writeNameArray(bw, m.Outputs); err != nil {
		return err
	}
	if err := writeU64(bw, uint64(len(m.Blob))); err != nil {
		return err
	}
	chunks := chunkBlob(m.Blob, chunkSize)
	if err := writeU32(bw, uint32(len(chunks))); err != nil {
		return err
	}
	for _, c := range chunks {
		if err := writeBytes(bw, c); err != nil {
			return err
		}
	}
	return bw.Flush()
}

func chunkBlob(blob []byte, chunkSize int) [][]byte {
	if chunkSize <= 0 {
		chunkSize = len(blob)
		if chunkSize == 0 {
			return [][]byte{{}}
		}
	}
	var chunks [][]byte
	for off := 0; off < len(blob); off += chunkSize {
		end := off + chunkSize
		if end > len(blob) {
			end = len(blob)
		}
		chunks = append(chunks, blob[off:end])
	}
	if len(chunks) == 0 {
		chunks = [][]byte{{}}
	}
	return chunks
}

func writeNameArray(w io.Writer, names []string) error {
	if err := writeU32(w, uint32(len(names))); err != nil {
		return err
	}
	for _, n := range names {
		if err := writeString(w, n); err != nil {
			return err
		}
	}
	return nil
}

func readNameArray(r io.Reader) ([]string, error) {
	n, err := readU32(r)
	if err != nil {
		return nil, err
	}
	names := make([]string, n)
	for i := range names {
		s, err := readString(r)
		if err != nil {
			return nil, err
		}
		names[i] = s
	}
	return names, nil
}

// DecodedModel is the wire form of a Model: it carries no backend Handle
// since re-creating that requires the Capability table (internal/backend),
// which codec must not import to avoid a dependency cycle.
type DecodedModel struct {
	Backend objects.BackendKind
	Device  string
	Tag     string
	Policy  objects.BatchPolicy
	Inputs  []string
	Outputs []string
	Blob    []byte
}

func DecodeModel(r io.Reader) (*DecodedModel, error) {
	br := bufio.NewReader(r)
	version, err := readU32(br)
	if err != nil {
		return nil, err
	}
	if version > CurrentVersion {
		return nil, fmt.Errorf("codec: model version %d is newer than supported %d", version, CurrentVersion)
	}
	backendID, err := readU32(br)
	if err != nil {
		return nil, err
	}
	device, err := readString(br)
	if err != nil {
		return nil, err
	}
	tag, err := readString(br)
	if err != nil {
		return nil, err
	}
	batchSize, err := readU64(br)
	if err != nil {
		return nil, err
	}
	minBatchSize, err := readU64(br)
	if err != nil {
		return nil, err
	}
	minBatchTimeout, err := readU64(br)
	if err != nil {
		return nil, err
	}
	inputs, err := readNameArray(br)
	if err != nil {
		return nil, err
	}
	outputs, err := readNameArray(br)
	if err != nil {
		return nil, err
	}
	totalLen, err := readU64(br)
	if err != nil {
		return nil, err
	}
	numChunks, err := readU32(br)
	if err != nil {
		return nil, err
	}
	blob := make([]byte, 0, totalLen)
	for i := uint32(0); i < numChunks; i++ {
		chunk, err := readBytes(br)
		if err != nil {
			return nil, err
		}
		blob = append(blob, chunk...)
	}
	return &DecodedModel{
		Backend: objects.BackendKind(backendID),
		Device:  device,
		Tag:     tag,
		Policy: objects.BatchPolicy{
			BatchSize:         int(batchSize),
			MinBatchSize:      int(minBatchSize),
			MinBatchTimeoutMS: int64(minBatchTimeout),
		},
		Inputs:  inputs,
		Outputs: outputs,
		Blob:    blob,
	}, nil
}

// EncodeScript writes: version, device, tag, source, entry-point
// count+names.
func EncodeScript(w io.Writer, s *objects.Script) error {
	bw := bufio.NewWriter(w)
	if err := writeU32(bw, CurrentVersion); err != nil {
		return err
	}
	if err := writeString(bw, s.Device); err != nil {
		return err
	}
	if err := writeString(bw, s.Tag); err != nil {
		return err
	}
	if err := writeString(bw, s.Source); err != nil {
		return err
	}
	if err := writeNameArray(bw, s.EntryPoints); err != nil {
		return err
	}
	return bw.Flush()
}

type DecodedScript struct {
	Device      string
	Tag         string
	Source      string
	EntryPoints []string
}

func DecodeScript(r io.Reader) (*DecodedScript, error) {
	br := bufio.NewReader(r)
	version, err := readU32(br)
	if err != nil {
		return nil, err
	}
	if version > CurrentVersion {
		return nil, fmt.Errorf("codec: script version %d is newer than supported %d", version, CurrentVersion)
	}
	device, err := readString(br)
	if err != nil {
		return nil, err
	}
	tag, err := readString(br)
	if err != nil {
		return nil, err
	}
	source, err := readString(br)
	if err != nil {
		return nil, err
	}
	entryPoints, err := readNameArray(br)
	if err != nil {
		return nil, err
	}
	return &DecodedScript{Device: device, Tag: tag, Source: source, EntryPoints: entryPoints}, nil
}
