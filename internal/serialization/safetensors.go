package serialization

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"slices"

	"github.com/born-ml/gradtape/internal/tensor"
	"github.com/pkg/errors"
)

// MaxHeaderSize bounds the JSON header accepted by the reader.
const MaxHeaderSize = 100 << 20

const metadataKey = "__metadata__"

// SafeTensorHeader represents a tensor in the SafeTensors header.
type SafeTensorHeader struct {
	DType       string   `json:"dtype"`
	Shape       []int64  `json:"shape"`
	DataOffsets [2]int64 `json:"data_offsets"`
}

// WriteSafeTensors writes values to a SafeTensors file at path.
func WriteSafeTensors(path string, values map[string]*tensor.Value, metadata map[string]string) (err error) {
	//nolint:gosec // G304: path is user-chosen output location
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "failed to create file")
	}
	defer func() {
		if cerr := f.Close(); err == nil && cerr != nil {
			err = errors.Wrap(cerr, "failed to close file")
		}
	}()
	w := bufio.NewWriter(f)
	if err := Encode(w, values, metadata); err != nil {
		return err
	}
	return errors.Wrap(w.Flush(), "failed to flush file")
}

// Encode writes values in SafeTensors format. Tensors are laid out in name order.
func Encode(w io.Writer, values map[string]*tensor.Value, metadata map[string]string) error {
	names := make([]string, 0, len(values))
	for name := range values {
		if name == "" || name == metadataKey {
			return errors.Wrapf(ErrInvalidTensorName, "%q", name)
		}
		names = append(names, name)
	}
	slices.Sort(names)

	header := make(map[string]any, len(names)+1)
	if len(metadata) > 0 {
		header[metadataKey] = metadata
	}
	var offset int64
	for _, name := range names {
		v := values[name]
		dtype, err := dtypeToSafeTensors(v.DType)
		if err != nil {
			return errors.Wrapf(err, "tensor %q", name)
		}
		if len(v.Data) != v.Shape.NumElements() {
			return errors.Errorf("tensor %q: %d values for shape %s", name, len(v.Data), v.Shape)
		}
		shape := make([]int64, len(v.Shape))
		for i, d := range v.Shape {
			shape[i] = int64(d)
		}
		size := int64(len(v.Data) * v.DType.Size())
		header[name] = SafeTensorHeader{DType: dtype, Shape: shape, DataOffsets: [2]int64{offset, offset + size}}
		offset += size
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return errors.Wrap(err, "failed to marshal header")
	}
	if err := binary.Write(w, binary.LittleEndian, uint64(len(headerJSON))); err != nil {
		return errors.Wrap(err, "failed to write header size")
	}
	if _, err := w.Write(headerJSON); err != nil {
		return errors.Wrap(err, "failed to write header")
	}
	for _, name := range names {
		if _, err := w.Write(encodeData(values[name])); err != nil {
			return errors.Wrapf(err, "failed to write tensor %s", name)
		}
	}
	return nil
}

// ReadSafeTensors reads every tensor and the metadata of a SafeTensors file.
func ReadSafeTensors(path string) (map[string]*tensor.Value, map[string]string, error) {
	//nolint:gosec // G304: path is user-chosen input location
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to open file")
	}
	defer f.Close()
	return Decode(bufio.NewReader(f))
}

// Decode reads SafeTensors data from r.
func Decode(r io.Reader) (map[string]*tensor.Value, map[string]string, error) {
	var headerSize uint64
	if err := binary.Read(r, binary.LittleEndian, &headerSize); err != nil {
		return nil, nil, errors.Wrap(err, "failed to read header size")
	}
	if headerSize > MaxHeaderSize {
		return nil, nil, errors.Wrapf(ErrHeaderTooLarge, "%d bytes", headerSize)
	}
	headerJSON := make([]byte, headerSize)
	if _, err := io.ReadFull(r, headerJSON); err != nil {
		return nil, nil, errors.Wrap(err, "failed to read header")
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(headerJSON, &raw); err != nil {
		return nil, nil, errors.Wrap(err, "failed to parse header")
	}
	var metadata map[string]string
	if m, ok := raw[metadataKey]; ok {
		if err := json.Unmarshal(m, &metadata); err != nil {
			return nil, nil, errors.Wrap(err, "failed to parse metadata")
		}
		delete(raw, metadataKey)
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to read tensor data")
	}
	values := make(map[string]*tensor.Value, len(raw))
	for name, msg := range raw {
		var h SafeTensorHeader
		if err := json.Unmarshal(msg, &h); err != nil {
			return nil, nil, errors.Wrapf(err, "failed to parse tensor %q", name)
		}
		v, err := decodeTensor(name, h, data)
		if err != nil {
			return nil, nil, err
		}
		values[name] = v
	}
	return values, metadata, nil
}

func decodeTensor(name string, h SafeTensorHeader, data []byte) (*tensor.Value, error) {
	dtype, err := dtypeFromSafeTensors(h.DType)
	if err != nil {
		return nil, errors.Wrapf(err, "tensor %q", name)
	}
	want, ok := byteSize(h.Shape, dtype.Size(), int64(len(data)))
	if !ok {
		return nil, &ValidationError{
			Tensor:  name,
			Details: fmt.Sprintf("shape %v does not fit the %d-byte data section", h.Shape, len(data)),
			Err:     ErrOutOfBounds,
		}
	}
	shape := make(tensor.Shape, len(h.Shape))
	for i, d := range h.Shape {
		shape[i] = int(d)
	}
	start, end := h.DataOffsets[0], h.DataOffsets[1]
	if start < 0 || end < start || end > int64(len(data)) || end-start != want {
		return nil, &ValidationError{
			Tensor:  name,
			Details: "offsets do not match shape and data section",
			Err:     ErrOutOfBounds,
		}
	}
	return decodeData(data[start:end], shape, dtype), nil
}

// byteSize returns the byte size of a tensor with dims and element size, or false
// if a dimension is not positive or the size exceeds limit.
func byteSize(dims []int64, elemSize int, limit int64) (int64, bool) {
	n := int64(elemSize)
	for _, d := range dims {
		if d <= 0 || n > limit/d {
			return 0, false
		}
		n *= d
	}
	return n, n <= limit
}

func encodeData(v *tensor.Value) []byte {
	size := v.DType.Size()
	buf := make([]byte, len(v.Data)*size)
	for i, x := range v.Data {
		switch v.DType {
		case tensor.Float32:
			binary.LittleEndian.PutUint32(buf[i*size:], math.Float32bits(float32(x)))
		case tensor.Float64:
			binary.LittleEndian.PutUint64(buf[i*size:], math.Float64bits(x))
		}
	}
	return buf
}

func decodeData(buf []byte, shape tensor.Shape, dtype tensor.DataType) *tensor.Value {
	size := dtype.Size()
	v := &tensor.Value{Shape: shape, DType: dtype, Data: make([]float64, len(buf)/size)}
	for i := range v.Data {
		switch dtype {
		case tensor.Float32:
			v.Data[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(buf[i*size:])))
		case tensor.Float64:
			v.Data[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[i*size:]))
		}
	}
	return v
}

func dtypeToSafeTensors(dt tensor.DataType) (string, error) {
	switch dt {
	case tensor.Float32:
		return "F32", nil
	case tensor.Float64:
		return "F64", nil
	default:
		return "", errors.Wrapf(ErrUnsupportedDType, "%s", dt)
	}
}

func dtypeFromSafeTensors(s string) (tensor.DataType, error) {
	switch s {
	case "F32":
		return tensor.Float32, nil
	case "F64":
		return tensor.Float64, nil
	default:
		return 0, errors.Wrapf(ErrUnsupportedDType, "%q", s)
	}
}
