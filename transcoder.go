package gocoral

import (
	"encoding/json"

	cbor "github.com/fxamacker/cbor/v2"
	"github.com/golang/snappy"
	"github.com/pkg/errors"

	"github.com/unkn0wn-root/gocoral/memd"
)

// Transcoder converts between Go values and the wire value plus its datatype
// flags. Implementations must be deterministic so CAS-guarded rewrites see
// stable bytes.
type Transcoder interface {
	Encode(v any) (value []byte, datatype uint8, err error)
	Decode(value []byte, datatype uint8, out any) error
}

// JSONTranscoder stores values as JSON and stamps the JSON datatype flag.
type JSONTranscoder struct{}

func (JSONTranscoder) Encode(v any) ([]byte, uint8, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, 0, err
	}
	return b, memd.DatatypeJSON, nil
}

func (JSONTranscoder) Decode(value []byte, datatype uint8, out any) error {
	return json.Unmarshal(value, out)
}

// CBORTranscoder stores values as CBOR. The server treats the payload as
// opaque binary.
type CBORTranscoder struct{}

func (CBORTranscoder) Encode(v any) ([]byte, uint8, error) {
	b, err := cbor.Marshal(v)
	if err != nil {
		return nil, 0, err
	}
	return b, 0, nil
}

func (CBORTranscoder) Decode(value []byte, datatype uint8, out any) error {
	return cbor.Unmarshal(value, out)
}

// RawBinaryTranscoder passes []byte through untouched.
type RawBinaryTranscoder struct{}

func (RawBinaryTranscoder) Encode(v any) ([]byte, uint8, error) {
	b, ok := v.([]byte)
	if !ok {
		return nil, 0, errors.New("raw transcoder requires []byte")
	}
	return b, 0, nil
}

func (RawBinaryTranscoder) Decode(value []byte, datatype uint8, out any) error {
	p, ok := out.(*[]byte)
	if !ok {
		return errors.New("raw transcoder requires *[]byte")
	}
	*p = append((*p)[:0], value...)
	return nil
}

// maybeCompress snappy-compresses a value at or above the threshold, returning
// the possibly rewritten value and datatype. Compression that does not
// shrink the payload is discarded.
func maybeCompress(value []byte, datatype uint8, threshold int) ([]byte, uint8) {
	if threshold <= 0 || len(value) < threshold || datatype&memd.DatatypeCompressed != 0 {
		return value, datatype
	}
	comp := snappy.Encode(nil, value)
	if len(comp) >= len(value) {
		return value, datatype
	}
	return comp, datatype | memd.DatatypeCompressed
}

// maybeDecompress expands a snappy-compressed value and clears the flag.
func maybeDecompress(value []byte, datatype uint8) ([]byte, uint8, error) {
	if datatype&memd.DatatypeCompressed == 0 {
		return value, datatype, nil
	}
	out, err := snappy.Decode(nil, value)
	if err != nil {
		return nil, datatype, errors.Wrap(err, "decompress value")
	}
	return out, datatype &^ memd.DatatypeCompressed, nil
}
