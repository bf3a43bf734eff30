// Package codec is the wire format shared by the changelog service and its
// replicas. Values are msgpack encoded with sorted map keys, so equal values
// always encode to equal bytes within one deployment. Every value is
// self-delimiting; a stream of values needs no extra framing.
//
// The format is internal and may change between releases.
package codec

import (
	"bytes"
	"fmt"
	"io"
	"sort"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"

	"serialkv/internal/model"
)

// ContentType is sent with every encoded response body.
const ContentType = "application/x-msgpack"

// DecodeError reports a malformed payload.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return "codec: malformed payload: " + e.Err.Error()
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// IsDecodeError reports whether err, or any error it wraps, is a DecodeError.
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}

// Encode returns the wire form of v.
func Encode(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := EncodeTo(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// EncodeTo appends the wire form of v to w.
func EncodeTo(w io.Writer, v interface{}) error {
	enc := msgpack.NewEncoder(w)
	enc.SetSortMapKeys(true)
	var err error
	switch m := v.(type) {
	case model.NameSerials:
		err = encodeNameSerials(enc, m)
	case map[string]int64:
		err = encodeNameSerials(enc, m)
	default:
		err = enc.Encode(v)
	}
	if err != nil {
		return errors.Wrap(err, "codec: encode")
	}
	return nil
}

// encodeNameSerials writes m with its keys in sorted order. The generic map
// path of msgpack ignores SetSortMapKeys for map[string]int64.
func encodeNameSerials(enc *msgpack.Encoder, m map[string]int64) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	if err := enc.EncodeMapLen(len(keys)); err != nil {
		return err
	}
	for _, k := range keys {
		if err := enc.EncodeString(k); err != nil {
			return err
		}
		if err := enc.EncodeInt(m[k]); err != nil {
			return err
		}
	}
	return nil
}

// Decode reads exactly one value from b into v. Trailing bytes are an error.
func Decode(b []byte, v interface{}) error {
	r := bytes.NewReader(b)
	if err := decodeOne(msgpack.NewDecoder(r), v); err != nil {
		return err
	}
	if r.Len() != 0 {
		return &DecodeError{Err: fmt.Errorf("%d trailing bytes", r.Len())}
	}
	return nil
}

func decodeOne(dec *msgpack.Decoder, v interface{}) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &DecodeError{Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	if err := dec.Decode(v); err != nil {
		return &DecodeError{Err: err}
	}
	return nil
}

// StreamDecoder reads consecutive values from a reader.
type StreamDecoder struct {
	dec *msgpack.Decoder
}

func NewStreamDecoder(r io.Reader) *StreamDecoder {
	return &StreamDecoder{dec: msgpack.NewDecoder(r)}
}

// Next decodes the next value into v. It returns io.EOF when the stream ends
// on a value boundary; a value cut short is a DecodeError.
func (s *StreamDecoder) Next(v interface{}) error {
	if _, err := s.dec.PeekCode(); err != nil {
		if err == io.EOF {
			return io.EOF
		}
		return &DecodeError{Err: err}
	}
	return decodeOne(s.dec, v)
}

func EncodeEntry(e *model.ChangelogEntry) ([]byte, error) {
	return Encode(e)
}

func DecodeEntry(b []byte) (*model.ChangelogEntry, error) {
	var e model.ChangelogEntry
	if err := Decode(b, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

func EncodeNameSerials(m model.NameSerials) ([]byte, error) {
	if m == nil {
		m = model.NameSerials{}
	}
	return Encode(m)
}

func DecodeNameSerials(b []byte) (model.NameSerials, error) {
	m := model.NameSerials{}
	if err := Decode(b, (*map[string]int64)(&m)); err != nil {
		return nil, err
	}
	return m, nil
}
