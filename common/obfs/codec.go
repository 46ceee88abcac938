// Package obfs implements the wire transform of the obfuscated side:
// every payload byte is XORed with a single-byte key, base64-encoded and
// terminated with a delimiter. The transform hides byte patterns from
// naive middleboxes; it is not a cipher and claims no confidentiality.
package obfs

import (
	"encoding/base64"

	C "github.com/obfstcp/obfstcp/constant"

	"github.com/sagernet/sing/common/buf"
	E "github.com/sagernet/sing/common/exceptions"
)

// EncodedLength returns the framed size of an n-byte payload: the padded
// base64 expansion plus the trailing delimiter.
func EncodedLength(n int) int {
	return base64.StdEncoding.EncodedLen(n) + 1
}

// DecodedCapacity returns the destination capacity required to decode a
// frame of n bytes, delimiter included.
func DecodedCapacity(n int) int {
	return base64.StdEncoding.DecodedLen(n - 1)
}

type Codec struct {
	key byte
}

func NewCodec(key byte) *Codec {
	return &Codec{key: key}
}

// Encode applies the keystream to source in place, writes the base64
// encoding of the result to destination and appends the frame delimiter.
// An empty source or insufficient destination capacity is a fatal error
// for the session, never retried.
func (c *Codec) Encode(source []byte, destination *buf.Buffer) error {
	if len(source) == 0 {
		return E.New("encode empty payload")
	}
	frameLen := EncodedLength(len(source))
	if destination.FreeLen() < frameLen {
		return E.New("encode overflow: frame of ", frameLen, " bytes into buffer with ", destination.FreeLen(), " free")
	}
	for index := range source {
		source[index] ^= c.key
	}
	frame := destination.Extend(frameLen)
	base64.StdEncoding.Encode(frame, source)
	frame[frameLen-1] = C.ObfsDelimiter
	return nil
}

// Decode strips the delimiter, base64-decodes the frame body into
// destination and undoes the keystream. The delimiter is the only resync
// point of the stream, so any malformed frame is fatal: there is no way to
// skip it safely.
func (c *Codec) Decode(frame []byte, destination *buf.Buffer) error {
	if len(frame) == 0 {
		return E.New("decode empty frame")
	}
	if frame[len(frame)-1] != C.ObfsDelimiter {
		return E.New("decode frame without delimiter")
	}
	body := frame[:len(frame)-1]
	if destination.FreeLen() < base64.StdEncoding.DecodedLen(len(body)) {
		return E.New("decode overflow: frame of ", len(frame), " bytes into buffer with ", destination.FreeLen(), " free")
	}
	payloadLen, err := base64.StdEncoding.Decode(destination.FreeBytes(), body)
	if err != nil {
		return E.Cause(err, "decode frame body")
	}
	if payloadLen == 0 {
		return E.New("decode empty frame body")
	}
	payload := destination.Extend(payloadLen)
	for index := range payload {
		payload[index] ^= c.key
	}
	return nil
}
