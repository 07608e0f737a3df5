package pipeline

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"image"

	"github.com/disintegration/imaging"

	"stereo-track-go/internal/types"
)

const lengthPrefixSize = 4

var (
	ErrTruncated      = errors.New("frame pair truncated")
	ErrLengthOverflow = errors.New("frame length exceeds payload")
)

// DecodeError reports why a frame-pair payload could not be decoded.
// Camera is -1 for framing errors.
type DecodeError struct {
	Camera int
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Camera < 0 {
		return fmt.Sprintf("decode frame pair: %v", e.Err)
	}
	return fmt.Sprintf("decode frame %d: %v", e.Camera, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// EncodePair frames two JPEG images as [len0 u32 BE][jpeg0][len1 u32 BE][jpeg1].
func EncodePair(jpeg0, jpeg1 []byte) []byte {
	out := make([]byte, 0, 2*lengthPrefixSize+len(jpeg0)+len(jpeg1))
	out = binary.BigEndian.AppendUint32(out, uint32(len(jpeg0)))
	out = append(out, jpeg0...)
	out = binary.BigEndian.AppendUint32(out, uint32(len(jpeg1)))
	out = append(out, jpeg1...)
	return out
}

// SplitPair validates the framing and returns the two JPEG payloads. Bytes
// after the second frame are ignored. The returned slices alias payload.
func SplitPair(payload []byte) (types.FramePair, error) {
	var pair types.FramePair
	rest := payload
	for i := 0; i < 2; i++ {
		if len(rest) < lengthPrefixSize {
			return types.FramePair{}, &DecodeError{Camera: -1, Err: ErrTruncated}
		}
		n := binary.BigEndian.Uint32(rest)
		rest = rest[lengthPrefixSize:]
		if uint64(n) > uint64(len(rest)) {
			return types.FramePair{}, &DecodeError{Camera: -1, Err: fmt.Errorf("%w: frame %d wants %d bytes, %d left", ErrLengthOverflow, i, n, len(rest))}
		}
		if i == 0 {
			pair.JPEG0 = rest[:n]
		} else {
			pair.JPEG1 = rest[:n]
		}
		rest = rest[n:]
	}
	return pair, nil
}

// DecodePair splits payload and decodes both JPEG frames.
func DecodePair(payload []byte) (image.Image, image.Image, error) {
	pair, err := SplitPair(payload)
	if err != nil {
		return nil, nil, err
	}
	var imgs [2]image.Image
	for i, data := range [][]byte{pair.JPEG0, pair.JPEG1} {
		img, err := imaging.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, nil, &DecodeError{Camera: i, Err: err}
		}
		imgs[i] = img
	}
	return imgs[0], imgs[1], nil
}
