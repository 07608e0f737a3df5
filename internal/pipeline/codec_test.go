package pipeline

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"testing"

	"github.com/disintegration/imaging"
)

func testJPEG(t *testing.T, w, h int, c color.NRGBA) []byte {
	t.Helper()
	img := imaging.New(w, h, c)
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG); err != nil {
		t.Fatalf("encode jpeg: %v", err)
	}
	return buf.Bytes()
}

func TestEncodeSplitRoundTrip(t *testing.T) {
	a := []byte{0xff, 0xd8, 1, 2, 3}
	b := []byte{0xff, 0xd8, 9}
	payload := EncodePair(a, b)
	if len(payload) != 8+len(a)+len(b) {
		t.Fatalf("unexpected payload length %d", len(payload))
	}
	if !bytes.Equal(payload[:4], []byte{0, 0, 0, 5}) {
		t.Fatalf("length prefix not big endian: %v", payload[:4])
	}
	pair, err := SplitPair(payload)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if !bytes.Equal(pair.JPEG0, a) || !bytes.Equal(pair.JPEG1, b) {
		t.Fatalf("round trip mismatch: %v %v", pair.JPEG0, pair.JPEG1)
	}
	if !bytes.Equal(EncodePair(pair.JPEG0, pair.JPEG1), payload) {
		t.Fatalf("re-encoded payload differs")
	}
}

func TestSplitPairEmptyFrames(t *testing.T) {
	pair, err := SplitPair(EncodePair(nil, nil))
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if len(pair.JPEG0) != 0 || len(pair.JPEG1) != 0 {
		t.Fatalf("expected empty frames")
	}
}

func TestSplitPairErrors(t *testing.T) {
	valid := EncodePair([]byte{1, 2}, []byte{3})
	cases := []struct {
		name    string
		payload []byte
		want    error
	}{
		{"empty", nil, ErrTruncated},
		{"short prefix", []byte{0, 0}, ErrTruncated},
		{"missing second prefix", valid[:6], ErrTruncated},
		{"first overflows", []byte{0, 0, 0, 10, 1, 2}, ErrLengthOverflow},
		{"huge length", []byte{0xff, 0xff, 0xff, 0xff, 1}, ErrLengthOverflow},
		{"second overflows", append(append([]byte{}, valid[:6]...), 0, 0, 0, 9, 1), ErrLengthOverflow},
	}
	for _, tc := range cases {
		_, err := SplitPair(tc.payload)
		if !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
		var de *DecodeError
		if !errors.As(err, &de) || de.Camera != -1 {
			t.Fatalf("%s: expected framing DecodeError, got %#v", tc.name, err)
		}
	}
}

func TestDecodePair(t *testing.T) {
	payload := EncodePair(testJPEG(t, 32, 24, color.NRGBA{R: 200, A: 255}), testJPEG(t, 16, 8, color.NRGBA{B: 200, A: 255}))
	img0, img1, err := DecodePair(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if img0.Bounds().Size() != image.Pt(32, 24) || img1.Bounds().Size() != image.Pt(16, 8) {
		t.Fatalf("unexpected sizes %v %v", img0.Bounds(), img1.Bounds())
	}
}

func TestDecodePairBadJPEG(t *testing.T) {
	payload := EncodePair(testJPEG(t, 8, 8, color.NRGBA{A: 255}), []byte("not a jpeg"))
	_, _, err := DecodePair(payload)
	var de *DecodeError
	if !errors.As(err, &de) {
		t.Fatalf("expected DecodeError, got %v", err)
	}
	if de.Camera != 1 {
		t.Fatalf("expected camera 1, got %d", de.Camera)
	}
}

func TestSplitPairIgnoresTrailingBytes(t *testing.T) {
	padded := append(EncodePair([]byte{1, 2}, []byte{3}), 0, 0, 7)
	pair, err := SplitPair(padded)
	if err != nil {
		t.Fatalf("split padded pair: %v", err)
	}
	if !bytes.Equal(pair.JPEG0, []byte{1, 2}) || !bytes.Equal(pair.JPEG1, []byte{3}) {
		t.Fatalf("unexpected frames: %v %v", pair.JPEG0, pair.JPEG1)
	}
}
