package rawpkt

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/leaflabs/leafyd/internal/lferr"
	"github.com/pkg/errors"
)

func TestRoundTripRequest(t *testing.T) {
	p := Init(TypeRequest, 0)
	p.Req = &ReqRes{RID: 7, RType: 0x01, RAddr: 0x00, RVal: 0xDEADBEEF}

	var buf bytes.Buffer
	if _, err := Encode(&buf, p); err != nil {
		t.Fatalf("Encode: %v", err)
	}

	var expected uint8
	got, _, err := Decode(&buf, &expected)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Magic != HeaderMagic || got.ProtoVersion != HeaderProtoVersion {
		t.Fatalf("header not restored: %+v", got.Header)
	}
	if *got.Req != *p.Req {
		t.Fatalf("round trip mismatch: got %+v want %+v", *got.Req, *p.Req)
	}
}

func TestRoundTripResponse(t *testing.T) {
	p := Init(TypeResponse, 0)
	p.Req = &ReqRes{RID: 42, RType: 0x02, RAddr: 0x03, RVal: 123456}

	var buf bytes.Buffer
	if _, err := Encode(&buf, p); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	var expected uint8
	got, _, err := Decode(&buf, &expected)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if *got.Req != *p.Req {
		t.Fatalf("round trip mismatch: got %+v want %+v", *got.Req, *p.Req)
	}
}

func TestRoundTripError(t *testing.T) {
	p := Init(TypeError, 0x07)
	var buf bytes.Buffer
	if _, err := Encode(&buf, p); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	var expected uint8
	got, _, err := Decode(&buf, &expected)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Flags != 0x07 {
		t.Fatalf("flags not preserved: got %x", got.Flags)
	}
}

func TestRoundTripBoardSampleBoundarySizes(t *testing.T) {
	for _, n := range []struct{ nchips, nlines uint16 }{
		{1, 1},
		{1, 2},
		{255, 257}, // product 65535
	} {
		p, err := NewBoardSample(n.nchips, n.nlines)
		if err != nil {
			t.Fatalf("NewBoardSample(%d,%d): %v", n.nchips, n.nlines, err)
		}
		p.Flags = FlagBSampIsLast
		p.BSamp.Idx = 42
		rnd := rand.New(rand.NewSource(int64(n.nchips)<<16 | int64(n.nlines)))
		for i := range p.BSamp.Samples {
			p.BSamp.Samples[i] = uint16(rnd.Intn(1 << 16))
		}

		var buf bytes.Buffer
		if _, err := Encode(&buf, p); err != nil {
			t.Fatalf("Encode: %v", err)
		}

		var expected uint8
		got, _, err := Decode(&buf, &expected)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if got.BSamp.Idx != 42 || got.Flags != FlagBSampIsLast {
			t.Fatalf("header fields not preserved: %+v", got)
		}
		if got.BSamp.NChips != n.nchips || got.BSamp.NLines != n.nlines {
			t.Fatalf("dimensions not preserved: got %dx%d want %dx%d",
				got.BSamp.NChips, got.BSamp.NLines, n.nchips, n.nlines)
		}
		for i := range p.BSamp.Samples {
			if got.BSamp.Samples[i] != p.BSamp.Samples[i] {
				t.Fatalf("sample %d mismatch: got %d want %d", i, got.BSamp.Samples[i], p.BSamp.Samples[i])
			}
		}
	}
}

func TestMagicRejection(t *testing.T) {
	p := Init(TypeRequest, 0)
	p.Req = &ReqRes{RID: 1, RType: 1, RAddr: 1, RVal: 1}
	var buf bytes.Buffer
	if _, err := Encode(&buf, p); err != nil {
		t.Fatalf("Encode: %v", err)
	}

	for _, b := range []byte{0x00, 0x01, 0x5B, 0xFF} {
		corrupted := append([]byte(nil), buf.Bytes()...)
		corrupted[0] = b
		var expected uint8
		_, _, err := Decode(bytes.NewReader(corrupted), &expected)
		if !errors.Is(err, lferr.ErrProtocol) {
			t.Fatalf("magic byte 0x%02x: expected ErrProtocol, got %v", b, err)
		}
	}
}

func TestTypeMismatchRejection(t *testing.T) {
	p := Init(TypeResponse, 0)
	p.Req = &ReqRes{RID: 1, RType: 1, RAddr: 1, RVal: 1}
	var buf bytes.Buffer
	if _, err := Encode(&buf, p); err != nil {
		t.Fatalf("Encode: %v", err)
	}

	expected := TypeRequest
	_, _, err := Decode(&buf, &expected)
	if !errors.Is(err, lferr.ErrIO) {
		t.Fatalf("expected ErrIO on type mismatch, got %v", err)
	}
}

func TestSendUnknownTypeIsInvalidArgument(t *testing.T) {
	p := Init(0x7F, 0)
	var buf bytes.Buffer
	_, err := Encode(&buf, p)
	if !errors.Is(err, lferr.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestCopyBoardSample(t *testing.T) {
	src, err := NewBoardSample(2, 3)
	if err != nil {
		t.Fatalf("NewBoardSample: %v", err)
	}
	src.BSamp.Idx = 7
	for i := range src.BSamp.Samples {
		src.BSamp.Samples[i] = uint16(i * 11)
	}

	var dst Packet
	Copy(&dst, src)
	if dst.BSamp.Idx != 7 {
		t.Fatalf("idx not copied")
	}
	// Mutating src must not affect dst: Copy must deep-copy the slice.
	src.BSamp.Samples[0] = 9999
	if dst.BSamp.Samples[0] == 9999 {
		t.Fatalf("Copy aliased the sample slice")
	}
}

func TestCopyUnknownTypePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic copying unknown packet type")
		}
	}()
	src := &Packet{Header: Header{Magic: HeaderMagic, Type: 0x7F}}
	var dst Packet
	Copy(&dst, src)
}
