// Package rawpkt implements the wire format and byte-order codec shared by
// the client control connection, the data-node control connection, and the
// UDP sample-ingress socket.
//
// The header layout, magic byte, and payload layout are bit-exact with the
// on-the-wire format both control endpoints expect. Encode serializes into
// a separate buffer rather than converting the packet in place, so the
// in-memory packet stays host-order and the sample count is always known
// while the samples are written; Decode reads the dimensions before the
// sample block.
package rawpkt

import (
	"bytes"
	"encoding/binary"
	goerrors "errors"
	"io"

	"github.com/pkg/errors"

	"github.com/leaflabs/leafyd/internal/lferr"
)

// Header magic/version, preserved from PACKET_HEADER_MAGIC / _PROTO_VERS.
const (
	HeaderMagic        uint8 = 0x5A
	HeaderProtoVersion uint8 = 0x00
)

// Packet type codes. 0 is reserved as the "unset" sentinel used by Decode's
// expectedType in/out parameter, matching raw_packet_recv's "*packtype == 0
// means discover the type" convention.
const (
	TypeBoardSample uint8 = 1 + iota
	TypeRequest
	TypeResponse
	TypeError
)

// FlagBSampIsLast marks the final board sample of a capture.
const FlagBSampIsLast uint8 = 0x01

// headerSize is 8 bytes: 4 named header fields plus 4 reserved/padding
// bytes, matching the alignment offsetof(struct raw_packet, p) implies for
// the 4-byte-aligned bs_idx/r_val fields that follow.
const headerSize = 8

// reqResSize is the wire size of a Request/Response payload:
// r_id(2) r_type(1) r_addr(1) r_val(4).
const reqResSize = 8

// Header is the 8-byte packet header common to every type.
type Header struct {
	Magic        uint8
	ProtoVersion uint8
	Type         uint8
	Flags        uint8
}

// ReqRes is the Request/Response payload: Request and Response share the
// same wire layout, so encoding/decoding a Response simply recasts and
// reuses the Request conversion.
type ReqRes struct {
	RID   uint16
	RType uint8
	RAddr uint8
	RVal  uint32
}

// BoardSample is the variable-length board-sample payload.
type BoardSample struct {
	Idx     uint32
	NChips  uint16
	NLines  uint16
	Samples []uint16
}

// NSamps returns nchips*nlines, the sample count raw_bsamp_nsamps computes.
func (b *BoardSample) NSamps() int { return int(b.NChips) * int(b.NLines) }

// Packet is the decoded, in-memory, host-endian representation of a single
// wire packet. Exactly one of Req or BSamp is populated, selected by
// Header.Type; Error packets populate neither.
type Packet struct {
	Header
	Req   *ReqRes
	BSamp *BoardSample
}

// Init writes magic, version, type and flags, and clears any payload,
// mirroring raw_packet_init.
func Init(typ uint8, flags uint8) *Packet {
	return &Packet{Header: Header{
		Magic:        HeaderMagic,
		ProtoVersion: HeaderProtoVersion,
		Type:         typ,
		Flags:        flags,
	}}
}

// maxSamples bounds nchips*nlines so a hostile or corrupt size field can't
// force an unbounded allocation; this substitutes for the C malloc-failure
// path that raw_packet_create_bsamp reports via a NULL return.
const maxSamples = 1 << 24

// NewBoardSample allocates a packet sized to carry nchips*nlines samples,
// mirroring raw_packet_create_bsamp. It fails with lferr.ErrOutOfMemory if
// the requested sample count is absurd.
func NewBoardSample(nchips, nlines uint16) (*Packet, error) {
	n := int(nchips) * int(nlines)
	if n > maxSamples {
		return nil, errors.Wrapf(lferr.ErrOutOfMemory, "board sample %dx%d exceeds %d samples", nchips, nlines, maxSamples)
	}
	p := Init(TypeBoardSample, 0)
	p.BSamp = &BoardSample{
		NChips:  nchips,
		NLines:  nlines,
		Samples: make([]uint16, n),
	}
	return p, nil
}

// Copy deep-copies exactly the bytes src semantically occupies (header plus
// its type-dependent payload), mirroring raw_packet_copy. It panics for an
// unknown type, mirroring the original's assert(0 && "invalid packet
// type").
func Copy(dst, src *Packet) {
	dst.Header = src.Header
	switch src.Type {
	case TypeBoardSample:
		bs := *src.BSamp
		bs.Samples = append([]uint16(nil), src.BSamp.Samples...)
		dst.BSamp = &bs
		dst.Req = nil
	case TypeRequest, TypeResponse:
		r := *src.Req
		dst.Req = &r
		dst.BSamp = nil
	case TypeError:
		dst.Req = nil
		dst.BSamp = nil
	default:
		panic("rawpkt: Copy of packet with invalid type")
	}
}

// Encode serializes p to its wire form (network byte order) and writes it
// to w in a single call, mirroring raw_packet_send. It returns the number
// of bytes written. Sending a packet of unknown type fails with
// lferr.ErrInvalidArgument, matching the original's errno = EINVAL path.
func Encode(w io.Writer, p *Packet) (int, error) {
	var buf bytes.Buffer
	buf.WriteByte(p.Magic)
	buf.WriteByte(p.ProtoVersion)
	buf.WriteByte(p.Type)
	buf.WriteByte(p.Flags)
	buf.Write([]byte{0, 0, 0, 0}) // reserved

	switch p.Type {
	case TypeBoardSample:
		// Wire order is idx, nchips, nlines, then the sample block.
		binary.Write(&buf, binary.BigEndian, p.BSamp.Idx)
		binary.Write(&buf, binary.BigEndian, p.BSamp.NChips)
		binary.Write(&buf, binary.BigEndian, p.BSamp.NLines)
		for _, s := range p.BSamp.Samples {
			binary.Write(&buf, binary.BigEndian, s)
		}
	case TypeRequest, TypeResponse:
		binary.Write(&buf, binary.BigEndian, p.Req.RID)
		buf.WriteByte(p.Req.RType)
		buf.WriteByte(p.Req.RAddr)
		binary.Write(&buf, binary.BigEndian, p.Req.RVal)
	case TypeError:
		// No payload.
	default:
		return 0, errors.Wrapf(lferr.ErrInvalidArgument, "unknown packet type %d", p.Type)
	}

	n, err := w.Write(buf.Bytes())
	if err != nil {
		return n, errors.Wrap(err, "rawpkt: write")
	}
	return n, nil
}

// Decode reads one packet from r, validating the magic, the protocol
// version and (if *expectedType is nonzero) the type, then converts the
// payload from network to host byte order, mirroring raw_packet_recv.
//
// *expectedType is the in/out parameter from the C API: 0 means "discover
// the type and report it back"; any other value must match the received
// type or Decode fails with lferr.ErrIO. A magic or version mismatch fails
// with lferr.ErrProtocol, regardless of expectedType.
func Decode(r io.Reader, expectedType *uint8) (*Packet, int, error) {
	var hdr [headerSize]byte
	n, err := io.ReadFull(r, hdr[:])
	if err != nil {
		return nil, n, errors.Wrap(err, "rawpkt: read header")
	}
	if hdr[0] != HeaderMagic {
		return nil, n, errors.Wrapf(lferr.ErrProtocol, "bad magic 0x%02x", hdr[0])
	}
	if hdr[1] != HeaderProtoVersion {
		return nil, n, errors.Wrapf(lferr.ErrProtocol, "bad protocol version 0x%02x", hdr[1])
	}

	p := &Packet{Header: Header{
		Magic:        hdr[0],
		ProtoVersion: hdr[1],
		Type:         hdr[2],
		Flags:        hdr[3],
	}}

	if *expectedType == 0 {
		*expectedType = p.Type
	} else if *expectedType != p.Type {
		return nil, n, errors.Wrapf(lferr.ErrIO, "expected type %d, got %d", *expectedType, p.Type)
	}

	switch p.Type {
	case TypeBoardSample:
		var meta [8]byte
		m, err := io.ReadFull(r, meta[:])
		n += m
		if err != nil {
			return nil, n, errors.Wrap(err, "rawpkt: read board sample header")
		}
		bs := &BoardSample{
			Idx:    binary.BigEndian.Uint32(meta[0:4]),
			NChips: binary.BigEndian.Uint16(meta[4:6]),
			NLines: binary.BigEndian.Uint16(meta[6:8]),
		}
		nsamps := bs.NSamps()
		if nsamps > maxSamples {
			return nil, n, errors.Wrapf(lferr.ErrOutOfMemory, "board sample %dx%d exceeds %d samples", bs.NChips, bs.NLines, maxSamples)
		}
		raw := make([]byte, nsamps*2)
		m, err = io.ReadFull(r, raw)
		n += m
		if err != nil {
			return nil, n, errors.Wrap(err, "rawpkt: read board samples")
		}
		bs.Samples = make([]uint16, nsamps)
		for i := range bs.Samples {
			bs.Samples[i] = binary.BigEndian.Uint16(raw[i*2 : i*2+2])
		}
		p.BSamp = bs
	case TypeRequest, TypeResponse:
		var payload [reqResSize]byte
		m, err := io.ReadFull(r, payload[:])
		n += m
		if err != nil {
			return nil, n, errors.Wrap(err, "rawpkt: read request/response payload")
		}
		p.Req = &ReqRes{
			RID:   binary.BigEndian.Uint16(payload[0:2]),
			RType: payload[2],
			RAddr: payload[3],
			RVal:  binary.BigEndian.Uint32(payload[4:8]),
		}
	case TypeError:
		// No payload.
	default:
		return nil, n, errors.Wrapf(lferr.ErrProtocol, "unknown packet type %d on receive", p.Type)
	}

	return p, n, nil
}

// Assembler reassembles packets out of arbitrarily-chunked stream reads. A
// reactor.StreamPipe's onRead callback fires once per Read() syscall, which
// may split or coalesce packets at any boundary; Assembler is what a Read
// hook feeds raw chunks into so Decode always sees a complete packet's
// worth of bytes.
type Assembler struct {
	buf bytes.Buffer
}

// Feed appends newly-read bytes to the assembler's pending buffer.
func (a *Assembler) Feed(chunk []byte) {
	a.buf.Write(chunk)
}

// Next attempts to decode one packet out of the buffered bytes, following
// Decode's expectedType in/out convention. It returns ok=false with a nil
// error when the buffer holds an incomplete packet (the caller should wait
// for more data); a non-nil error means the buffered bytes are malformed
// and cannot be recovered by waiting for more.
func (a *Assembler) Next(expectedType *uint8) (p *Packet, ok bool, err error) {
	r := bytes.NewReader(a.buf.Bytes())
	et := *expectedType
	p, n, err := Decode(r, &et)
	if err != nil {
		if goerrors.Is(err, io.ErrUnexpectedEOF) || goerrors.Is(err, io.EOF) {
			return nil, false, nil
		}
		return nil, false, err
	}
	*expectedType = et
	a.buf.Next(n)
	return p, true, nil
}
