package memd

import (
	"bytes"
	"encoding/binary"
	"reflect"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		pkt  Packet
	}{
		{
			name: "request with key and value",
			pkt: Packet{
				Magic:   MagicReq,
				Op:      OpSet,
				VBucket: 12,
				Opaque:  0xdeadbeef,
				CAS:     42,
				Extras:  []byte{0, 0, 0, 1, 0, 0, 0, 2},
				Key:     []byte("k"),
				Value:   []byte("v"),
			},
		},
		{
			name: "response with status",
			pkt: Packet{
				Magic:  MagicRes,
				Op:     OpGet,
				Status: StatusKeyNotFound,
				Opaque: 7,
			},
		},
		{
			name: "framed request",
			pkt: Packet{
				Magic:       MagicReqFramed,
				Op:          OpGet,
				VBucket:     3,
				Opaque:      9,
				Key:         []byte("doc"),
				FrameExtras: []byte{0x00},
			},
		},
		{
			name: "value only",
			pkt: Packet{
				Magic:  MagicRes,
				Op:     OpGetClusterConfig,
				Opaque: 1,
				Value:  []byte(`{"rev":1}`),
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			enc, err := EncodePacket(&tc.pkt)
			if err != nil {
				t.Fatalf("encode error: %v", err)
			}
			dec, n, err := DecodePacket(enc, 0)
			if err != nil {
				t.Fatalf("decode error: %v", err)
			}
			if n != len(enc) {
				t.Fatalf("consumed %d, want %d", n, len(enc))
			}
			if !reflect.DeepEqual(*dec, tc.pkt) {
				t.Fatalf("round-trip mismatch:\n got %+v\nwant %+v", *dec, tc.pkt)
			}
		})
	}
}

func TestDecodeShortInputConsumesNothing(t *testing.T) {
	pkt := Packet{
		Magic:   MagicReq,
		Op:      OpSet,
		VBucket: 5,
		Opaque:  1,
		Key:     []byte("key"),
		Value:   []byte("value"),
	}
	enc, err := EncodePacket(&pkt)
	if err != nil {
		t.Fatalf("encode error: %v", err)
	}

	// every proper prefix must report ErrNeedMore and consume nothing.
	for i := 0; i < len(enc); i++ {
		dec, n, err := DecodePacket(enc[:i], 0)
		if err != ErrNeedMore {
			t.Fatalf("prefix %d: err = %v, want ErrNeedMore", i, err)
		}
		if dec != nil || n != 0 {
			t.Fatalf("prefix %d: consumed %d bytes", i, n)
		}
	}
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	buf := make([]byte, HeaderLen)
	buf[0] = 0x55
	if _, _, err := DecodePacket(buf, 0); err != ErrBadMagic {
		t.Fatalf("err = %v, want ErrBadMagic", err)
	}
}

func TestDecodeRejectsOversizedFrame(t *testing.T) {
	buf := make([]byte, HeaderLen)
	buf[0] = byte(MagicRes)
	binary.BigEndian.PutUint32(buf[8:], 1<<20)
	if _, _, err := DecodePacket(buf, 1024); err != ErrFrameTooLarge {
		t.Fatalf("err = %v, want ErrFrameTooLarge", err)
	}
}

func TestEncodeRejectsLongKey(t *testing.T) {
	pkt := Packet{Magic: MagicReq, Op: OpGet, Key: bytes.Repeat([]byte("x"), MaxKeyLen+1)}
	if _, err := EncodePacket(&pkt); err != ErrKeyTooLong {
		t.Fatalf("err = %v, want ErrKeyTooLong", err)
	}
}

func TestReadPacketFromStream(t *testing.T) {
	a := Packet{Magic: MagicRes, Op: OpGet, Opaque: 1, Value: []byte("one")}
	b := Packet{Magic: MagicRes, Op: OpGet, Opaque: 2, Value: []byte("two")}

	var stream bytes.Buffer
	for _, p := range []Packet{a, b} {
		enc, err := EncodePacket(&p)
		if err != nil {
			t.Fatalf("encode error: %v", err)
		}
		stream.Write(enc)
	}

	for _, want := range []Packet{a, b} {
		got, err := ReadPacket(&stream, 0)
		if err != nil {
			t.Fatalf("read error: %v", err)
		}
		if !reflect.DeepEqual(*got, want) {
			t.Fatalf("stream mismatch: got %+v want %+v", *got, want)
		}
	}
}
