package wire

import (
	"bytes"
	"testing"
)

func mustDecode(t *testing.T, b []byte) Frame {
	t.Helper()
	f, err := Decode(b)
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	return f
}

func TestFrameRoundTrip(t *testing.T) {
	cases := []Frame{
		{Op: OpCreateCache},
		{Op: OpCacheRow, Flags: FlagLocalBypass, Seq: 7, Conn: 1<<32 | 123, Payload: []byte("hello")},
		{Op: OpBatchFetch, Flags: FlagSharedBlock, Status: StatusDuplicateKey, Seq: 1 << 40, Payload: []byte{0, 1, 2}},
	}
	for _, want := range cases {
		got := mustDecode(t, Encode(want))
		if got.Op != want.Op || got.Flags != want.Flags || got.Status != want.Status ||
			got.Seq != want.Seq || got.Conn != want.Conn || !bytes.Equal(got.Payload, want.Payload) {
			t.Fatalf("round trip mismatch: got %+v want %+v", got, want)
		}
	}
}

func TestDecodeRejectsTrailingBytes(t *testing.T) {
	enc := Encode(Frame{Op: OpGetStat, Payload: []byte("x")})
	enc = append(enc, 0xDE, 0xAD)
	if _, err := Decode(enc); err == nil {
		t.Fatalf("expected error on trailing bytes")
	}
}

func TestDecodeCorruptHeaders(t *testing.T) {
	enc := Encode(Frame{Op: OpCacheRow, Payload: []byte("abc")})

	badMagic := append([]byte(nil), enc...)
	badMagic[0] = 'X'
	if _, err := Decode(badMagic); err == nil {
		t.Fatalf("expected error on bad magic")
	}

	badVer := append([]byte(nil), enc...)
	badVer[4] = version + 1
	if _, err := Decode(badVer); err == nil {
		t.Fatalf("expected error on bad version")
	}

	badOp := append([]byte(nil), enc...)
	badOp[5] = byte(opMax)
	if _, err := Decode(badOp); err == nil {
		t.Fatalf("expected error on invalid op")
	}

	if _, err := Decode(enc[:headerLen-1]); err == nil {
		t.Fatalf("expected error on truncated header")
	}
	if _, err := Decode(enc[:len(enc)-1]); err == nil {
		t.Fatalf("expected error on truncated payload")
	}
}

func TestReadWriteFrame(t *testing.T) {
	var buf bytes.Buffer
	want := Frame{Op: OpFetchSchema, Seq: 9, Conn: 42, Payload: []byte("schema")}
	if err := WriteFrame(&buf, want); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	// a second frame behind the first must not confuse the reader
	if err := WriteFrame(&buf, Frame{Op: OpGetStat, Seq: 10}); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if got.Op != want.Op || got.Seq != want.Seq || !bytes.Equal(got.Payload, want.Payload) {
		t.Fatalf("first frame mismatch: got %+v", got)
	}
	next, err := ReadFrame(&buf)
	if err != nil || next.Op != OpGetStat || next.Seq != 10 {
		t.Fatalf("second frame mismatch: %+v err=%v", next, err)
	}
}

func TestConnID(t *testing.T) {
	if got := ConnID(1, 123); got != 1<<32|123 {
		t.Fatalf("ConnID(1,123) = %d", got)
	}
	if ConnID(1, 123) == ConnID(1, 456) {
		t.Fatalf("different crcs must not share a connection id")
	}
	if ConnID(1, 123) == ConnID(2, 123) {
		t.Fatalf("different sessions must not share a connection id")
	}
}
