//go:build linux

package protobus

import (
	"bytes"
	"testing"

	"github.com/webitel/tcpbus/internal/endpoint"
)

func TestEncodeDecodeBatchRoundTrip(t *testing.T) {
	recs := []Record{
		{SeqID: 1, Type: TypeRequest, Method: 7, Data: []byte("hello")},
		{SeqID: 2, Type: TypeResponse, Method: 7, Err: true, Data: []byte("boom")},
		{SeqID: 3, Type: TypeResponse, Method: 0, Data: nil},
	}

	buf := encodeBatch(recs)
	got, err := decodeBatch(buf)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(recs) {
		t.Fatalf("got %d records, want %d", len(got), len(recs))
	}
	for i, r := range recs {
		if got[i].SeqID != r.SeqID || got[i].Type != r.Type || got[i].Method != r.Method || got[i].Err != r.Err {
			t.Fatalf("record %d mismatch: got %+v, want %+v", i, got[i], r)
		}
		if !bytes.Equal(got[i].Data, r.Data) {
			t.Fatalf("record %d data mismatch: got %q, want %q", i, got[i].Data, r.Data)
		}
	}
}

func TestDecodeBatchRejectsTruncated(t *testing.T) {
	full := encodeBatch([]Record{{SeqID: 1, Type: TypeRequest, Method: 1, Data: []byte("x")}})
	if _, err := decodeBatch(full[:len(full)-2]); err == nil {
		t.Fatal("expected an error decoding a truncated batch")
	}
	if _, err := decodeBatch(nil); err == nil {
		t.Fatal("expected an error decoding an empty buffer")
	}
}

func TestEncodeDecodeGreetingRoundTrip(t *testing.T) {
	forced := endpoint.ID(42)

	buf := encodeGreeting(9000, &forced)
	port, isForced, id, err := decodeGreeting(buf)
	if err != nil {
		t.Fatal(err)
	}
	if port != 9000 || !isForced || id != forced {
		t.Fatalf("got (%d, %v, %d), want (9000, true, 42)", port, isForced, id)
	}

	buf = encodeGreeting(9001, nil)
	port, isForced, _, err = decodeGreeting(buf)
	if err != nil {
		t.Fatal(err)
	}
	if port != 9001 || isForced {
		t.Fatalf("got (%d, %v), want (9001, false)", port, isForced)
	}
}

func TestDecodeGreetingRejectsShortBuffer(t *testing.T) {
	if _, _, _, err := decodeGreeting([]byte{1, 2}); err == nil {
		t.Fatal("expected an error decoding a short greeting")
	}
}
