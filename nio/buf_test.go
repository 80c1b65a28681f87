package nio

import (
	"bytes"
	"testing"

	"github.com/quic-go/quic-go/quicvarint"
)

func TestBuffer(t *testing.T) {
	b := NewBuffer(8)
	b.Append([]byte("hello"))
	if p, ok := b.Peek(6); ok || p != nil {
		t.Error("peek past end")
	}
	b.Append([]byte(" world"))
	if b.Size() != 11 || string(b.Bytes()) != "hello world" {
		t.Fatal(string(b.Bytes()))
	}
	if n := b.Skip(6); n != 6 || string(b.Bytes()) != "world" {
		t.Fatal(n, string(b.Bytes()))
	}
	// Fits after compaction, no reallocation.
	c := cap(b.buf)
	b.Append(bytes.Repeat([]byte{'x'}, c-5))
	if cap(b.buf) != c || b.Size() != c {
		t.Error("compaction", cap(b.buf), b.Size())
	}
	if n := b.Skip(1000); n != c || !b.IsEmpty() {
		t.Error("skip all", n)
	}
}

func TestBufferVarint(t *testing.T) {
	b := GetBuffer()
	defer b.Recycle()
	for _, v := range []uint64{0, 63, 64, 16383, 16384, 1 << 40} {
		b.WriteVarint(v)
	}
	r := bytes.NewReader(b.Bytes())
	for _, want := range []uint64{0, 63, 64, 16383, 16384, 1 << 40} {
		got, err := quicvarint.Read(r)
		if err != nil || got != want {
			t.Error(got, want, err)
		}
	}
}

func TestDataChunk(t *testing.T) {
	c := GetDataBufferChunk(1500)
	if len(c) != 2<<10 {
		t.Error(len(c))
	}
	PutDataBufferChunk(c[:10])
	if big := GetDataBufferChunk(1 << 20); len(big) != 1<<20 {
		t.Error(len(big))
	}
}
