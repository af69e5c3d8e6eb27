package terminal

import (
	"bytes"
	"testing"
)

func TestOutputBuffer_Since(t *testing.T) {
	b := NewOutputBuffer(100)
	b.Append(1, []byte("one "))
	b.Append(2, []byte("two "))
	b.Append(3, []byte("three"))

	tests := []struct {
		seq  int64
		want string
	}{
		{-1, "one two three"},
		{0, "one two three"},
		{1, "two three"},
		{2, "three"},
		{3, ""},
		{10, ""},
	}
	for _, tt := range tests {
		data, last, ok := b.Since(tt.seq)
		if !ok {
			t.Fatalf("Since(%d) ok = false", tt.seq)
		}
		if string(data) != tt.want {
			t.Errorf("Since(%d) = %q, want %q", tt.seq, data, tt.want)
		}
		if last != 3 {
			t.Errorf("Since(%d) last = %d, want 3", tt.seq, last)
		}
	}
}

func TestOutputBuffer_Empty(t *testing.T) {
	b := NewOutputBuffer(0)
	if _, _, ok := b.Since(-1); ok {
		t.Error("Since on empty buffer reported ok")
	}
	if b.limit != DefaultBufferLimit {
		t.Errorf("limit = %d, want %d", b.limit, DefaultBufferLimit)
	}
}

func TestOutputBuffer_EvictsOldest(t *testing.T) {
	b := NewOutputBuffer(10)
	b.Append(1, []byte("aaaa"))
	b.Append(2, []byte("bbbb"))
	b.Append(3, []byte("cccc"))

	if b.Size() > 10 {
		t.Errorf("Size = %d, want <= 10", b.Size())
	}
	if b.Len() != 2 {
		t.Errorf("Len = %d, want 2", b.Len())
	}
	data, last, _ := b.Since(-1)
	if string(data) != "bbbbcccc" || last != 3 {
		t.Errorf("Since(-1) = %q, %d", data, last)
	}
}

func TestOutputBuffer_KeepsOversizedNewest(t *testing.T) {
	b := NewOutputBuffer(4)
	b.Append(1, []byte("ab"))
	big := bytes.Repeat([]byte("x"), 9)
	b.Append(2, big)

	if b.Len() != 1 {
		t.Fatalf("Len = %d, want 1", b.Len())
	}
	if b.Size() != 9 {
		t.Errorf("Size = %d, want 9", b.Size())
	}
	data, last, _ := b.Since(0)
	if !bytes.Equal(data, big) || last != 2 {
		t.Errorf("Since(0) = %q, %d", data, last)
	}
}

func TestOutputBuffer_CopiesInput(t *testing.T) {
	b := NewOutputBuffer(100)
	buf := []byte("hello")
	b.Append(1, buf)
	copy(buf, "XXXXX")

	data, _, _ := b.Since(0)
	if string(data) != "hello" {
		t.Errorf("buffer aliased caller slice: %q", data)
	}
}

func TestOutputBuffer_Reset(t *testing.T) {
	b := NewOutputBuffer(100)
	b.Append(1, []byte("x"))
	b.Reset()
	if b.Len() != 0 || b.Size() != 0 {
		t.Errorf("after Reset Len=%d Size=%d", b.Len(), b.Size())
	}
	if _, _, ok := b.Since(-1); ok {
		t.Error("Since after Reset reported ok")
	}
}
