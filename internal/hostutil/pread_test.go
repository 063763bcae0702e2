package hostutil

import (
	"os"
	"testing"
)

func TestPreadFullRoundTrip(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "pread")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	want := []byte("hello, guest memory\n")
	if _, err := f.Write(want); err != nil {
		t.Fatal(err)
	}

	fd := int(f.Fd())
	got := make([]byte, len(want))
	n, err := PreadFull(fd, got, 0)
	if err != nil {
		t.Fatal(err)
	}
	if n != len(want) {
		t.Fatalf("read %d bytes, want %d", n, len(want))
	}
	if string(got) != string(want) {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestPreadFullShortAtEOF(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "pread")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	if _, err := f.Write([]byte("abc")); err != nil {
		t.Fatal(err)
	}

	fd := int(f.Fd())
	buf := make([]byte, 16)
	n, err := PreadFull(fd, buf, 0)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Fatalf("read %d bytes at EOF, want 3", n)
	}
}
