package hostutil

import "testing"

func TestParseSize(t *testing.T) {
	cases := []struct {
		in   string
		want uint64
	}{
		{"2M", 2 * 1024 * 1024},
		{"2m", 2 * 1024 * 1024},
		{"512K", 512 * 1024},
		{"1G", 1 << 30},
		{"1T", 1 << 40},
		{"1P", 1 << 50},
		{"1E", 1 << 60},
		{"0x20000000", 0x20000000},
		{"536870912", 536870912},
		{"", 0},
	}

	for _, c := range cases {
		got, err := ParseSize(c.in)
		if err != nil {
			t.Fatalf("ParseSize(%q): %v", c.in, err)
		}
		if got != c.want {
			t.Errorf("ParseSize(%q) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestParseSizeInvalid(t *testing.T) {
	if _, err := ParseSize("not-a-number"); err == nil {
		t.Fatal("expected error for non-numeric size")
	}
}
