package utils

import "testing"

func TestAtoiDefault(t *testing.T) {
	cases := []struct {
		s    string
		def  int
		want int
	}{
		{"", 10, 10},
		{"42", 0, 42},
		{"-13", 1, -13},
		{"x", 5, 5},
		// no trimming
		{" 42", 7, 7},
		{"999999999999999999999999", -1, -1},
	}
	for _, tc := range cases {
		if got := AtoiDefault(tc.s, tc.def); got != tc.want {
			t.Fatalf("AtoiDefault(%q, %d) = %d; want %d", tc.s, tc.def, got, tc.want)
		}
	}
}

func TestClampPage(t *testing.T) {
	cases := []struct {
		page, size         int
		wantPage, wantSize int
	}{
		{0, 0, 1, 1},
		{-3, 20, 1, 20},
		{4, 10_000, 4, MaxPageSize},
		{2, DefaultPageSize, 2, DefaultPageSize},
	}
	for _, tc := range cases {
		p, s := ClampPage(tc.page, tc.size)
		if p != tc.wantPage || s != tc.wantSize {
			t.Fatalf("ClampPage(%d, %d) = %d, %d; want %d, %d", tc.page, tc.size, p, s, tc.wantPage, tc.wantSize)
		}
	}
}

func TestOffsetAndTotalPages(t *testing.T) {
	if got := Offset(3, 25); got != 50 {
		t.Fatalf("Offset(3, 25) = %d", got)
	}
	if got := Offset(0, 25); got != 0 {
		t.Fatalf("Offset(0, 25) = %d", got)
	}
	if got := TotalPages(101, 50); got != 3 {
		t.Fatalf("TotalPages(101, 50) = %d", got)
	}
	if got := TotalPages(0, 50); got != 0 {
		t.Fatalf("TotalPages(0, 50) = %d", got)
	}
}
