package namecodec

import "testing"

func TestParseBase(t *testing.T) {
	n, err := Parse("vm1.b001.vda.base.img")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	want := Name{Domain: "vm1", BackupSet: 1, Drive: "vda", Kind: KindBase}
	if n != want {
		t.Errorf("Parse() = %+v, want %+v", n, want)
	}
	if got := n.String(); got != "vm1.b001.vda.base.img" {
		t.Errorf("String() = %q, want round-trip", got)
	}
}

func TestParseIncrementSingleton(t *testing.T) {
	n, err := Parse("vm1.b001.vda.i00001.daily.0.img")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	want := Name{Domain: "vm1", BackupSet: 1, Drive: "vda", Kind: KindIncrement, Lo: 1, Hi: 1, Interval: "daily", Ordinal: 0}
	if n != want {
		t.Errorf("Parse() = %+v, want %+v", n, want)
	}
	if got := n.String(); got != "vm1.b001.vda.i00001.daily.0.img" {
		t.Errorf("String() = %q, want round-trip", got)
	}
}

func TestParseIncrementRange(t *testing.T) {
	n, err := Parse("vm1.b001.vda.i00003-00005.daily.1.img")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if n.Lo != 3 || n.Hi != 5 {
		t.Errorf("Lo/Hi = %d/%d, want 3/5", n.Lo, n.Hi)
	}
	if got := n.String(); got != "vm1.b001.vda.i00003-00005.daily.1.img" {
		t.Errorf("String() = %q, want round-trip", got)
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	cases := []string{
		"not-an-image.txt",
		"vm1.b001.vda.weird.img",
		"vm1.bXYZ.vda.base.img",
		"vm1.b001.vda.iABC.daily.0.img",
	}
	for _, c := range cases {
		if _, err := Parse(c); err == nil {
			t.Errorf("Parse(%q): expected error, got nil", c)
		}
	}
}

func TestCompactFormEmittedOnlyWhenLoEqualsHi(t *testing.T) {
	singleton := Name{Domain: "vm1", BackupSet: 1, Drive: "vda", Kind: KindIncrement, Lo: 2, Hi: 2, Interval: "daily", Ordinal: 0}
	if got, want := singleton.String(), "vm1.b001.vda.i00002.daily.0.img"; got != want {
		t.Errorf("singleton.String() = %q, want %q", got, want)
	}

	fused := Name{Domain: "vm1", BackupSet: 1, Drive: "vda", Kind: KindIncrement, Lo: 2, Hi: 4, Interval: "daily", Ordinal: 0}
	if got, want := fused.String(), "vm1.b001.vda.i00002-00004.daily.0.img"; got != want {
		t.Errorf("fused.String() = %q, want %q", got, want)
	}
}

func TestFuseRange(t *testing.T) {
	base := Name{Lo: 1, Hi: 1}
	top := Name{Lo: 2, Hi: 2}
	lo, hi := FuseRange(base, top)
	if lo != 1 || hi != 2 {
		t.Errorf("FuseRange() = %d,%d, want 1,2", lo, hi)
	}

	// top already a fused range.
	top2 := Name{Lo: 2, Hi: 3}
	lo2, hi2 := FuseRange(base, top2)
	if lo2 != 1 || hi2 != 3 {
		t.Errorf("FuseRange() = %d,%d, want 1,3", lo2, hi2)
	}
}
