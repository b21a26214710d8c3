// Copyright 2025 The kiln Authors
// SPDX-License-Identifier: MIT

package system

import "testing"

func TestParse(t *testing.T) {
	tests := []struct {
		s       string
		want    System
		wantErr bool
	}{
		{s: "x86_64-linux", want: System{Arch: "x86_64", OS: "linux"}},
		{s: "aarch64-macos", want: System{Arch: "aarch64", OS: "macos"}},
		{s: "riscv64-linux", want: System{Arch: "riscv64", OS: "linux"}},
		{s: "x86_64", wantErr: true},
		{s: "", wantErr: true},
		{s: "-linux", wantErr: true},
		{s: "x86_64-", wantErr: true},
		{s: "x86_64-unknown-linux", wantErr: true},
	}
	for _, test := range tests {
		got, err := Parse(test.s)
		if err != nil {
			if !test.wantErr {
				t.Errorf("Parse(%q): %v", test.s, err)
			}
			continue
		}
		if test.wantErr {
			t.Errorf("Parse(%q) = %v, <nil>; want error", test.s, got)
			continue
		}
		if got != test.want {
			t.Errorf("Parse(%q) = %v; want %v", test.s, got, test.want)
		}
		if roundTrip := got.String(); roundTrip != test.s {
			t.Errorf("Parse(%q).String() = %q", test.s, roundTrip)
		}
	}
}

func TestCurrent(t *testing.T) {
	sys := Current()
	if sys.IsZero() {
		t.Fatal("Current() is zero")
	}
	roundTrip, err := Parse(sys.String())
	if err != nil {
		t.Fatal(err)
	}
	if roundTrip != sys {
		t.Errorf("Parse(Current().String()) = %v; want %v", roundTrip, sys)
	}
}
