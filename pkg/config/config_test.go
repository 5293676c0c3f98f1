package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestParseHours(t *testing.T) {
	cases := []struct {
		in      string
		want    []int
		wantErr bool
	}{
		{in: "0,12", want: []int{0, 12}},
		{in: " 6 , 18 ", want: []int{6, 18}},
		{in: "23", want: []int{23}},
		{in: "", want: nil},
		{in: "24", wantErr: true},
		{in: "-1", wantErr: true},
		{in: "noon", wantErr: true},
	}

	for _, tc := range cases {
		got, err := ParseHours(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ParseHours(%q): expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseHours(%q): %v", tc.in, err)
			continue
		}
		if !reflect.DeepEqual(got, tc.want) {
			t.Errorf("ParseHours(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestParseTLDs(t *testing.T) {
	got := ParseTLDs("COM, net ,,xyz,")
	want := []string{"com", "net", "xyz"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ParseTLDs = %v, want %v", got, want)
	}
	if got := ParseTLDs(""); got != nil {
		t.Errorf("ParseTLDs(\"\") = %v, want nil", got)
	}
}

func TestLoadTLDFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tlds.yaml")
	if err := os.WriteFile(path, []byte("tlds:\n  - COM\n  - net\n  - \"\"\n"), 0o600); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}

	got, err := LoadTLDFile(path)
	if err != nil {
		t.Fatalf("LoadTLDFile: %v", err)
	}
	want := []string{"com", "net"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("LoadTLDFile = %v, want %v", got, want)
	}
}

func TestLoadTLDFileErrors(t *testing.T) {
	if _, err := LoadTLDFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected an error for a missing file")
	}

	path := filepath.Join(t.TempDir(), "broken.yaml")
	if err := os.WriteFile(path, []byte("tlds: [unterminated"), 0o600); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}
	if _, err := LoadTLDFile(path); err == nil {
		t.Error("expected an error for malformed yaml")
	}
}
