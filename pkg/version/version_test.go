package version

import "testing"

func TestInfoShort(t *testing.T) {
	tests := []struct {
		info Info
		want string
	}{
		{Info{Tag: "v1.2.0", Commit: "abc1234"}, "v1.2.0"},
		{Info{Commit: "abc1234"}, "abc1234"},
		{Info{}, "dev"},
	}
	for _, tt := range tests {
		if got := tt.info.Short(); got != tt.want {
			t.Errorf("%+v.Short() = %q, want %q", tt.info, got, tt.want)
		}
	}
}

func TestInfoString(t *testing.T) {
	tests := []struct {
		info Info
		want string
	}{
		{Info{Tag: "v1.2.0", Commit: "abc1234", Date: "2026-01-01", GoVersion: "go1.24.4"}, "v1.2.0 (abc1234) built 2026-01-01 go1.24.4"},
		{Info{Commit: "abc1234", GoVersion: "go1.24.4"}, "abc1234 go1.24.4"},
		{Info{GoVersion: "go1.24.4"}, "dev go1.24.4"},
	}
	for _, tt := range tests {
		if got := tt.info.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}

func TestShortRev(t *testing.T) {
	if got := shortRev("0123456789abcdef"); got != "0123456" {
		t.Errorf("shortRev = %q", got)
	}
	if got := shortRev("abc"); got != "abc" {
		t.Errorf("shortRev(abc) = %q", got)
	}
}

func TestGetReportsGoVersion(t *testing.T) {
	if Get().GoVersion == "" {
		t.Error("Get().GoVersion is empty")
	}
}
