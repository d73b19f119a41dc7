package frame

import (
	"errors"
	"testing"

	"github.com/danmuck/nsbus/internal/protocol"
)

func TestDefaultLimitsMatchFieldWidths(t *testing.T) {
	l := DefaultLimits()
	if l.MaxNamespaceBytes != 65535 || l.MaxDataBytes != 4294967295 {
		t.Fatalf("unexpected defaults: %+v", l)
	}
	if (Limits{}).normalized() != l {
		t.Fatalf("zero limits should normalize to defaults")
	}
}

func TestLimitsCheck(t *testing.T) {
	l := Limits{MaxNamespaceBytes: 4, MaxDataBytes: 3}
	cases := []struct {
		name string
		msg  protocol.Message
		want error
	}{
		{"fits", protocol.Event{Pattern: "/abc", Data: "xyz"}, nil},
		{"namespace", protocol.Subscribe{Pattern: "/abcd"}, protocol.ErrOversizedNamespace},
		{"data", protocol.Event{Pattern: "/a", Data: "wxyz"}, protocol.ErrOversizedData},
		{"data ignored for non-events", protocol.Provide{Pattern: "/a"}, nil},
		{"nil", nil, ErrNilMessage},
	}
	for _, tc := range cases {
		err := l.Check(tc.msg)
		if tc.want == nil && err != nil {
			t.Fatalf("%s: unexpected error %v", tc.name, err)
		}
		if tc.want != nil && !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}
}

func TestMalformedErrorsShareKind(t *testing.T) {
	if !errors.Is(ErrMalformedTag, protocol.ErrMalformedInput) {
		t.Fatalf("ErrMalformedTag should wrap ErrMalformedInput")
	}
	if !errors.Is(ErrInvalidUTF8, protocol.ErrMalformedInput) {
		t.Fatalf("ErrInvalidUTF8 should wrap ErrMalformedInput")
	}
}

func TestUTF8ModeString(t *testing.T) {
	if UTF8Lossy.String() != "lossy" || UTF8Strict.String() != "strict" {
		t.Fatalf("unexpected mode names %q %q", UTF8Lossy, UTF8Strict)
	}
}
