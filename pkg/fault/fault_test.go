package fault

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsMatchesByCodeThroughWrapping(t *testing.T) {
	err := fmt.Errorf("execute wave: %w", Newf(CodeConflict, "servo %s claimed", "s1"))

	if !errors.Is(err, ErrConflict) {
		t.Fatalf("errors.Is(%v, ErrConflict) = false", err)
	}
	if errors.Is(err, ErrBusy) {
		t.Fatalf("errors.Is(%v, ErrBusy) = true", err)
	}
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("bus write failed")
	err := Wrap(CodeHardware, cause, "set angle")

	if !errors.Is(err, cause) {
		t.Fatal("wrapped cause not reachable")
	}
	if got := err.Error(); got != "set angle: bus write failed" {
		t.Errorf("Error() = %q", got)
	}
}

func TestWithCopiesMetadata(t *testing.T) {
	base := New(CodeNotFound, "missing")
	a := base.With("key", "x")

	if base.Metadata != nil {
		t.Fatalf("base metadata mutated: %v", base.Metadata)
	}
	if a.Metadata["key"] != "x" {
		t.Fatalf("metadata = %v", a.Metadata)
	}
}

func TestCodeOf(t *testing.T) {
	tests := []struct {
		err  error
		want Code
	}{
		{nil, ""},
		{errors.New("plain"), CodeUnknown},
		{fmt.Errorf("wrap: %w", ErrTimeout), CodeTimeout},
	}
	for _, tt := range tests {
		if got := CodeOf(tt.err); got != tt.want {
			t.Errorf("CodeOf(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestExitCodesAreDistinct(t *testing.T) {
	codes := []Code{
		CodeUnknownGroup, CodeConflict, CodeBusy, CodeAngleOutOfRange,
		CodeHardware, CodeTimeout, CodeFilterDivergence,
	}
	seen := map[int]Code{}
	for _, c := range codes {
		ec := c.ExitCode()
		if ec == 0 {
			t.Errorf("%s maps to success", c)
		}
		if prev, ok := seen[ec]; ok {
			t.Errorf("%s and %s share exit code %d", c, prev, ec)
		}
		seen[ec] = c
	}
	if Code("").ExitCode() != 0 {
		t.Error("empty code should be success")
	}
}
