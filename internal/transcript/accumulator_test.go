package transcript

import (
	"testing"
)

func TestAccumulator_Append(t *testing.T) {
	acc := NewAccumulator()
	acc.Append(0, " hello ")
	acc.Append(1, "world")

	if got := acc.Text(); got != "hello world" {
		t.Errorf("Text() = %q, want %q", got, "hello world")
	}
	if acc.Len() != 2 {
		t.Errorf("Len() = %d, want 2", acc.Len())
	}
}

func TestAccumulator_AppendFailure(t *testing.T) {
	acc := NewAccumulator()
	acc.AppendFailure(0, "empty payload")
	acc.Append(1, "second")

	frags := acc.Fragments()
	if len(frags) != 2 {
		t.Fatalf("expected 2 fragments, got %d", len(frags))
	}
	if !frags[0].Failed || frags[0].Index != 0 {
		t.Errorf("first fragment should be failure placeholder for index 0: %+v", frags[0])
	}
	want := "[segment 0 failed: empty payload] second"
	if got := acc.Text(); got != want {
		t.Errorf("Text() = %q, want %q", got, want)
	}
}

func TestAccumulator_skips_empty_text(t *testing.T) {
	acc := NewAccumulator()
	acc.Append(0, "a")
	acc.Append(1, "   ")
	acc.Append(2, "b")

	if got := acc.Text(); got != "a b" {
		t.Errorf("Text() = %q, want %q", got, "a b")
	}
	if acc.Len() != 3 {
		t.Errorf("silent segments still count as fragments, Len() = %d", acc.Len())
	}
}

func TestAccumulator_Reset(t *testing.T) {
	acc := NewAccumulator()
	acc.Append(0, "old session")
	acc.Reset()

	if acc.Len() != 0 || acc.Text() != "" {
		t.Errorf("Reset should clear transcript, got %q", acc.Text())
	}
}

func TestAccumulator_Fragments_is_copy(t *testing.T) {
	acc := NewAccumulator()
	acc.Append(0, "x")
	frags := acc.Fragments()
	frags[0].Text = "mutated"

	if acc.Text() != "x" {
		t.Error("Fragments should return a copy")
	}
}
