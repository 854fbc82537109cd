package term_test

import (
	"testing"

	"vmproc/term"
)

func TestIsTerminal(t *testing.T) {
	t.Parallel()

	// Test processes run without a controlling terminal on stdin.
	if term.IsTerminal() {
		t.Fatalf("it is not terminal")
	}
}
