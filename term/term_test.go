package term_test

import (
	"testing"

	"github.com/kuvisor/kuvisor/term"
)

func TestIsTerminal(t *testing.T) {
	t.Parallel()

	// Test runners detach stdin from any terminal.
	if term.IsTerminal() {
		t.Fatalf("it is not terminal")
	}
}
