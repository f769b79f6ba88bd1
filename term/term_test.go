package term_test

import (
	"testing"

	"github.com/bobuhiro11/gosvm/term"
)

func TestIsTerminal(t *testing.T) {
	t.Parallel()

	if term.IsTerminal() {
		t.Skip("stdin is a terminal")
	}

	if _, err := term.SetRawMode(); err == nil {
		t.Fatal("raw mode on a non-terminal")
	}
}
