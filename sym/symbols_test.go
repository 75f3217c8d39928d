package sym

import (
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestSymbolToCommandAndCommandToSymbolAreBidirectional(t *testing.T) {
	for symbol, cmd := range SymbolToCommand {
		assert.Equal(t, symbol, CommandToSymbol[cmd], "command %q", cmd)
	}
	for cmd, symbol := range CommandToSymbol {
		assert.Equal(t, cmd, SymbolToCommand[symbol], "symbol %q", symbol)
	}
}

func TestGlyphsAreUniqueSingleRunes(t *testing.T) {
	seen := map[string]bool{}
	for _, g := range Glyphs() {
		assert.Equal(t, 1, utf8.RuneCountInString(g), "glyph %q", g)
		assert.False(t, seen[g], "duplicate glyph %q", g)
		seen[g] = true
	}
	assert.Len(t, seen, len(registry))
}

func TestCommandDescriptionsCoversAllCommands(t *testing.T) {
	for cmd := range CommandToSymbol {
		assert.NotEmpty(t, CommandDescriptions[cmd], "command %q", cmd)
	}
}
