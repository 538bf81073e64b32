package theme

import (
	"os"
	"strings"
)

// Glyphs used in the transcript and status bar. They fall back to ASCII when
// the locale is not UTF-8 or CHATRELAY_ASCII_SYMBOLS is set.
var (
	SymbolSuccess  = "✓"
	SymbolError    = "✗"
	SymbolArrowR   = "→"
	SymbolBullet   = "•"
	SymbolEllipsis = "…"
	SymbolAttach   = "📎"
	SymbolUser     = "You"
	SymbolBot      = "Assistant"
)

func init() {
	if !asciiOnly(os.Getenv) {
		return
	}
	SymbolSuccess = "[ok]"
	SymbolError = "[x]"
	SymbolArrowR = "->"
	SymbolBullet = "*"
	SymbolEllipsis = "..."
	SymbolAttach = "[file]"
}

// asciiOnly reports whether the terminal should get ASCII glyphs. An empty
// locale counts as UTF-8 capable.
func asciiOnly(getenv func(string) string) bool {
	if v := getenv("CHATRELAY_ASCII_SYMBOLS"); v == "1" || strings.EqualFold(v, "true") {
		return true
	}
	for _, key := range []string{"LC_ALL", "LC_CTYPE", "LANG"} {
		val := strings.ToLower(getenv(key))
		if val == "" {
			continue
		}
		return !strings.Contains(val, "utf-8") && !strings.Contains(val, "utf8")
	}
	return false
}
