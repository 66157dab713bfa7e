package merge

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/dmitrijs2005/gophsync/internal/client/models"
)

const (
	NameConflictSuffix    = "name conflict"
	ContentConflictSuffix = "content conflict"
)

// ConflictName returns name with suffix inserted before its extension,
// then with a counter ("suffix 2", "suffix 3", ...) until isTaken accepts
// it. The result is always a valid entry name.
func ConflictName(name models.EntryName, suffix string, isTaken func(models.EntryName) bool) models.EntryName {
	candidate := withSuffix(name, suffix)
	for count := 2; isTaken(candidate); count++ {
		candidate = withSuffix(name, fmt.Sprintf("%s %d", suffix, count))
	}
	return candidate
}

// withSuffix turns "report.tar.gz" into "report (suffix).tar.gz", keeping a
// leading dot. Too long results first shorten the base name, then drop
// extension parts from the left.
func withSuffix(name models.EntryName, suffix string) models.EntryName {
	raw := string(name)
	prefix := ""
	if strings.HasPrefix(raw, ".") {
		prefix, raw = ".", raw[1:]
	}

	originalBase, extension, hasExtension := strings.Cut(raw, ".")
	base := originalBase
	for {
		candidate := fmt.Sprintf("%s%s (%s)", prefix, base, suffix)
		if hasExtension {
			candidate += "." + extension
		}
		if len(candidate) <= models.MaxEntryNameLen {
			return models.EntryName(candidate)
		}

		switch {
		case len(base) > 10:
			base = trimUTF8(base, len(base)-10)
		case hasExtension:
			base = originalBase
			_, extension, hasExtension = strings.Cut(extension, ".")
		default:
			base = trimUTF8(base, max(len(base)-10, 0))
		}
	}
}

// trimUTF8 cuts s to at most n bytes without splitting a rune.
func trimUTF8(s string, n int) string {
	if n >= len(s) {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
