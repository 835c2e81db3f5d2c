package scan

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/xeipuuv/gojsonpointer"
)

var tokenEscaper = strings.NewReplacer("~", "~0", "/", "~1")
var tokenUnescaper = strings.NewReplacer("~1", "/", "~0", "~")

// Pointer joins unescaped reference tokens into an RFC 6901 pointer.
func Pointer(tokens ...string) string {
	if len(tokens) == 0 {
		return ""
	}
	var b strings.Builder
	for _, t := range tokens {
		b.WriteByte('/')
		b.WriteString(tokenEscaper.Replace(t))
	}
	return b.String()
}

func indexToken(i int) string {
	return strconv.Itoa(i)
}

func splitPointer(p string) []string {
	if p == "" {
		return nil
	}
	parts := strings.Split(strings.TrimPrefix(p, "/"), "/")
	for i, part := range parts {
		parts[i] = tokenUnescaper.Replace(part)
	}
	return parts
}

// Get returns the value at pointer in doc.
func Get(doc interface{}, pointer string) (interface{}, error) {
	p, err := gojsonpointer.NewJsonPointer(pointer)
	if err != nil {
		return nil, fmt.Errorf("invalid pointer %q: %w", pointer, err)
	}
	v, _, err := p.Get(doc)
	if err != nil {
		return nil, fmt.Errorf("pointer %q: %w", pointer, err)
	}
	return v, nil
}

// Set replaces the value at pointer in doc. The parent must exist.
func Set(doc interface{}, pointer string, value interface{}) error {
	if pointer == "" {
		return fmt.Errorf("cannot replace the document root")
	}
	p, err := gojsonpointer.NewJsonPointer(pointer)
	if err != nil {
		return fmt.Errorf("invalid pointer %q: %w", pointer, err)
	}
	if _, err := p.Set(doc, value); err != nil {
		return fmt.Errorf("pointer %q: %w", pointer, err)
	}
	return nil
}
