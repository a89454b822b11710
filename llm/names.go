package llm

import (
	"fmt"
	"regexp"

	"github.com/m4xw311/toolhub/tools"
)

const maxToolNameLen = 64

var invalidToolNameChars = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// nameMap translates tool names to the character set providers accept and
// back. A fresh map is built for every request so a name rewritten in one
// call never leaks into another.
type nameMap struct {
	toProvider map[string]string
	toOriginal map[string]string
}

func newNameMap(catalog []tools.Descriptor) *nameMap {
	m := &nameMap{
		toProvider: make(map[string]string, len(catalog)),
		toOriginal: make(map[string]string, len(catalog)),
	}
	for _, d := range catalog {
		m.provider(d.Name)
	}
	return m
}

// provider returns the provider-safe name for original, assigning one on
// first use.
func (m *nameMap) provider(original string) string {
	if p, ok := m.toProvider[original]; ok {
		return p
	}
	base := sanitizeToolName(original)
	name := base
	for i := 2; ; i++ {
		if _, taken := m.toOriginal[name]; !taken {
			break
		}
		suffix := fmt.Sprintf("_%d", i)
		if len(base)+len(suffix) > maxToolNameLen {
			name = base[:maxToolNameLen-len(suffix)] + suffix
		} else {
			name = base + suffix
		}
	}
	m.toProvider[original] = name
	m.toOriginal[name] = original
	return name
}

// original maps a provider name back. Names the map never issued are
// returned unchanged.
func (m *nameMap) original(provider string) string {
	if o, ok := m.toOriginal[provider]; ok {
		return o
	}
	return provider
}

func sanitizeToolName(name string) string {
	s := invalidToolNameChars.ReplaceAllString(name, "_")
	if s == "" {
		s = "_"
	}
	if c := s[0]; !(c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z') {
		s = "_" + s
	}
	if len(s) > maxToolNameLen {
		s = s[:maxToolNameLen]
	}
	return s
}
