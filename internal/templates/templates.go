// Package templates loads the language-indexed prompt fragment catalog
// consumed by internal/nlp to assemble RAG prompts.
package templates

import (
	_ "embed"
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var defaultCatalogYAML []byte

const (
	KeySystemPrompt     = "rag_system_prompt"
	KeyDocumentTemplate = "rag_document_template"
	KeyFooter           = "rag_footer"
)

var placeholderPattern = regexp.MustCompile(`\{([a-zA-Z0-9_]+)\}`)

// Catalog is a language -> key -> template map with fallback to a default
// language, per spec §4.6.
type Catalog struct {
	defaultLanguage string
	fragments       map[string]map[string]string
}

// Load parses a YAML document shaped as `language: {key: template}` and
// validates every template's placeholders at build time — "missing
// placeholders are a bug surfaced at build time" per spec §4.6.
func Load(yamlDoc []byte, defaultLanguage string, knownPlaceholders map[string][]string) (*Catalog, error) {
	var raw map[string]map[string]string
	if err := yaml.Unmarshal(yamlDoc, &raw); err != nil {
		return nil, fmt.Errorf("templates: parse catalog: %w", err)
	}

	for lang, keys := range raw {
		for key, tmpl := range keys {
			want, ok := knownPlaceholders[key]
			if !ok {
				continue
			}
			for _, ph := range placeholdersIn(tmpl) {
				if !contains(want, ph) {
					return nil, fmt.Errorf("templates: %s/%s references unknown placeholder {%s}", lang, key, ph)
				}
			}
		}
	}

	return &Catalog{defaultLanguage: defaultLanguage, fragments: raw}, nil
}

// Default loads the catalog shipped with this package (english, arabic,
// german, french), falling back to english.
func Default() *Catalog {
	known := map[string][]string{
		KeySystemPrompt:     nil,
		KeyDocumentTemplate: {"doc_num", "chunk_text"},
		KeyFooter:           {"query"},
	}
	cat, err := Load(defaultCatalogYAML, string(LanguageEnglish), known)
	if err != nil {
		panic(err)
	}
	return cat
}

// Language mirrors vectorstore.Language's value set so callers don't need
// to import vectorstore just to pick a template language.
type Language string

const (
	LanguageEnglish Language = "english"
	LanguageArabic  Language = "arabic"
	LanguageGerman  Language = "german"
	LanguageFrench  Language = "french"
)

// Lookup resolves key for language, falling back to the catalog's default
// language, then to "" if neither has it.
func (c *Catalog) Lookup(language, key string) string {
	if keys, ok := c.fragments[language]; ok {
		if tmpl, ok := keys[key]; ok {
			return tmpl
		}
	}
	if keys, ok := c.fragments[c.defaultLanguage]; ok {
		if tmpl, ok := keys[key]; ok {
			return tmpl
		}
	}
	return ""
}

// Render substitutes named placeholders ({doc_num}, {chunk_text}, {query})
// in the template looked up for language/key.
func (c *Catalog) Render(language, key string, values map[string]string) string {
	tmpl := c.Lookup(language, key)
	return substitute(tmpl, values)
}

func substitute(tmpl string, values map[string]string) string {
	return placeholderPattern.ReplaceAllStringFunc(tmpl, func(match string) string {
		name := match[1 : len(match)-1]
		if v, ok := values[name]; ok {
			return v
		}
		return match
	})
}

func placeholdersIn(tmpl string) []string {
	matches := placeholderPattern.FindAllStringSubmatch(tmpl, -1)
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, m[1])
	}
	return out
}

func contains(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}

// SystemPrompt, DocumentFragment and Footer are convenience wrappers over
// Render for the three fragments internal/nlp assembles a prompt from.
func (c *Catalog) SystemPrompt(language string) string {
	return c.Render(language, KeySystemPrompt, nil)
}

func (c *Catalog) DocumentFragment(language string, docNum int, chunkText string) string {
	return c.Render(language, KeyDocumentTemplate, map[string]string{
		"doc_num":    fmt.Sprintf("%d", docNum),
		"chunk_text": chunkText,
	})
}

func (c *Catalog) Footer(language, query string) string {
	return c.Render(language, KeyFooter, map[string]string{"query": query})
}

// AssembleUserMessage builds the system-prompt + per-document + footer
// message body described in spec §4.4.
func (c *Catalog) AssembleUserMessage(language string, documents []string, query string) string {
	var b strings.Builder
	b.WriteString(c.SystemPrompt(language))
	for i, doc := range documents {
		b.WriteString("\n")
		b.WriteString(c.DocumentFragment(language, i+1, doc))
	}
	b.WriteString("\n")
	b.WriteString(c.Footer(language, query))
	return b.String()
}
