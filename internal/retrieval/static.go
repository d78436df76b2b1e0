package retrieval

import (
	"bytes"
	"context"
	_ "embed"
	"fmt"
	"io"
	"sort"
	"strings"
	"unicode"

	"gopkg.in/yaml.v3"
)

//go:embed corpus.yaml
var defaultCorpus []byte

// Static ranks an in-memory corpus by term overlap. It stands in for the
// retrieval service in local runs and tests.
type Static struct {
	docs []staticDoc
}

type staticDoc struct {
	Passage
	terms map[string]struct{}
}

type corpusEntry struct {
	Source  string `yaml:"source"`
	Content string `yaml:"content"`
}

// NewStatic loads a YAML corpus: a list of {source, content} entries.
func NewStatic(r io.Reader) (*Static, error) {
	var entries []corpusEntry
	if err := yaml.NewDecoder(r).Decode(&entries); err != nil {
		return nil, fmt.Errorf("decode corpus: %w", err)
	}
	s := &Static{docs: make([]staticDoc, 0, len(entries))}
	for _, e := range entries {
		if strings.TrimSpace(e.Content) == "" {
			continue
		}
		s.docs = append(s.docs, staticDoc{
			Passage: Passage{Content: e.Content, Source: e.Source},
			terms:   termSet(e.Content + " " + e.Source),
		})
	}
	return s, nil
}

// NewDefaultStatic serves the built-in reference corpus.
func NewDefaultStatic() (*Static, error) {
	return NewStatic(bytes.NewReader(defaultCorpus))
}

// Retrieve implements Retriever. Score is the fraction of query terms found.
func (s *Static) Retrieve(ctx context.Context, query string, k int) ([]Passage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q := termSet(query)
	if len(q) == 0 || k <= 0 {
		return nil, nil
	}

	var hits []Passage
	for _, d := range s.docs {
		n := 0
		for t := range q {
			if _, ok := d.terms[t]; ok {
				n++
			}
		}
		if n == 0 {
			continue
		}
		p := d.Passage
		p.Score = float64(n) / float64(len(q))
		hits = append(hits, p)
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func termSet(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, f := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if len(f) > 2 {
			out[f] = struct{}{}
		}
	}
	return out
}
