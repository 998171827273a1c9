// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routing

import (
	"strings"
	"unicode"
)

// =============================================================================
// Tokenizer
// =============================================================================

// Normalize lowercases s, collapses runs of whitespace, and trims it.
func Normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// Tokenize splits s into stemmed tokens.
//
// Description:
//
//	Splits on every rune that is not a letter, digit, or '&' (so "H&R Block"
//	yields "h&r", "block"), lowercases, and applies Stem. Configuration terms
//	and queries go through the same function, which is what makes lookups
//	exact.
//
// Thread Safety: Stateless.
func Tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '&'
	})
	for i, f := range fields {
		fields[i] = Stem(f)
	}
	return fields
}

// Stem strips English plural endings.
//
//	"insights" -> "insight", "neighborhoods" -> "neighborhood",
//	"demographics" -> "demographic", "companies" -> "company",
//	"business", "analysis", "status" unchanged.
func Stem(tok string) string {
	n := len(tok)
	switch {
	case n > 4 && strings.HasSuffix(tok, "ies"):
		return tok[:n-3] + "y"
	case n > 3 && strings.HasSuffix(tok, "s") &&
		!strings.HasSuffix(tok, "ss") &&
		!strings.HasSuffix(tok, "is") &&
		!strings.HasSuffix(tok, "us"):
		return tok[:n-1]
	default:
		return tok
	}
}

// phraseKey returns the lookup key for a configured term: its stemmed tokens
// joined by single spaces. The second result is the number of words.
func phraseKey(term string) (string, int) {
	toks := Tokenize(term)
	return strings.Join(toks, " "), len(toks)
}

// =============================================================================
// Lexicon
// =============================================================================

// lexicon maps phrase keys to payloads. Built once per configuration
// generation and read-only afterwards.
type lexicon[T any] struct {
	entries  map[string][]T
	maxWords int
}

func newLexicon[T any]() *lexicon[T] {
	return &lexicon[T]{entries: make(map[string][]T)}
}

// add registers term with payload v. Blank terms are ignored.
func (l *lexicon[T]) add(term string, v T) (key string, words int) {
	key, words = phraseKey(term)
	if words == 0 {
		return "", 0
	}
	l.entries[key] = append(l.entries[key], v)
	if words > l.maxWords {
		l.maxWords = words
	}
	return key, words
}

func (l *lexicon[T]) has(key string) bool {
	_, ok := l.entries[key]
	return ok
}

// scan calls fn for every payload of every n-gram of tokens that is a key.
// A key found at several positions is reported once, at its first position.
func (l *lexicon[T]) scan(tokens []string, fn func(key string, words int, v T)) {
	if len(l.entries) == 0 {
		return
	}
	seen := make(map[string]bool)
	for i := range tokens {
		for n := 1; n <= l.maxWords && i+n <= len(tokens); n++ {
			key := strings.Join(tokens[i:i+n], " ")
			payloads, ok := l.entries[key]
			if !ok || seen[key] {
				continue
			}
			seen[key] = true
			for _, v := range payloads {
				fn(key, n, v)
			}
		}
	}
}

// matches returns the distinct keys of tokens present in the lexicon, in
// order of first occurrence.
func (l *lexicon[T]) matches(tokens []string) []string {
	var out []string
	l.scan(tokens, func(key string, _ int, _ T) {
		if len(out) == 0 || out[len(out)-1] != key {
			out = append(out, key)
		}
	})
	return out
}

// any reports whether at least one key occurs in tokens.
func (l *lexicon[T]) any(tokens []string) bool {
	found := false
	l.scan(tokens, func(string, int, T) { found = true })
	return found
}
