package controller

import (
	"fmt"
	"strconv"
	"strings"

	"chatcore/internal/model"
)

// parseChatRef parses the `(@|#|:)ID` chat-reference grammar.
func parseChatRef(s string) (model.ChatRef, error) {
	if len(s) < 2 {
		return model.ChatRef{}, &model.CommandError{Reason: fmt.Sprintf("invalid chat ref %q", s)}
	}
	kind := model.ChatKind(s[0:1])
	switch kind {
	case model.ChatKindDirect, model.ChatKindGroup, model.ChatKindFile:
	default:
		return model.ChatRef{}, &model.CommandError{Reason: fmt.Sprintf("invalid chat ref kind %q", s[0:1])}
	}
	id, err := strconv.ParseInt(s[1:], 10, 64)
	if err != nil {
		return model.ChatRef{}, &model.CommandError{Reason: fmt.Sprintf("invalid chat ref id %q", s)}
	}
	return model.ChatRef{Kind: kind, ID: id}, nil
}

// tokenize splits a command line into whitespace-separated tokens,
// keeping double-quoted segments (containing spaces) intact — enough
// of the grammar to parse the `/_` internal command alphabet without
// pulling in a full shell-lexer dependency.
func tokenize(line string) []string {
	var toks []string
	var cur strings.Builder
	inQuote := false
	flush := func() {
		if cur.Len() > 0 {
			toks = append(toks, cur.String())
			cur.Reset()
		}
	}
	for _, r := range line {
		switch {
		case r == '"':
			inQuote = !inQuote
		case r == ' ' && !inQuote:
			flush()
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return toks
}

// kv looks up `key=value` among tokens, returning ("", false) if
// absent.
func kv(tokens []string, key string) (string, bool) {
	prefix := key + "="
	for _, t := range tokens {
		if strings.HasPrefix(t, prefix) {
			return strings.TrimPrefix(t, prefix), true
		}
	}
	return "", false
}

func kvBool(tokens []string, key string, def bool) bool {
	v, ok := kv(tokens, key)
	if !ok {
		return def
	}
	return v == "on" || v == "true" || v == "yes"
}
