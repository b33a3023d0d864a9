package im

import (
	"fmt"
	log "log/slog"
	"reflect"
	"sort"
	"strings"

	"github.com/google/cel-go/cel"
	"golang.org/x/text/unicode/norm"
)

// FilterAction is what happens when a dictionary word matches.
type FilterAction string

const (
	// ActionBlock rejects the whole message.
	ActionBlock FilterAction = "Block"
	// ActionReplace masks the match with asterisks, preserving rune length.
	ActionReplace FilterAction = "Replace"
	// ActionAudit passes the message through and logs the hit.
	ActionAudit FilterAction = "Audit"
)

// ActionPolicy evaluates a CEL expression deciding the final action for a dictionary
// hit. The expression sees `word` (the matched dictionary entry), `action` (the entry's
// configured action as a string) and `scope` (private/group) and must yield one of the
// action strings. An empty expression keeps the configured actions as-is.
type ActionPolicy struct {
	Expression string
	program    cel.Program
}

// NewActionPolicy compiles the policy expression.
func NewActionPolicy(expression string) (*ActionPolicy, error) {
	if expression == "" {
		return nil, fmt.Errorf("expression can't be emptry string")
	}
	env, err := cel.NewEnv(
		cel.Variable("word", cel.StringType),
		cel.Variable("action", cel.StringType),
		cel.Variable("scope", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("error creating CEL environment: %v", err)
	}
	ast, issues := env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("error compiling CEL expression: %v", issues.Err())
	}
	p, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("error creating Program: %v", err)
	}
	return &ActionPolicy{Expression: expression, program: p}, nil
}

// Evaluate returns the policy's action for one dictionary hit.
func (p *ActionPolicy) Evaluate(word string, configured FilterAction, scope Scope) (FilterAction, error) {
	out, _, err := p.program.Eval(map[string]any{
		"word":   word,
		"action": string(configured),
		"scope":  string(scope),
	})
	if err != nil {
		return "", fmt.Errorf("error evaluating CEL expression: %v", err)
	}
	nv, err := out.ConvertToNative(reflect.TypeOf(""))
	if err != nil {
		return "", fmt.Errorf("error ConvertToNative, got err: %v", err)
	}
	s, ok := nv.(string)
	if !ok {
		return "", fmt.Errorf("error converting to string, nv: %v", nv)
	}
	switch FilterAction(s) {
	case ActionBlock, ActionReplace, ActionAudit:
		return FilterAction(s), nil
	}
	return "", fmt.Errorf("policy yielded unknown action %q", s)
}

// ContentFilter is a dictionary-based filter. Matching is NFKC-normalized and
// case-folded, so mixed-case, full-width and composed variants of a listed word still
// hit; word lists may mix languages. A nil or disabled filter is a no-op.
type ContentFilter struct {
	// words is sorted by the folded word so every Apply scans the dictionary in the
	// same order.
	words  []filterWord
	policy *ActionPolicy
	// Enabled gates the whole filter.
	Enabled bool
}

type filterWord struct {
	word   string
	runes  []rune
	action FilterAction
}

// NewContentFilter builds the filter from a word -> action dictionary. policy may be
// nil to keep the configured actions.
func NewContentFilter(words map[string]FilterAction, policy *ActionPolicy) *ContentFilter {
	folded := make([]filterWord, 0, len(words))
	seen := make(map[string]bool, len(words))
	for w, a := range words {
		fw := foldText(w)
		if fw == "" || seen[fw] {
			continue
		}
		seen[fw] = true
		folded = append(folded, filterWord{word: fw, runes: []rune(fw), action: a})
	}
	sort.Slice(folded, func(i, j int) bool { return folded[i].word < folded[j].word })
	return &ContentFilter{words: folded, policy: policy, Enabled: true}
}

// foldText maps text to the form the dictionary matches on.
func foldText(s string) string {
	return strings.ToLower(norm.NFKC.String(s))
}

// Apply filters content for one message. blocked is true when any hit resolves to
// Block; otherwise the returned string is the NFKC-normalized content with Replace
// masking applied.
func (f *ContentFilter) Apply(content string, scope Scope) (string, bool, error) {
	if f == nil || !f.Enabled || len(f.words) == 0 {
		return content, false, nil
	}
	// ToLower maps runes one to one, so out and folded stay index-aligned.
	normalized := norm.NFKC.String(content)
	out := []rune(normalized)
	folded := []rune(strings.ToLower(normalized))

	for _, entry := range f.words {
		word, wordRunes, action := entry.word, entry.runes, entry.action
		for i := 0; i+len(wordRunes) <= len(folded); i++ {
			if string(folded[i:i+len(wordRunes)]) != word {
				continue
			}
			final := action
			if f.policy != nil {
				resolved, err := f.policy.Evaluate(word, action, scope)
				if err != nil {
					return "", false, err
				}
				final = resolved
			}
			switch final {
			case ActionBlock:
				return "", true, nil
			case ActionReplace:
				for j := i; j < i+len(wordRunes); j++ {
					out[j] = '*'
				}
			case ActionAudit:
				log.Info("content filter audit hit", "word", word, "scope", scope)
			}
			i += len(wordRunes) - 1
		}
	}
	return string(out), false, nil
}
