package im

import "testing"

func TestFilterReplacePreservesRuneLength(t *testing.T) {
	f := NewContentFilter(map[string]FilterAction{
		"spoiler": ActionReplace,
		"秘密":      ActionReplace,
	}, nil)

	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "ascii", in: "big spoiler ahead", want: "big ******* ahead"},
		{name: "mixed case", in: "SPOILER!", want: "*******!"},
		{name: "multibyte", in: "これは秘密です", want: "これは**です"},
		{name: "no hit", in: "nothing to see", want: "nothing to see"},
		{name: "two hits", in: "spoiler and 秘密", want: "******* and **"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, blocked, err := f.Apply(tt.in, ScopePrivate)
			if err != nil {
				t.Fatal(err.Error())
			}
			if blocked {
				t.Fatal("replace action blocked the message")
			}
			if got != tt.want {
				t.Fatalf("got %q, want %q", got, tt.want)
			}
			if len([]rune(got)) != len([]rune(tt.in)) {
				t.Fatalf("rune length changed: %d -> %d", len([]rune(tt.in)), len([]rune(got)))
			}
		})
	}
}

func TestFilterNormalizesVariants(t *testing.T) {
	f := NewContentFilter(map[string]FilterAction{
		"secret": ActionReplace,
		"café":   ActionReplace,
	}, nil)

	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "fullwidth", in: "ｓｅｃｒｅｔ plan", want: "****** plan"},
		{name: "fullwidth mixed case", in: "ＳＥＣＲＥＴ", want: "******"},
		{name: "decomposed accent", in: "cafe\u0301 talk", want: "**** talk"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, blocked, err := f.Apply(tt.in, ScopePrivate)
			if err != nil {
				t.Fatal(err.Error())
			}
			if blocked {
				t.Fatal("replace action blocked the message")
			}
			if got != tt.want {
				t.Fatalf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFilterScansDictionaryDeterministically(t *testing.T) {
	words := map[string]FilterAction{
		"wat":     ActionAudit,
		"watch":   ActionAudit,
		"watched": ActionReplace,
	}

	// Fresh filters see the source map in a different iteration order each time; the
	// output must not depend on it.
	var first string
	for i := 0; i < 10; i++ {
		f := NewContentFilter(words, nil)
		got, blocked, err := f.Apply("they watched closely", ScopePrivate)
		if err != nil {
			t.Fatal(err.Error())
		}
		if blocked {
			t.Fatal("audit/replace dictionary blocked the message")
		}
		if i == 0 {
			first = got
			if got != "they ******* closely" {
				t.Fatalf("got %q, want the longest entry masked", got)
			}
			continue
		}
		if got != first {
			t.Fatalf("run %d produced %q, earlier runs produced %q", i, got, first)
		}
	}
}

func TestFilterBlockAndAudit(t *testing.T) {
	f := NewContentFilter(map[string]FilterAction{
		"forbidden": ActionBlock,
		"watched":   ActionAudit,
	}, nil)

	_, blocked, err := f.Apply("this is forbidden content", ScopePrivate)
	if err != nil {
		t.Fatal(err.Error())
	}
	if !blocked {
		t.Fatal("block action did not block")
	}

	// Audit passes content through untouched.
	got, blocked, err := f.Apply("a watched phrase", ScopePrivate)
	if err != nil {
		t.Fatal(err.Error())
	}
	if blocked || got != "a watched phrase" {
		t.Fatalf("audit mutated the message: blocked=%v got=%q", blocked, got)
	}
}

func TestFilterDisabledIsNoOp(t *testing.T) {
	f := NewContentFilter(map[string]FilterAction{"forbidden": ActionBlock}, nil)
	f.Enabled = false

	got, blocked, err := f.Apply("forbidden", ScopePrivate)
	if err != nil {
		t.Fatal(err.Error())
	}
	if blocked || got != "forbidden" {
		t.Fatalf("disabled filter acted: blocked=%v got=%q", blocked, got)
	}

	// A nil filter is also a no-op.
	var nilFilter *ContentFilter
	got, blocked, err = nilFilter.Apply("forbidden", ScopePrivate)
	if err != nil || blocked || got != "forbidden" {
		t.Fatalf("nil filter acted: blocked=%v got=%q err=%v", blocked, got, err)
	}
}

func TestFilterPolicyOverridesAction(t *testing.T) {
	// Group conversations escalate audit hits to a hard block.
	policy, err := NewActionPolicy(`scope == "group" && action == "Audit" ? "Block" : action`)
	if err != nil {
		t.Fatal(err.Error())
	}
	f := NewContentFilter(map[string]FilterAction{"watched": ActionAudit}, policy)

	_, blocked, err := f.Apply("a watched phrase", ScopeGroup)
	if err != nil {
		t.Fatal(err.Error())
	}
	if !blocked {
		t.Fatal("policy escalation did not block in group scope")
	}

	got, blocked, err := f.Apply("a watched phrase", ScopePrivate)
	if err != nil {
		t.Fatal(err.Error())
	}
	if blocked || got != "a watched phrase" {
		t.Fatalf("policy acted in private scope: blocked=%v got=%q", blocked, got)
	}
}

func TestPolicyRejectsBadExpressions(t *testing.T) {
	if _, err := NewActionPolicy(""); err == nil {
		t.Fatal("empty expression was accepted")
	}
	if _, err := NewActionPolicy("this is not CEL ((("); err == nil {
		t.Fatal("invalid expression was accepted")
	}
}
