package heal

import (
	"encoding/json"
	"testing"
)

func TestHeal_ValidPassesThrough(t *testing.T) {
	t.Parallel()
	r := Heal(`  {"a":1}  `)
	if r.Healed {
		t.Error("Healed = true, want false")
	}
	if r.Content != `{"a":1}` {
		t.Errorf("Content = %q", r.Content)
	}
	if r.HealingMethod != "" {
		t.Errorf("HealingMethod = %q, want empty", r.HealingMethod)
	}
}

func TestHeal_StripTrailing(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"prose suffix", `{"answer":42} Hope that helps!`, `{"answer":42}`},
		{"code fence", "```json\n{\"a\":1}\n```", `{"a":1}`},
		{"array with suffix", `[1,2,3] done`, `[1,2,3]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := Heal(tt.in)
			if !r.Healed {
				t.Fatal("Healed = false, want true")
			}
			if r.HealingMethod != "strip_trailing" {
				t.Errorf("HealingMethod = %q, want strip_trailing", r.HealingMethod)
			}
			if r.Content != tt.want {
				t.Errorf("Content = %q, want %q", r.Content, tt.want)
			}
			if r.OriginalContent != tt.in {
				t.Errorf("OriginalContent = %q, want input", r.OriginalContent)
			}
		})
	}
}

func TestHeal_CloseBrackets(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"unclosed object", `{"a":1,"b":2`, `{"a":1,"b":2}`},
		{"unclosed string", `{"a":"hel`, `{"a":"hel"}`},
		{"unclosed array", `[1,2,3`, `[1,2,3]`},
		{"trailing comma", `{"a":1,`, `{"a":1}`},
		{"dangling key", `{"a":1,"b":`, `{"a":1}`},
		{"nested truncation", `{"a":{"b":[1,`, `{"a":{"b":[1]}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := Heal(tt.in)
			if !r.Healed {
				t.Fatal("Healed = false, want true")
			}
			if r.HealingMethod != "close_brackets" {
				t.Errorf("HealingMethod = %q, want close_brackets", r.HealingMethod)
			}
			if r.Content != tt.want {
				t.Errorf("Content = %q, want %q", r.Content, tt.want)
			}
			if !json.Valid([]byte(r.Content)) {
				t.Errorf("healed content is not valid JSON: %q", r.Content)
			}
		})
	}
}

func TestHeal_Unrepairable(t *testing.T) {
	t.Parallel()
	for _, in := range []string{"hello world", `{"a":]`, ""} {
		r := Heal(in)
		if r.Healed {
			t.Errorf("Heal(%q).Healed = true, want false", in)
		}
		if r.Content != in {
			t.Errorf("Heal(%q).Content = %q, want original", in, r.Content)
		}
	}
}
