package expr

import (
	"testing"
)

func TestEvalBool(t *testing.T) {
	e := NewEvaluator()
	env := Env{
		Event:        map[string]interface{}{"amount": 120.0},
		Context:      map[string]interface{}{"limit": 100.0},
		PublicMember: map[string]interface{}{"tier": "gold"},
	}

	cases := []struct {
		source string
		want   bool
	}{
		{`event.amount > context.limit`, true},
		{`event.amount < context.limit`, false},
		{`publicMember.tier == "gold"`, true},
		{`event.amount > 100 && publicMember.tier != "silver"`, true},
	}
	for _, tc := range cases {
		got, err := e.EvalBool(tc.source, env)
		if err != nil {
			t.Fatalf("EvalBool(%q): %v", tc.source, err)
		}
		if got != tc.want {
			t.Errorf("EvalBool(%q) = %v, want %v", tc.source, got, tc.want)
		}
	}
}

func TestEvalBoolMissingVariables(t *testing.T) {
	e := NewEvaluator()

	// Absent fields compare as nil instead of failing compilation.
	got, err := e.EvalBool(`event.missing == nil`, Env{})
	if err != nil {
		t.Fatalf("EvalBool: %v", err)
	}
	if !got {
		t.Fatal("missing field did not evaluate to nil")
	}
}

func TestEvalBoolErrors(t *testing.T) {
	e := NewEvaluator()

	if _, err := e.EvalBool("", Env{}); err == nil {
		t.Fatal("empty expression accepted")
	}
	if _, err := e.EvalBool("1 +", Env{}); err == nil {
		t.Fatal("malformed expression accepted")
	}
	if _, err := e.EvalBool("1 + 1", Env{}); err == nil {
		t.Fatal("non-boolean expression accepted")
	}
}

func TestEvalBoolCachesPrograms(t *testing.T) {
	e := NewEvaluator()
	env := Env{Event: map[string]interface{}{"x": 1}}

	for i := 0; i < 3; i++ {
		if _, err := e.EvalBool(`event.x == 1`, env); err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
	}
	if len(e.programs) != 1 {
		t.Fatalf("cached %d programs, want 1", len(e.programs))
	}
}
