package prospect

import (
	"context"
	"errors"
	"testing"
)

func TestGenerate_ExactCount(t *testing.T) {
	g := NewGenerator(42, nil, nil)

	for _, n := range []int{1, 5, 20, 50} {
		ps, err := g.Generate(context.Background(), n)
		if err != nil {
			t.Fatalf("Generate(%d) error: %v", n, err)
		}
		if len(ps) != n {
			t.Errorf("Generate(%d) produced %d prospects", n, len(ps))
		}
	}
}

func TestGenerate_RejectsNonPositive(t *testing.T) {
	g := NewGenerator(1, nil, nil)
	if _, err := g.Generate(context.Background(), 0); err == nil {
		t.Error("Generate(0) should fail")
	}
	if _, err := g.Generate(context.Background(), -3); err == nil {
		t.Error("Generate(-3) should fail")
	}
}

func TestGenerate_UniqueIdentities(t *testing.T) {
	g := NewGenerator(7, nil, nil)
	ps, err := g.Generate(context.Background(), 100)
	if err != nil {
		t.Fatal(err)
	}

	seen := make(map[string]bool)
	for _, p := range ps {
		if seen[p.Identity()] {
			t.Errorf("duplicate identity in batch: %s", p.Identity())
		}
		seen[p.Identity()] = true
	}
}

func TestGenerate_DiversityMix(t *testing.T) {
	g := NewGenerator(3, nil, nil)
	ps, err := g.Generate(context.Background(), 30)
	if err != nil {
		t.Fatal(err)
	}

	withIntent, withoutIntent := 0, 0
	for _, p := range ps {
		if p.HasIntent() {
			withIntent++
		} else {
			withoutIntent++
		}
	}

	// One third of each batch must leave intent nil so the inference path
	// is exercised every iteration.
	if withoutIntent != 10 {
		t.Errorf("expected 10 nil-intent prospects out of 30, got %d", withoutIntent)
	}
	if withIntent != 20 {
		t.Errorf("expected 20 intent prospects out of 30, got %d", withIntent)
	}
}

func TestGenerate_Deterministic(t *testing.T) {
	a, _ := NewGenerator(99, nil, nil).Generate(context.Background(), 10)
	b, _ := NewGenerator(99, nil, nil).Generate(context.Background(), 10)

	for i := range a {
		if a[i].Identity() != b[i].Identity() {
			t.Errorf("case %d differs across seeded runs: %q vs %q",
				i, a[i].Identity(), b[i].Identity())
		}
	}
}

type failingLookup struct{ calls int }

func (f *failingLookup) Find(ctx context.Context, tmpl Template) (*Prospect, error) {
	f.calls++
	return nil, errors.New("search backend unavailable")
}

func TestGenerate_LookupFailureFallsBack(t *testing.T) {
	lookup := &failingLookup{}
	g := NewGenerator(5, lookup, nil)

	ps, err := g.Generate(context.Background(), 12)
	if err != nil {
		t.Fatalf("Generate with failing lookup should not error: %v", err)
	}
	if len(ps) != 12 {
		t.Errorf("batch shrank to %d, want 12", len(ps))
	}
	if lookup.calls != 12 {
		t.Errorf("lookup called %d times, want 12", lookup.calls)
	}
}

func TestHasIntent(t *testing.T) {
	empty := ""
	blank := "   "
	intent := "supply chain optimization"

	tests := []struct {
		name string
		in   *string
		want bool
	}{
		{"nil", nil, false},
		{"empty string", &empty, false},
		{"whitespace", &blank, false},
		{"populated", &intent, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Prospect{Intent: tt.in}
			if got := p.HasIntent(); got != tt.want {
				t.Errorf("HasIntent() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIntentKeywords_SkipsShortWords(t *testing.T) {
	intent := "HR analytics and workforce planning"
	p := Prospect{Intent: &intent}
	kws := p.IntentKeywords()

	for _, kw := range kws {
		if len(kw) <= 2 {
			t.Errorf("keyword %q should have been skipped", kw)
		}
	}
	if len(kws) != 4 { // analytics, and, workforce, planning ("hr" skipped)
		t.Errorf("got keywords %v, want 4 entries", kws)
	}
}
