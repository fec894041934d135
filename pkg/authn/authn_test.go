package authn

import "testing"

func TestParseBearerToken(t *testing.T) {
	cases := []struct {
		header string
		token  string
		ok     bool
	}{
		{"Bearer tok_abc", "tok_abc", true},
		{"Bearer   tok_abc  ", "tok_abc", true},
		{"bearer tok_abc", "", false},
		{"Bearer ", "", false},
		{"Basic dXNlcg==", "", false},
		{"", "", false},
	}
	for _, c := range cases {
		token, ok := parseBearerToken(c.header)
		if ok != c.ok || token != c.token {
			t.Fatalf("parseBearerToken(%q)=(%q,%v), want (%q,%v)", c.header, token, ok, c.token, c.ok)
		}
	}
}

func TestHashTokenStable(t *testing.T) {
	a := HashToken("tok_abc")
	b := HashToken("tok_abc")
	if a != b {
		t.Fatalf("hash must be deterministic: %s vs %s", a, b)
	}
	if len(a) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(a))
	}
	if a == HashToken("tok_abd") {
		t.Fatal("distinct tokens must not collide")
	}
}
