package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/petervdpas/consultcall/internal/proto"
)

func TestIssueVerifyRoundTrip(t *testing.T) {
	u := proto.User{ID: "s1", Name: "Dr. Ada", Email: "ada@example.org", Role: proto.RoleSpecialist}
	tok, err := Issue("secret", u, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	got, err := Verify("secret", tok)
	if err != nil {
		t.Fatal(err)
	}
	if got != u {
		t.Fatalf("got %+v, want %+v", got, u)
	}
}

func TestVerifyRejects(t *testing.T) {
	u := proto.User{ID: "p1", Role: proto.RolePatient}
	good, _ := Issue("secret", u, time.Hour)
	expired, _ := Issue("secret", u, -time.Minute)
	badRole, _ := Issue("secret", proto.User{ID: "x", Role: "nurse"}, time.Hour)

	cases := map[string]struct{ secret, tok string }{
		"wrong secret": {"other", good},
		"expired":      {"secret", expired},
		"garbage":      {"secret", "not.a.jwt"},
		"unknown role": {"secret", badRole},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Verify(tc.secret, tc.tok); !errors.Is(err, ErrInvalidToken) {
				t.Fatalf("expected ErrInvalidToken, got %v", err)
			}
		})
	}
}

func TestIdentityIgnoresSignature(t *testing.T) {
	tok, _ := Issue("whatever", proto.User{ID: "p9", Role: proto.RolePatient}, 0)
	u, err := Identity(tok)
	if err != nil {
		t.Fatal(err)
	}
	if u.ID != "p9" || u.IsSpecialist() {
		t.Fatalf("got %+v", u)
	}
}

func TestBearerToken(t *testing.T) {
	if tok, err := BearerToken("Bearer abc.def"); err != nil || tok != "abc.def" {
		t.Fatalf("got %q, %v", tok, err)
	}
	if tok, err := BearerToken("bearer  xyz "); err != nil || tok != "xyz" {
		t.Fatalf("got %q, %v", tok, err)
	}
	for _, h := range []string{"", "Basic abc", "Bearer ", "Bearer"} {
		if _, err := BearerToken(h); !errors.Is(err, ErrNoToken) {
			t.Fatalf("BearerToken(%q) = %v", h, err)
		}
	}
}
