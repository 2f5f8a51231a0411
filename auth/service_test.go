package auth

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestVerifier_IssueAndVerify(t *testing.T) {
	v := NewVerifier("test-secret")

	for _, want := range []Principal{
		{PartyID: "broker-7", Role: RoleBroker},
		{PartyID: "carrier-3", Role: RoleCarrier},
		{PartyID: "ops", Role: RoleAdmin},
	} {
		token, err := v.Issue(want, time.Hour)
		if err != nil {
			t.Fatalf("issue %v: %v", want, err)
		}
		got, err := v.Verify(token)
		if err != nil {
			t.Fatalf("verify %v: %v", want, err)
		}
		if got != want {
			t.Fatalf("expected %+v got %+v", want, got)
		}
	}
}

func TestVerifier_RejectsExpired(t *testing.T) {
	issuedAt := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	issuer := NewVerifier("test-secret").WithClock(func() time.Time { return issuedAt })
	token, err := issuer.Issue(Principal{PartyID: "c1", Role: RoleCarrier}, time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	later := NewVerifier("test-secret").WithClock(func() time.Time { return issuedAt.Add(time.Hour) })
	if _, err := later.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestVerifier_RejectsWrongSecret(t *testing.T) {
	token, err := NewVerifier("one").Issue(Principal{PartyID: "b1", Role: RoleBroker}, time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := NewVerifier("two").Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestVerifier_RejectsBadClaims(t *testing.T) {
	secret := []byte("test-secret")
	exp := time.Now().Add(time.Hour).Unix()
	cases := map[string]jwt.MapClaims{
		"missing subject": {"role": "broker", "exp": exp},
		"unknown role":    {"sub": "x", "role": "agent", "exp": exp},
		"missing role":    {"sub": "x", "exp": exp},
		"no expiry":       {"sub": "x", "role": "broker"},
	}
	v := NewVerifier(string(secret))
	for name, claims := range cases {
		t.Run(name, func(t *testing.T) {
			token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
			if err != nil {
				t.Fatalf("sign: %v", err)
			}
			if _, err := v.Verify(token); !errors.Is(err, ErrInvalidToken) {
				t.Fatalf("expected ErrInvalidToken, got %v", err)
			}
		})
	}
}

func TestVerifier_RejectsOtherAlgorithms(t *testing.T) {
	token, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		"sub": "b1", "role": "broker", "exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	_, err = NewVerifier("test-secret").Verify(token)
	if !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
	if !strings.Contains(err.Error(), "auth:") {
		t.Fatalf("unexpected error text %q", err)
	}
}

func TestPrincipal_Is(t *testing.T) {
	p := Principal{PartyID: "b1", Role: RoleBroker}
	if !p.Is(RoleAdmin, RoleBroker) {
		t.Fatal("expected broker to match")
	}
	if p.Is(RoleCarrier) {
		t.Fatal("broker is not a carrier")
	}
}
