package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dukerupert/joyledger/internal/ledger"
	"github.com/golang-jwt/jwt/v5"
)

var secret = []byte("test-secret-at-least-32-bytes-long!!")

func TestWithPrincipalRoundTrip(t *testing.T) {
	ctx := WithPrincipal(context.Background(), ledger.StaffPrincipal(4, 10))
	p, ok := FromContext(ctx)
	if !ok {
		t.Fatal("expected principal in context")
	}
	if p.MemberID != 4 || p.Role != ledger.RoleStaff {
		t.Errorf("principal = %+v", p)
	}
	if MemberID(ctx) != 4 {
		t.Errorf("MemberID = %d, want 4", MemberID(ctx))
	}
	if IsAdmin(ctx) {
		t.Error("staff should not be admin")
	}
	if MemberID(context.Background()) != 0 || IsAdmin(context.Background()) {
		t.Error("empty context should carry no principal")
	}
}

func TestIssueAndParse(t *testing.T) {
	token, err := Issue(secret, ledger.StaffPrincipal(7, 3, 4), time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	p, err := Parse(secret, token)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if p.MemberID != 7 || p.Role != ledger.RoleStaff || len(p.BusinessIDs) != 2 || p.BusinessIDs[1] != 4 {
		t.Errorf("principal = %+v", p)
	}
}

func TestParseRejects(t *testing.T) {
	expired, _ := Issue(secret, ledger.MemberPrincipal(1), -time.Minute)
	wrongKey, _ := Issue([]byte("another-secret-another-secret-xx"), ledger.MemberPrincipal(1), time.Hour)
	system, _ := Issue(secret, ledger.SystemPrincipal(), time.Hour)
	none, _ := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{
		Role:             ledger.RoleAdmin,
		RegisteredClaims: jwt.RegisteredClaims{Issuer: issuer, Subject: "1", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)

	tests := map[string]string{
		"expired":      expired,
		"wrong key":    wrongKey,
		"system role":  system,
		"alg none":     none,
		"garbage":      "not.a.token",
		"empty string": "",
	}
	for name, token := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := Parse(secret, token); !errors.Is(err, ErrInvalidToken) {
				t.Errorf("err = %v, want ErrInvalidToken", err)
			}
		})
	}
}

func TestAdminKey(t *testing.T) {
	hash, err := HashAdminKey("s3cret-operator-key")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if !CheckAdminKey(hash, "s3cret-operator-key") {
		t.Error("expected key to match")
	}
	if CheckAdminKey(hash, "wrong") {
		t.Error("expected wrong key to fail")
	}
	if CheckAdminKey("", "anything") {
		t.Error("empty hash must disable admin keys")
	}
}
