package ledger

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"
)

func TestCodeOfWrapped(t *testing.T) {
	tests := []struct {
		err  error
		want Code
	}{
		{fmt.Errorf("debit member 4: %w", ErrInsufficientFunds), CodeInsufficientFunds},
		{fmt.Errorf("%w: reservation 9 is released", ErrInvalidTransition), CodeInvalidTransition},
		{ErrVersionConflict, CodeVersionConflict},
		{ErrEventMismatch, CodeEventMismatch},
		{ErrInvalidAmount, CodeInvalidAmount},
		{ErrIdempotencyConflict, CodeIdempotencyConflict},
		{errors.New("disk I/O error"), CodeInternal},
	}
	for _, tt := range tests {
		if got := CodeOf(tt.err); got != tt.want {
			t.Errorf("CodeOf(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}

func TestHTTPStatus(t *testing.T) {
	if got := HTTPStatus(CodeInsufficientFunds); got != http.StatusPaymentRequired {
		t.Errorf("insufficient funds status = %d, want %d", got, http.StatusPaymentRequired)
	}
	if got := HTTPStatus(CodeForbidden); got != http.StatusForbidden {
		t.Errorf("forbidden status = %d, want %d", got, http.StatusForbidden)
	}
	if got := HTTPStatus(CodeInternal); got != http.StatusInternalServerError {
		t.Errorf("internal status = %d, want %d", got, http.StatusInternalServerError)
	}
}

func TestUserMessageHidesInternalErrors(t *testing.T) {
	msg := UserMessage(errors.New("sqlite: database disk image is malformed"))
	if msg != "Something went wrong. Please try again later." {
		t.Errorf("message = %q", msg)
	}
}

func TestPrincipalAuthorizeMember(t *testing.T) {
	if err := MemberPrincipal(7).AuthorizeMember(7); err != nil {
		t.Errorf("self: %v", err)
	}
	if err := MemberPrincipal(7).AuthorizeMember(8); !errors.Is(err, ErrForbidden) {
		t.Errorf("other member: err = %v, want ErrForbidden", err)
	}
	if err := SystemPrincipal().AuthorizeMember(8); err != nil {
		t.Errorf("system: %v", err)
	}
	if err := (Principal{Role: RoleMember}).AuthorizeMember(0); !errors.Is(err, ErrForbidden) {
		t.Errorf("zero member id: err = %v, want ErrForbidden", err)
	}
}

func TestPrincipalAuthorizeBusiness(t *testing.T) {
	staff := StaffPrincipal(3, 10, 11)
	if err := staff.AuthorizeBusiness(11); err != nil {
		t.Errorf("own business: %v", err)
	}
	if err := staff.AuthorizeBusiness(12); !errors.Is(err, ErrForbidden) {
		t.Errorf("other business: err = %v, want ErrForbidden", err)
	}
	member := Principal{MemberID: 3, BusinessIDs: []int64{10}, Role: RoleMember}
	if err := member.AuthorizeBusiness(10); !errors.Is(err, ErrForbidden) {
		t.Errorf("member role: err = %v, want ErrForbidden", err)
	}
}

func TestPrincipalAuthorizePrivileged(t *testing.T) {
	if err := (Principal{Role: RoleAdmin}).AuthorizePrivileged(); err != nil {
		t.Errorf("admin: %v", err)
	}
	if err := StaffPrincipal(1, 1).AuthorizePrivileged(); !errors.Is(err, ErrForbidden) {
		t.Errorf("staff: err = %v, want ErrForbidden", err)
	}
}

var fastPolicy = RetryPolicy{MaxRetries: 3, Base: time.Millisecond}

func TestOnConflictRetriesUntilSuccess(t *testing.T) {
	calls := 0
	err := OnConflict(context.Background(), fastPolicy, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return fmt.Errorf("debit: %w", ErrVersionConflict)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("OnConflict: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestOnConflictGivesUp(t *testing.T) {
	calls := 0
	err := OnConflict(context.Background(), fastPolicy, func(ctx context.Context) error {
		calls++
		return ErrVersionConflict
	})
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("err = %v, want ErrVersionConflict", err)
	}
	if calls != 4 {
		t.Errorf("calls = %d, want 4", calls)
	}
}

func TestOnConflictDoesNotRetryBusinessErrors(t *testing.T) {
	calls := 0
	err := OnConflict(context.Background(), fastPolicy, func(ctx context.Context) error {
		calls++
		return ErrInsufficientFunds
	})
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("err = %v, want ErrInsufficientFunds", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}
