package apperrors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestIsMatchesByCode(t *testing.T) {
	err := fmt.Errorf("place bet: %w", New(CodeInsufficientFunds, "have 5.00, need 10.00"))

	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatal("expected wrapped error to match ErrInsufficientFunds")
	}
	if errors.Is(err, ErrRoundNotOpen) {
		t.Fatal("did not expect match on a different code")
	}
	if CodeOf(err) != CodeInsufficientFunds {
		t.Fatalf("expected code %s, got %s", CodeInsufficientFunds, CodeOf(err))
	}
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	err := Wrap(CodeExternalService, "fetch entropy", cause)

	if !errors.Is(err, cause) {
		t.Fatal("expected cause in chain")
	}
	if err.Error() != "fetch entropy: dial tcp: refused" {
		t.Fatalf("unexpected message %q", err.Error())
	}
	if !Retryable(err) {
		t.Fatal("external service errors are retryable")
	}
	if Retryable(ErrFairnessMismatch) {
		t.Fatal("fairness mismatch must never be retryable")
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := map[Code]int{
		CodeValidation:        http.StatusBadRequest,
		CodeInsufficientFunds: http.StatusPaymentRequired,
		CodeRoundNotOpen:      http.StatusConflict,
		CodeRoundNotFound:     http.StatusNotFound,
		CodeGameSuspended:     http.StatusServiceUnavailable,
		CodeWagerRequired:     http.StatusBadRequest,
		CodeWithdrawalClosed:  http.StatusConflict,
		CodeGameNotLocal:      http.StatusMisdirectedRequest,
		CodeUnknown:           http.StatusInternalServerError,
	}
	for code, want := range tests {
		if got := code.HTTPStatus(); got != want {
			t.Errorf("%s: expected %d, got %d", code, want, got)
		}
	}
	if CodeOf(errors.New("plain")) != CodeUnknown {
		t.Error("plain errors map to CodeUnknown")
	}
}
