package errors

import (
	stdErrors "errors"
	"net/http"
	"testing"
)

func TestMetadataForKnownCodes(t *testing.T) {
	tests := []struct {
		code      Code
		status    int
		retryable bool
		detailsOK bool
	}{
		{code: CodeValidation, status: http.StatusBadRequest, detailsOK: true},
		{code: CodeUnauthorized, status: http.StatusUnauthorized},
		{code: CodeForbidden, status: http.StatusForbidden},
		{code: CodeNotFound, status: http.StatusNotFound},
		{code: CodeConflict, status: http.StatusConflict},
		{code: CodeInternal, status: http.StatusInternalServerError, retryable: true},
		{code: CodeDependency, status: http.StatusServiceUnavailable, retryable: true, detailsOK: true},
		{code: CodeInvalidTransition, status: http.StatusUnprocessableEntity, detailsOK: true},
		{code: CodeInsufficientFunds, status: http.StatusUnprocessableEntity, detailsOK: true},
		{code: CodeDuplicateEvent, status: http.StatusConflict, detailsOK: true},
		{code: CodeDuplicateRelease, status: http.StatusConflict, detailsOK: true},
		{code: CodeUnauthorizedActor, status: http.StatusForbidden},
		{code: CodeDisputeAlreadyOpen, status: http.StatusConflict, detailsOK: true},
		{code: CodeDisputeBlocksRelease, status: http.StatusUnprocessableEntity, detailsOK: true},
		{code: CodeNotYetApprovable, status: http.StatusUnprocessableEntity, detailsOK: true},
		{code: CodePaymentNotConfirmed, status: http.StatusForbidden, detailsOK: true},
		{code: CodeAccessRevoked, status: http.StatusForbidden, detailsOK: true},
		{code: CodeVersionConflict, status: http.StatusConflict, retryable: true, detailsOK: true},
	}

	for _, tt := range tests {
		meta := MetadataFor(tt.code)
		if meta.HTTPStatus != tt.status {
			t.Fatalf("code %s expected status %d got %d", tt.code, tt.status, meta.HTTPStatus)
		}
		if meta.Retryable != tt.retryable {
			t.Fatalf("code %s expected retryable %v got %v", tt.code, tt.retryable, meta.Retryable)
		}
		if meta.DetailsAllowed != tt.detailsOK {
			t.Fatalf("code %s expected details allowed %v got %v", tt.code, tt.detailsOK, meta.DetailsAllowed)
		}
	}
}

func TestMetadataForUnknownCodeDefaultsToInternal(t *testing.T) {
	meta := MetadataFor("SOMETHING_UNKNOWN")
	if meta.HTTPStatus != http.StatusInternalServerError {
		t.Fatalf("expected internal status, got %d", meta.HTTPStatus)
	}
}

func TestErrorConstructors(t *testing.T) {
	base := New(CodeInvalidTransition, "cannot approve from pending")
	if base.Code() != CodeInvalidTransition {
		t.Fatalf("expected invalid transition code, got %s", base.Code())
	}
	if base.Message() != "cannot approve from pending" {
		t.Fatalf("unexpected message %q", base.Message())
	}

	detail := map[string]any{"status": "pending"}
	base.WithDetails(detail)
	if base.Details() == nil {
		t.Fatalf("details should be preserved")
	}

	cause := stdErrors.New("boom")
	wrapped := Wrap(CodeVersionConflict, cause, "ctx")
	if !stdErrors.Is(wrapped, cause) {
		t.Fatalf("Wrap did not preserve cause")
	}
	if wrapped.Code() != CodeVersionConflict {
		t.Fatalf("unexpected code %s", wrapped.Code())
	}
}

func TestHasCode(t *testing.T) {
	err := New(CodeDuplicateRelease, "already released")
	if !HasCode(err, CodeDuplicateRelease) {
		t.Fatalf("expected HasCode to match")
	}
	if HasCode(err, CodeDuplicateEvent) {
		t.Fatalf("HasCode matched wrong code")
	}
	if HasCode(nil, CodeDuplicateEvent) {
		t.Fatalf("HasCode(nil) should be false")
	}
}
