package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestHTTPStatusCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"not found", fmt.Errorf("reading partition: %w", ErrNotFound), http.StatusNotFound},
		{"locked", ErrDocumentLocked, http.StatusConflict},
		{"conflict", fmt.Errorf("publish: %w", ErrConcurrencyConflict), http.StatusConflict},
		{"schema", ErrSchemaInvalid, http.StatusBadRequest},
		{"storage", Storage("put blob", errors.New("connection reset")), http.StatusServiceUnavailable},
		{"app error", New(ErrInternal, http.StatusTeapot, "short and stout"), http.StatusTeapot},
		{"unknown", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HTTPStatusCode(tt.err); got != tt.want {
				t.Errorf("HTTPStatusCode() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestStorageKeepsCause(t *testing.T) {
	cause := errors.New("access denied")
	err := Storage("delete blob", cause)
	if !errors.Is(err, ErrStorage) {
		t.Fatalf("expected ErrStorage in chain, got %v", err)
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected cause in chain, got %v", err)
	}
	if Storage("noop", nil) != nil {
		t.Fatal("expected nil for nil cause")
	}
}
