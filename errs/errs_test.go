package errs

import (
	"errors"
	"strings"
	"testing"
)

func TestErrorFormattingIncludesAccountAndDetails(t *testing.T) {
	err := New(
		"syncer/request",
		CodeNetwork,
		WithMessage("synchronize request failed"),
		WithAccount("account-1"),
		WithSyncID("sync-42"),
		WithDetail("region", "vint-hill"),
		WithDetail("instance", "1"),
		WithCause(errors.New("connection reset")),
	)

	out := err.Error()
	if !strings.Contains(out, "scope=syncer/request") {
		t.Fatalf("expected scope marker in error string: %s", out)
	}
	if !strings.Contains(out, "code=network") {
		t.Fatalf("expected code in error string: %s", out)
	}
	if !strings.Contains(out, "account=account-1") {
		t.Fatalf("expected account marker in error string: %s", out)
	}
	if !strings.Contains(out, "sync_id=sync-42") {
		t.Fatalf("expected sync id marker in error string: %s", out)
	}
	expectedDetails := "details=instance=\"1\",region=\"vint-hill\""
	if !strings.Contains(out, expectedDetails) {
		t.Fatalf("expected details %q in error string: %s", expectedDetails, out)
	}
	if !strings.Contains(out, "cause=\"connection reset\"") {
		t.Fatalf("expected wrapped cause in error string: %s", out)
	}
}

func TestSynchronizationTimeoutCarriesContext(t *testing.T) {
	err := SynchronizationTimeout("account-7", "sync-9")
	if !IsTimeout(err) {
		t.Fatal("expected timeout classification")
	}
	if err.AccountID != "account-7" || err.SyncID != "sync-9" {
		t.Fatalf("expected account/sync context, got %q/%q", err.AccountID, err.SyncID)
	}
}

func TestUnwrapExposesCause(t *testing.T) {
	cause := errors.New("flush failed")
	err := New("history/flush", CodePersistence, WithCause(cause))
	if !errors.Is(err, cause) {
		t.Fatal("expected errors.Is to match the wrapped cause")
	}
}

func TestNilErrorString(t *testing.T) {
	var e *E
	if got := e.Error(); got != "<nil>" {
		t.Fatalf("expected <nil> string for nil error, got %q", got)
	}
}
