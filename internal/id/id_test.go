package id

import (
	"strings"
	"testing"
)

func TestNewJob(t *testing.T) {
	a, b := NewJob(), NewJob()
	if !strings.HasPrefix(a, jobPrefix) {
		t.Fatalf("expected %q prefix, got %s", jobPrefix, a)
	}
	if len(a) != len(jobPrefix)+32 {
		t.Fatalf("expected 32 hex characters after prefix, got %s", a)
	}
	if a == b {
		t.Fatal("expected distinct ids")
	}
}
