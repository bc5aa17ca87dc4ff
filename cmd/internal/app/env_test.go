package app

import (
	"testing"
	"time"
)

func TestEnvString(t *testing.T) {
	t.Setenv("PARLEY_TEST_STR", "  value  ")
	if got := EnvString("PARLEY_TEST_STR", "def"); got != "value" {
		t.Fatalf("EnvString=%q want trimmed value", got)
	}
	if got := EnvString("PARLEY_TEST_STR_MISSING", "def"); got != "def" {
		t.Fatalf("EnvString=%q want default", got)
	}
}

func TestEnvBool(t *testing.T) {
	t.Setenv("PARLEY_TEST_BOOL", "true")
	if !EnvBool("PARLEY_TEST_BOOL", false) {
		t.Fatalf("EnvBool: want true")
	}
	t.Setenv("PARLEY_TEST_BOOL", "not-a-bool")
	if EnvBool("PARLEY_TEST_BOOL", false) {
		t.Fatalf("EnvBool: garbage must fall back to default")
	}
}

func TestEnvInt(t *testing.T) {
	t.Setenv("PARLEY_TEST_INT", "42")
	if got := EnvInt("PARLEY_TEST_INT", 7); got != 42 {
		t.Fatalf("EnvInt=%d want 42", got)
	}
	t.Setenv("PARLEY_TEST_INT", "-3")
	if got := EnvInt("PARLEY_TEST_INT", 7); got != 7 {
		t.Fatalf("EnvInt=%d want default for non-positive", got)
	}
	t.Setenv("PARLEY_TEST_INT", "zzz")
	if got := EnvInt("PARLEY_TEST_INT", 7); got != 7 {
		t.Fatalf("EnvInt=%d want default for garbage", got)
	}
}

func TestEnvInt32(t *testing.T) {
	t.Setenv("PARLEY_TEST_INT32", "0")
	if got := EnvInt32("PARLEY_TEST_INT32", 5); got != 0 {
		t.Fatalf("EnvInt32=%d want 0 (zero is allowed)", got)
	}
	t.Setenv("PARLEY_TEST_INT32", "-1")
	if got := EnvInt32("PARLEY_TEST_INT32", 5); got != 5 {
		t.Fatalf("EnvInt32=%d want default for negative", got)
	}
}

func TestEnvDuration(t *testing.T) {
	t.Setenv("PARLEY_TEST_DUR", "250ms")
	if got := EnvDuration("PARLEY_TEST_DUR", time.Second); got != 250*time.Millisecond {
		t.Fatalf("EnvDuration=%v want 250ms", got)
	}
	t.Setenv("PARLEY_TEST_DUR", "-5s")
	if got := EnvDuration("PARLEY_TEST_DUR", time.Second); got != time.Second {
		t.Fatalf("EnvDuration=%v want default for non-positive", got)
	}
}
