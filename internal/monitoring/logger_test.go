package monitoring

import (
	"fmt"
	"testing"
)

func TestSetLogger(t *testing.T) {
	original := Logf
	defer func() { Logf = original }()

	var got string
	SetLogger(func(format string, v ...interface{}) {
		got = fmt.Sprintf(format, v...)
	})
	Logf("state %s", "Initialized")
	if got != "state Initialized" {
		t.Errorf("custom logger got %q", got)
	}

	// nil installs a no-op logger
	SetLogger(nil)
	Logf("dropped")
}

func TestDebugfRespectsVerbose(t *testing.T) {
	original := Logf
	defer func() {
		Logf = original
		SetVerbose(false)
	}()

	calls := 0
	SetLogger(func(string, ...interface{}) { calls++ })

	SetVerbose(false)
	Debugf("→ %s", "self")
	if calls != 0 {
		t.Fatalf("Debugf logged while verbose was off")
	}

	SetVerbose(true)
	if !Verbose() {
		t.Fatal("Verbose() = false after SetVerbose(true)")
	}
	Debugf("→ %s", "self")
	if calls != 1 {
		t.Errorf("Debugf calls = %d, want 1", calls)
	}
}
