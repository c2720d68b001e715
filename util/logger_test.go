package util

import (
	"bytes"
	"strings"
	"sync"
	"testing"
)

func TestLogger_Levels(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(1) // normal
	l.SetOutput(&buf)

	l.Info("info %d", 1)
	l.Warn("warn")
	l.Verbose("hidden verbose")
	l.Debug("hidden debug")
	l.Error("err")

	out := buf.String()
	for _, want := range []string{"[INF] info 1", "[WRN] warn", "[ERR] err"} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in output:\n%s", want, out)
		}
	}
	for _, absent := range []string{"hidden verbose", "hidden debug"} {
		if strings.Contains(out, absent) {
			t.Errorf("unexpected %q in output at normal verbosity", absent)
		}
	}
}

func TestLogger_Quiet(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(0)
	l.SetOutput(&buf)

	l.Info("silent")
	if buf.Len() != 0 {
		t.Errorf("quiet logger wrote: %q", buf.String())
	}

	l.Error("still shown")
	if !strings.Contains(buf.String(), "still shown") {
		t.Error("errors must print even at quiet level")
	}
}

func TestLogger_Timestamps(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(1)
	l.SetOutput(&buf)
	l.SetTimestamps(true)

	l.Info("stamped")
	// "15:04:05.000 [INF] stamped" — first field is the clock.
	fields := strings.Fields(buf.String())
	if len(fields) < 3 || !strings.Contains(fields[0], ":") {
		t.Errorf("expected timestamp prefix, got %q", buf.String())
	}
}

func TestLogger_ConcurrentWrites(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(3)
	l.SetOutput(&buf)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			l.Debug("goroutine %d", n)
		}(i)
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 20 {
		t.Errorf("expected 20 lines, got %d", len(lines))
	}
}
