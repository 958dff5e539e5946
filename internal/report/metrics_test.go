package report

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecorderCountsLaunchesAndSage(t *testing.T) {
	r := New("forge")
	r.Launch()
	r.Launch()
	if got := testutil.ToFloat64(r.launches); got != 2 {
		t.Fatalf("expected 2 launches, got %v", got)
	}
	r.SageBuild(true)
	if got := testutil.ToFloat64(r.sageBuild); got != 1 {
		t.Fatalf("expected sage gauge 1, got %v", got)
	}
	r.SageBuild(false)
	if got := testutil.ToFloat64(r.sageBuild); got != 0 {
		t.Fatalf("expected sage gauge 0, got %v", got)
	}
}

func TestRecorderStepAndCache(t *testing.T) {
	r := New("wan2gp")
	done := r.Step("env")
	done()
	if n := testutil.CollectAndCount(r.stepDuration); n != 1 {
		t.Fatalf("expected one step series, got %d", n)
	}
	r.CacheSize("/scratch/tmp", 2048)
	if got := testutil.ToFloat64(r.cacheBytes.WithLabelValues("/scratch/tmp")); got != 2048 {
		t.Fatalf("cache bytes: got %v", got)
	}
}

func TestWriteFile(t *testing.T) {
	r := New("swarmui")
	r.Launch()
	path := filepath.Join(t.TempDir(), "mllaunch.prom")
	if err := r.WriteFile(path); err != nil {
		t.Fatalf("write: %v", err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	text := string(b)
	for _, want := range []string{`mllaunch_launches_total{variant="swarmui"} 1`, "mllaunch_last_run_timestamp_seconds"} {
		if !strings.Contains(text, want) {
			t.Fatalf("missing %q in:\n%s", want, text)
		}
	}
	if err := r.WriteFile(""); err != nil {
		t.Fatalf("empty path should be a no-op: %v", err)
	}
}
