package cli

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/tasbih-app/tasbih/internal/domain"
	"github.com/tasbih-app/tasbih/internal/infra/observability"
)

func TestParseUntil(t *testing.T) {
	now := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)

	tests := []struct {
		input string
		want  time.Time
	}{
		{"2026-12-31", time.Date(2026, 12, 31, 0, 0, 0, 0, time.UTC)},
		{"tomorrow", time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC)},
		{"in 2 weeks", time.Date(2026, 3, 24, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := parseUntil(tt.input, now)
			if err != nil {
				t.Fatalf("parseUntil(%q) error: %v", tt.input, err)
			}
			if !got.Equal(tt.want) {
				t.Errorf("parseUntil(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestParseUntil_Invalid(t *testing.T) {
	now := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)
	for _, input := range []string{"banana", "2020-01-01"} {
		if _, err := parseUntil(input, now); err == nil {
			t.Errorf("parseUntil(%q) should fail", input)
		}
	}
}

func TestParseStatuses(t *testing.T) {
	got, err := parseStatuses("active, paused")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0] != domain.GoalActive || got[1] != domain.GoalPaused {
		t.Errorf("parseStatuses() = %v", got)
	}
	if got, _ := parseStatuses(""); got != nil {
		t.Errorf("empty input = %v, want nil", got)
	}
	if _, err := parseStatuses("done"); err == nil {
		t.Error("unknown status should fail")
	}
}

func TestSplitAddr(t *testing.T) {
	host, port, err := splitAddr("0.0.0.0:9000")
	if err != nil || host != "0.0.0.0" || port != 9000 {
		t.Errorf("splitAddr() = %q, %d, %v", host, port, err)
	}
	for _, bad := range []string{"9000", "host:port", "h:70000"} {
		if _, _, err := splitAddr(bad); err == nil {
			t.Errorf("splitAddr(%q) should fail", bad)
		}
	}
}

func TestProgressBar(t *testing.T) {
	tests := []struct {
		current, target int64
		full            int
	}{
		{0, 33, 0},
		{11, 33, 3},
		{33, 33, 10},
		{50, 33, 10},
	}
	for _, tt := range tests {
		bar := progressBar(domain.Goal{CurrentValue: tt.current, TargetValue: tt.target}, 10)
		if got := strings.Count(bar, "█"); got != tt.full {
			t.Errorf("%d/%d: %d full cells, want %d (%s)", tt.current, tt.target, got, tt.full, bar)
		}
		if got := strings.Count(bar, "█") + strings.Count(bar, "░"); got != 10 {
			t.Errorf("%d/%d: bar width %d, want 10", tt.current, tt.target, got)
		}
	}
}

func TestRenderStreaks_DecaysToToday(t *testing.T) {
	last := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	d := domain.DerivedState{Streaks: []domain.Streak{
		{Scope: domain.ScopeAll, CurrentDays: 5, LongestDays: 5, LastDate: last},
	}}

	if out := renderStreaks(d, last.AddDate(0, 0, 1)); !strings.Contains(out, "  5 day(s)") {
		t.Errorf("streak alive through the next day, got:\n%s", out)
	}
	out := renderStreaks(d, last.AddDate(0, 0, 3))
	if !strings.Contains(out, "  0 day(s)") || !strings.Contains(out, "longest 5") {
		t.Errorf("broken streak should read 0 and keep longest 5, got:\n%s", out)
	}
}

func TestLastDrainTime(t *testing.T) {
	tr := observability.NewTracer(observability.DefaultTracerConfig())
	if got := lastDrainTime(tr); got != "" {
		t.Errorf("no spans: got %q, want empty", got)
	}
	_, span := tr.StartSpan(context.Background(), "sync.drain", nil)
	tr.EndSpan(span, nil)
	if got := lastDrainTime(tr); !strings.HasPrefix(got, " in ") {
		t.Errorf("lastDrainTime() = %q, want a duration", got)
	}
}
