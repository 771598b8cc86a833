package cli

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"

	"github.com/tasbih-app/tasbih/internal/domain"
)

// parseStatuses parses "active,paused".
func parseStatuses(raw string) ([]domain.GoalStatus, error) {
	if raw == "" {
		return nil, nil
	}
	var out []domain.GoalStatus
	for _, part := range strings.Split(raw, ",") {
		st := domain.GoalStatus(strings.TrimSpace(part))
		if !st.Valid() {
			return nil, fmt.Errorf("unknown status %q (want active, paused or completed)", st)
		}
		out = append(out, st)
	}
	return out, nil
}

func categoryList() string {
	var names []string
	for _, c := range domain.AllCategories() {
		names = append(names, string(c))
	}
	return strings.Join(names, ", ")
}

// dateParser understands English phrases such as "next friday" or
// "in 3 weeks".
var dateParser = func() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}()

// parseUntil reads a goal end date: YYYY-MM-DD first, then natural language
// relative to now. The result is truncated to the day.
func parseUntil(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		r, perr := dateParser.Parse(s, now)
		if perr != nil {
			return time.Time{}, fmt.Errorf("parse date %q: %w", s, perr)
		}
		if r == nil {
			return time.Time{}, fmt.Errorf("could not understand date %q", s)
		}
		t = r.Time
	}
	day := domain.Day(t)
	if day.Before(domain.Day(now)) {
		return time.Time{}, fmt.Errorf("date %q is in the past", s)
	}
	return day, nil
}

// splitAddr parses host:port.
func splitAddr(addr string) (string, int, error) {
	host, rawPort, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(rawPort)
	if err != nil || port < 0 || port > 65535 {
		return "", 0, fmt.Errorf("invalid port in %q", addr)
	}
	return host, port, nil
}
