package date

import (
	"net/http"
	"testing"
	"time"
)

func TestCache_OnHeartbeat(t *testing.T) {
	c := NewCache()
	now := time.Date(2024, time.March, 5, 7, 8, 9, 0, time.UTC)
	c.OnHeartbeat(now)
	if got := c.String(); got != "Tue, 05 Mar 2024 07:08:09 GMT" {
		t.Errorf("Expected IMF-fixdate, got %q", got)
	}
	if _, err := http.ParseTime(c.String()); err != nil {
		t.Errorf("Expected parseable date, got error %v", err)
	}
}

func TestCache_ZeroValue(t *testing.T) {
	var c Cache
	if len(c.Bytes()) != len(http.TimeFormat) {
		t.Errorf("Expected fallback date of %d bytes, got %q", len(http.TimeFormat), c.Bytes())
	}
}
