package host

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/selene-sh/selene/internal/faults"
)

func TestParseSessionSingleObject(t *testing.T) {
	raw := []byte(`{"sessionId":"s-1","totalTokens":120000,"contextTokens":200000,"updatedAt":1756300000}`)
	info, err := parseSession(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if info.ID != "s-1" || info.UsedTokens != 120000 || info.MaxTokens != 200000 {
		t.Errorf("info = %+v", info)
	}
}

func TestParseSessionListPicksNewest(t *testing.T) {
	raw := []byte(`{"sessions":[
		{"key":"old","totalTokens":10,"updatedAt":100},
		{"key":"new","totalTokens":20,"updatedAt":200}
	]}`)
	info, err := parseSession(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if info.ID != "new" || info.UsedTokens != 20 {
		t.Errorf("info = %+v, want the most recently updated entry", info)
	}
}

func TestParseSessionFieldAliases(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		used uint64
		max  uint64
	}{
		{"nested usage", `{"id":"s","usage":{"inputTokens":500}}`, 500, 200000},
		{"context block", `{"id":"s","context":{"usedTokens":7,"maxTokens":1000}}`, 7, 1000},
		{"limits block", `{"id":"s","usedTokens":3,"limits":{"maxTokens":50}}`, 3, 50},
	}
	for _, tt := range tests {
		info, err := parseSession([]byte(tt.raw))
		if err != nil {
			t.Errorf("%s: %v", tt.name, err)
			continue
		}
		if info.UsedTokens != tt.used || info.MaxTokens != tt.max {
			t.Errorf("%s: got used=%d max=%d, want used=%d max=%d",
				tt.name, info.UsedTokens, info.MaxTokens, tt.used, tt.max)
		}
	}
}

func TestParseSessionMissingTokens(t *testing.T) {
	if _, err := parseSession([]byte(`{"id":"s"}`)); err == nil {
		t.Fatal("payload without token fields should fail")
	}
	if _, err := parseSession([]byte(`not json`)); err == nil {
		t.Fatal("non-JSON payload should fail")
	}
	if _, err := parseSession([]byte(`{"sessions":[{"id":"s"}]}`)); err == nil {
		t.Fatal("list without token fields should fail")
	}
}

func TestCurrentSessionMissingBinary(t *testing.T) {
	g := New(filepath.Join(t.TempDir(), "no-such-binary"), "", time.Second)
	_, err := g.CurrentSession(context.Background())
	if err == nil {
		t.Fatal("missing binary should fail")
	}
	if !faults.Unavailable(err) {
		t.Errorf("error %v lacks the unavailable sentinel", err)
	}
}

func TestNewDefaultsTimeout(t *testing.T) {
	g := New("agentctl", "", 0)
	if g.Timeout <= 0 {
		t.Error("zero timeout not defaulted")
	}
}
