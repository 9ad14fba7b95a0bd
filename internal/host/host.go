// Package host is the boundary to the external agent host binary. The
// host owns live sessions; selene only reads usage, requests compaction,
// and drives rollover through this gateway.
package host

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/selene-sh/selene/internal/faults"
)

// Gateway shells out to the agent host binary with bounded timeouts.
type Gateway struct {
	Binary      string
	RolloverCmd string // optional override for the rollover subcommand
	Timeout     time.Duration
}

// New returns a Gateway for the configured host binary.
func New(binary, rolloverCmd string, timeout time.Duration) *Gateway {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Gateway{Binary: binary, RolloverCmd: rolloverCmd, Timeout: timeout}
}

func (g *Gateway) run(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, g.Binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("host: %s %s: %s: %w (%w)",
			g.Binary, strings.Join(args, " "), strings.TrimSpace(stderr.String()), err, faults.ErrUnavailable)
	}
	return stdout.String(), nil
}

// SessionInfo is the host's description of one session.
type SessionInfo struct {
	ID         string
	UsedTokens uint64
	MaxTokens  uint64
	UpdatedAt  int64
}

// CurrentSession returns the newest session with its token usage.
func (g *Gateway) CurrentSession(ctx context.Context) (SessionInfo, error) {
	out, err := g.run(ctx, "sessions", "current", "--json")
	if err != nil {
		return SessionInfo{}, err
	}
	info, err := parseSession([]byte(out))
	if err != nil {
		return SessionInfo{}, fmt.Errorf("host: sessions current: %w (%w)", err, faults.ErrContractViolation)
	}
	return info, nil
}

// Compact asks the host to compact the live session in place. The host
// owns the compaction algorithm; selene only sequences it after an
// archive exists.
func (g *Gateway) Compact(ctx context.Context, sessionID string) (string, error) {
	out, err := g.run(ctx, "sessions", "compact", sessionID)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// CreateSession asks the host for a fresh session and returns its ID.
func (g *Gateway) CreateSession(ctx context.Context) (string, error) {
	args := []string{"sessions", "new", "--json"}
	if g.RolloverCmd != "" {
		args = strings.Fields(g.RolloverCmd)
	}
	out, err := g.run(ctx, args...)
	if err != nil {
		return "", err
	}

	var payload struct {
		SessionID string `json:"sessionId"`
		ID        string `json:"id"`
	}
	if err := json.Unmarshal([]byte(out), &payload); err != nil {
		// Some hosts print the bare ID.
		id := strings.TrimSpace(out)
		if id != "" && !strings.ContainsAny(id, " \n{") {
			return id, nil
		}
		return "", fmt.Errorf("host: sessions new output: %w (%w)", err, faults.ErrContractViolation)
	}
	if payload.SessionID != "" {
		return payload.SessionID, nil
	}
	if payload.ID != "" {
		return payload.ID, nil
	}
	return "", fmt.Errorf("host: sessions new returned no id (%w)", faults.ErrContractViolation)
}

// InjectContext feeds block to the session as leading context.
func (g *Gateway) InjectContext(ctx context.Context, sessionID, block string) error {
	cctx, cancel := context.WithTimeout(ctx, g.Timeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, g.Binary, "sessions", "inject", sessionID)
	cmd.Stdin = strings.NewReader(block)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("host: inject into %s: %s: %w (%w)",
			sessionID, strings.TrimSpace(stderr.String()), err, faults.ErrUnavailable)
	}
	return nil
}

// parseSession tolerates the payload shapes different host versions emit:
// a single session object, or a {"sessions": [...]} list where the most
// recently updated entry wins.
func parseSession(raw []byte) (SessionInfo, error) {
	var root map[string]json.RawMessage
	if err := json.Unmarshal(raw, &root); err != nil {
		return SessionInfo{}, fmt.Errorf("invalid session JSON: %w", err)
	}

	if list, ok := root["sessions"]; ok {
		var entries []map[string]json.RawMessage
		if err := json.Unmarshal(list, &entries); err != nil {
			return SessionInfo{}, fmt.Errorf("invalid sessions array: %w", err)
		}
		var best SessionInfo
		found := false
		for _, entry := range entries {
			info, ok := sessionFromFields(entry)
			if !ok {
				continue
			}
			if !found || info.UpdatedAt > best.UpdatedAt {
				best = info
				found = true
			}
		}
		if !found {
			return SessionInfo{}, fmt.Errorf("sessions payload missing token fields")
		}
		return best, nil
	}

	info, ok := sessionFromFields(root)
	if !ok {
		return SessionInfo{}, fmt.Errorf("session payload missing token fields")
	}
	return info, nil
}

func sessionFromFields(entry map[string]json.RawMessage) (SessionInfo, bool) {
	info := SessionInfo{MaxTokens: 200000}

	for _, key := range []string{"key", "sessionId", "id"} {
		var s string
		if raw, ok := entry[key]; ok && json.Unmarshal(raw, &s) == nil && s != "" {
			info.ID = s
			break
		}
	}
	if info.ID == "" {
		info.ID = "current"
	}

	used, ok := firstUint(entry, [][]string{
		{"totalTokens"}, {"inputTokens"},
		{"usage", "totalTokens"}, {"usage", "inputTokens"},
		{"context", "usedTokens"}, {"usedTokens"},
	})
	if !ok {
		return SessionInfo{}, false
	}
	info.UsedTokens = used

	if max, ok := firstUint(entry, [][]string{
		{"contextTokens"}, {"maxTokens"},
		{"limits", "maxTokens"}, {"context", "maxTokens"},
	}); ok && max > 0 {
		info.MaxTokens = max
	}

	if at, ok := firstUint(entry, [][]string{{"updatedAt"}}); ok {
		info.UpdatedAt = int64(at)
	}
	return info, true
}

// firstUint walks each field path in order and returns the first uint
// found. Hosts disagree about where token counts live.
func firstUint(entry map[string]json.RawMessage, paths [][]string) (uint64, bool) {
	for _, path := range paths {
		cursor := entry
		var raw json.RawMessage
		ok := true
		for i, part := range path {
			val, exists := cursor[part]
			if !exists {
				ok = false
				break
			}
			if i == len(path)-1 {
				raw = val
				break
			}
			var next map[string]json.RawMessage
			if json.Unmarshal(val, &next) != nil {
				ok = false
				break
			}
			cursor = next
		}
		if !ok || raw == nil {
			continue
		}
		var n uint64
		if json.Unmarshal(raw, &n) == nil {
			return n, true
		}
	}
	return 0, false
}
