package usage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	tiktoken "github.com/pkoukk/tiktoken-go"

	"github.com/selene-sh/selene/internal/archive"
	"github.com/selene-sh/selene/internal/host"
)

// HostProvider asks the agent host for the current session's usage.
type HostProvider struct {
	Gateway *host.Gateway
}

func (p *HostProvider) Name() Source { return SourceHost }

func (p *HostProvider) Collect(ctx context.Context) (Snapshot, error) {
	info, err := p.Gateway.CurrentSession(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{
		SessionID:  info.ID,
		UsedTokens: info.UsedTokens,
		MaxTokens:  info.MaxTokens,
		Ratio:      ratio(info.UsedTokens, info.MaxTokens),
		CapturedAt: time.Now(),
		Source:     SourceHost,
	}, nil
}

// EstimateProvider approximates usage by token-counting the newest
// session file against a configured context window. cl100k_base is a
// close enough encoding for every provider the host may run.
type EstimateProvider struct {
	SessionsDir string
	MaxTokens   uint64

	enc *tiktoken.Tiktoken
}

func (p *EstimateProvider) Name() Source { return SourceEstimate }

func (p *EstimateProvider) Collect(_ context.Context) (Snapshot, error) {
	path, err := archive.LatestSessionFile(p.SessionsDir)
	if err != nil {
		return Snapshot{}, fmt.Errorf("usage: locate session file: %w", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return Snapshot{}, fmt.Errorf("usage: read %s: %w", path, err)
	}

	if p.enc == nil {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return Snapshot{}, fmt.Errorf("usage: get encoding: %w", err)
		}
		p.enc = enc
	}

	used := uint64(len(p.enc.Encode(string(raw), nil, nil)))
	max := p.MaxTokens
	if max == 0 {
		max = 200000
	}

	return Snapshot{
		SessionID:  sessionIDFromPath(path),
		UsedTokens: used,
		MaxTokens:  max,
		Ratio:      ratio(used, max),
		CapturedAt: time.Now(),
		Source:     SourceEstimate,
	}, nil
}

func sessionIDFromPath(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// Chain tries the primary provider and falls back to the secondary when
// the primary is unavailable. The snapshot records which source served.
type Chain struct {
	Primary  Provider
	Fallback Provider
}

func (c *Chain) Name() Source { return c.Primary.Name() }

func (c *Chain) Collect(ctx context.Context) (Snapshot, error) {
	snap, err := c.Primary.Collect(ctx)
	if err == nil {
		return snap, nil
	}
	if c.Fallback == nil {
		return Snapshot{}, err
	}
	snap, fbErr := c.Fallback.Collect(ctx)
	if fbErr != nil {
		return Snapshot{}, fmt.Errorf("usage: primary: %v; fallback: %w", err, fbErr)
	}
	return snap, nil
}
