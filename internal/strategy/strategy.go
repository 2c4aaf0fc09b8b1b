// Package strategy implements the independent extraction methods a target
// crawl can fall back across. Every executor conforms to the same
// fetch-records contract and runs its network access under the per-origin
// policy registry.
package strategy

import (
	"context"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/jobsift/harvester/internal/fetchkit"
	"github.com/jobsift/harvester/internal/harvest"
	"github.com/jobsift/harvester/internal/policy"
)

// Strategy is one extraction method.
type Strategy interface {
	Kind() harvest.StrategyKind
	Fetch(ctx context.Context, target *harvest.Target) ([]harvest.NormalizedRecord, error)
}

// Env bundles the collaborators every executor shares.
type Env struct {
	Client   *fetchkit.Client
	Policies *policy.Registry
	Archiver harvest.Archiver
	Logger   *zap.Logger
}

// Get fetches rawURL under the policy guarding its origin and archives the
// body against the target for diagnostics (best effort).
func (e *Env) Get(ctx context.Context, target *harvest.Target, rawURL string) (*fetchkit.Response, error) {
	origin, err := harvest.OriginOf(rawURL)
	if err != nil {
		origin = target.Origin()
	}
	var resp *fetchkit.Response
	runErr := e.Policies.ForOrigin(origin).Run(ctx, func(ctx context.Context) error {
		r, err := e.Client.Get(ctx, rawURL)
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	if runErr != nil {
		return nil, runErr
	}
	e.archive(ctx, target, resp.Body)
	return resp, nil
}

func (e *Env) archive(ctx context.Context, target *harvest.Target, body []byte) {
	if e.Archiver == nil || len(body) == 0 {
		return
	}
	if _, err := e.Archiver.Save(ctx, target.ID, body); err != nil {
		e.Logger.Debug("snapshot archive failed",
			zap.String("target", target.ID), zap.Error(err))
	}
}

// resolveURL resolves href against base, returning "" for unusable links.
func resolveURL(base, href string) string {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "javascript:") || strings.HasPrefix(href, "#") {
		return ""
	}
	baseURL, err := url.Parse(base)
	if err != nil {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	resolved := baseURL.ResolveReference(ref)
	if resolved.Scheme != "http" && resolved.Scheme != "https" {
		return ""
	}
	resolved.Fragment = ""
	return resolved.String()
}
