package analyzer

import (
	"regexp"
	"strings"

	"github.com/ibeckermayer/sigcrawl/internal/types"
)

// AssetGroup is the set of posts that mention one asset.
type AssetGroup struct {
	Asset types.KnownAsset
	Posts []types.Post
}

type assetMatcher struct {
	cashtag *regexp.Regexp
	token   *regexp.Regexp
	name    *regexp.Regexp
	address string
}

func newAssetMatcher(a types.KnownAsset) assetMatcher {
	var m assetMatcher
	if sym := strings.TrimSpace(a.Symbol); sym != "" {
		quoted := regexp.QuoteMeta(strings.ToUpper(sym))
		m.cashtag = regexp.MustCompile(`(?i)\$` + quoted + `\b`)
		m.token = regexp.MustCompile(`\b` + quoted + `\b`)
	}
	if name := strings.TrimSpace(a.Name); name != "" {
		m.name = regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(name) + `\b`)
	}
	m.address = strings.ToLower(strings.TrimSpace(a.Address))
	return m
}

func (m assetMatcher) matches(text string) bool {
	switch {
	case m.cashtag != nil && m.cashtag.MatchString(text):
		return true
	case m.token != nil && m.token.MatchString(text):
		return true
	case m.name != nil && m.name.MatchString(text):
		return true
	case m.address != "" && strings.Contains(strings.ToLower(text), m.address):
		return true
	}
	return false
}

// GroupByAsset maps each post to every whitelisted asset it mentions. Groups
// keep whitelist order; assets nobody mentions are left out, as are posts that
// mention no asset.
func GroupByAsset(posts []types.Post, assets []types.KnownAsset) []AssetGroup {
	var groups []AssetGroup
	seenAsset := make(map[string]bool)

	for _, asset := range assets {
		key := asset.Key()
		if seenAsset[key] {
			continue
		}
		seenAsset[key] = true

		m := newAssetMatcher(asset)
		seenPost := make(map[string]bool)
		var matched []types.Post
		for _, p := range posts {
			if seenPost[p.Permalink] || !m.matches(p.Text) {
				continue
			}
			seenPost[p.Permalink] = true
			matched = append(matched, p)
		}
		if len(matched) > 0 {
			groups = append(groups, AssetGroup{Asset: asset, Posts: matched})
		}
	}

	return groups
}
