package urlrewrite_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oaeproject/activity-core/pkg/messagebox/urlrewrite"
)

func knownHosts(hosts ...string) urlrewrite.HostMatcher {
	return urlrewrite.NewKnownHostSet(hosts...).Matches
}

func TestUnknownHostsAreLeftIntact(t *testing.T) {
	body := "see http://unknown.example/x for details"
	got := urlrewrite.Rewrite(body, knownHosts("tenant.example"))
	require.Equal(t, body, got)
}

func TestBareURLIsWrappedAsMarkdownLink(t *testing.T) {
	body := "see http://tenant.example/x for details"
	got := urlrewrite.Rewrite(body, knownHosts("tenant.example"))
	require.Equal(t, "see [/x](/x) for details", got)
}

func TestURLInsideInlineCodeSpanIsLeftUnchanged(t *testing.T) {
	body := "`http://tenant.example/x` and http://tenant.example/y"
	got := urlrewrite.Rewrite(body, knownHosts("tenant.example"))
	require.Equal(t, "`http://tenant.example/x` and [/y](/y)", got)
}

func TestURLInsideFencedCodeBlockIsLeftUnchanged(t *testing.T) {
	body := "```\nhttp://tenant.example/x\n```\n"
	got := urlrewrite.Rewrite(body, knownHosts("tenant.example"))
	require.Equal(t, body, got)
}

func TestURLInsideIndentedCodeBlockIsLeftUnchanged(t *testing.T) {
	body := "intro\n\n    http://tenant.example/x\n"
	got := urlrewrite.Rewrite(body, knownHosts("tenant.example"))
	require.Equal(t, body, got)
}

func TestURLInTitlePositionRewritesToPathOnly(t *testing.T) {
	body := "[http://tenant.example/x] click"
	got := urlrewrite.Rewrite(body, knownHosts("tenant.example"))
	require.Equal(t, "[/x] click", got)
}

func TestURLInTargetPositionRewritesToPathOnly(t *testing.T) {
	body := "see (http://tenant.example/x) now"
	got := urlrewrite.Rewrite(body, knownHosts("tenant.example"))
	require.Equal(t, "see (/x) now", got)
}

func TestRewriteIsIdempotent(t *testing.T) {
	body := "see http://tenant.example/x for details"
	once := urlrewrite.Rewrite(body, knownHosts("tenant.example"))
	twice := urlrewrite.Rewrite(once, knownHosts("tenant.example"))
	require.Equal(t, once, twice)
}

func TestEmptyBodyReturnsEmpty(t *testing.T) {
	require.Equal(t, "", urlrewrite.Rewrite("", knownHosts("tenant.example")))
}

func TestNoMatcherLeavesBodyUnchanged(t *testing.T) {
	body := "see http://tenant.example/x"
	require.Equal(t, body, urlrewrite.Rewrite(body, nil))
}
