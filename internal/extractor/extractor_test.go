package extractor

import (
	"net"
	"strings"
	"testing"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/use-agent/watcher/internal/model"
)

func TestNormalizeTrimsAndCollapsesWhitespace(t *testing.T) {
	got := normalize("  hello   world  \n\t", model.Normalization{})
	assert.Equal(t, "hello world", got)
}

func TestNormalizeLowercase(t *testing.T) {
	got := normalize("Hello WORLD", model.Normalization{Lowercase: true})
	assert.Equal(t, "hello world", got)
}

func TestNormalizeNumericCast(t *testing.T) {
	got := normalize("$ 19.990", model.Normalization{NumericCast: true})
	// Non-numeric prefix means ParseFloat fails; the post-whitespace string
	// is kept verbatim rather than erroring.
	assert.Equal(t, "$ 19.990", got)
}

func TestNormalizeNumericCastValid(t *testing.T) {
	got := normalize("19.990", model.Normalization{NumericCast: true})
	assert.Equal(t, "19.99", got)
}

func TestResolveCSSFirstMatchWins(t *testing.T) {
	html := `<html><body><span class="price">$10</span><span class="price">$20</span></body></html>`
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	require.NoError(t, err)

	val, found := resolveCSS(doc, ".price")
	assert.True(t, found)
	assert.Equal(t, "$10", val)
}

func TestResolveCSSNoMatch(t *testing.T) {
	html := `<html><body><span class="price">$10</span></body></html>`
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	require.NoError(t, err)

	_, found := resolveCSS(doc, ".missing")
	assert.False(t, found)
}

func TestTruncateLeavesSmallHTMLAlone(t *testing.T) {
	html := "<html></html>"
	assert.Equal(t, html, truncate(html, 10<<20))
}

func TestTruncateCutsOversizedHTML(t *testing.T) {
	html := "0123456789"
	assert.Equal(t, "01234", truncate(html, 5))
}

func TestIsPrivateOrReservedBlocksLoopback(t *testing.T) {
	assert.True(t, isPrivateOrReserved(net.ParseIP("127.0.0.1")))
}

func TestIsPrivateOrReservedBlocksRFC1918(t *testing.T) {
	assert.True(t, isPrivateOrReserved(net.ParseIP("10.0.0.5")))
	assert.True(t, isPrivateOrReserved(net.ParseIP("192.168.1.1")))
	assert.True(t, isPrivateOrReserved(net.ParseIP("172.16.5.5")))
}

func TestIsPrivateOrReservedBlocksMetadataEndpoint(t *testing.T) {
	assert.True(t, isPrivateOrReserved(net.ParseIP("169.254.169.254")))
}

func TestIsPrivateOrReservedAllowsPublicIP(t *testing.T) {
	assert.False(t, isPrivateOrReserved(net.ParseIP("8.8.8.8")))
}

func TestCheckNotPrivateRejectsNonHTTPScheme(t *testing.T) {
	err := checkNotPrivate("ftp://example.com/file")
	assert.Error(t, err)
}

func TestKeySpecLocatorKindDispatch(t *testing.T) {
	css := model.KeySpec{Locator: ".price"}
	xpath := model.KeySpec{Locator: "//div[@class='price']"}
	assert.Equal(t, model.LocatorCSS, css.LocatorKind())
	assert.Equal(t, model.LocatorXPath, xpath.LocatorKind())
}
