package detector

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/autopublisher/internal/fetcher"
)

func TestHeuristic_ShouldPromote_EmptyBody(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(100, 0)
	resp := fetcher.Page{
		StatusCode: 200,
		Body:       []byte(""),
	}
	require.True(t, h.ShouldPromote(resp))
}

func TestHeuristic_ShouldPromote_SPAMarkers(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(100, 0)
	resp := fetcher.Page{
		StatusCode: 200,
		Body:       []byte(`<div id="__next"></div>`),
	}
	require.True(t, h.ShouldPromote(resp))
}

func TestHeuristic_ShouldPromote_ScriptDensity(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(1000, 0)
	resp := fetcher.Page{
		StatusCode: 200,
		Body:       []byte(`<html><script>var a=1;</script><p>t</p></html>`),
	}
	require.True(t, h.ShouldPromote(resp))
}

func TestHeuristic_ShouldPromote_DisabledForNon200(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(100, 0)
	resp := fetcher.Page{
		StatusCode: 404,
		Body:       []byte("not found"),
	}
	require.False(t, h.ShouldPromote(resp))
}

func TestHeuristic_ShouldPromote_NoscriptNotice(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(10, 0)
	page := fetcher.Page{
		StatusCode: 200,
		Body:       []byte(`<html><body><p>Please Enable JavaScript to view this quote.</p><p>` + strings.Repeat("x", 200) + `</p></body></html>`),
	}
	require.True(t, h.ShouldPromote(page))
}

func TestHeuristic_ShouldPromote_ThinText(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(10, 50)
	thin := fetcher.Page{
		StatusCode: 200,
		Body:       []byte(`<html><head><style>body{color:red}</style></head><body><div>Loading</div></body></html>`),
	}
	require.True(t, h.ShouldPromote(thin))

	rich := fetcher.Page{
		StatusCode: 200,
		Body:       []byte(`<html><body><article>` + strings.Repeat("Shares rose on earnings. ", 10) + `</article></body></html>`),
	}
	require.False(t, h.ShouldPromote(rich))
}

func TestVisibleTextLenSkipsScripts(t *testing.T) {
	t.Parallel()

	require.Equal(t, 2, visibleTextLen([]byte(`<p>a</p><script>var x = 1;</script><p> b </p>`)))
}

func TestVisibleTextLenIgnoresHiddenBlocks(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		html string
		want int
	}{
		{name: "style and noscript", html: `<style>p{color:red}</style><noscript>enable it</noscript><p>ok</p>`, want: 2},
		{name: "attributes are not text", html: `<a href="https://example.com/long/path" title="tip">go</a>`, want: 2},
		{name: "entities decode", html: `<p>AT&amp;T</p>`, want: 4},
		{name: "multibyte runes count once", html: `<p>café 株価</p>`, want: 6},
		{name: "uppercase tags", html: `<P>x</P><SCRIPT>alert(1)</SCRIPT>`, want: 1},
		{name: "empty", html: ``, want: 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, visibleTextLen([]byte(tc.html)))
		})
	}
}
