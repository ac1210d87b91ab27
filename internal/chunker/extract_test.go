package chunker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractText(t *testing.T) {
	html := `<html><head><title> Page Title </title><style>p{}</style></head>
<body>
<nav>Home | About</nav>
<h1>Heading</h1>
<p>First paragraph<br>continues.</p>
<script>var x = 1;</script>
<ul><li>one</li><li>two</li></ul>
<footer>copyright</footer>
</body></html>`

	page, err := ExtractText(html)
	require.NoError(t, err)

	assert.Equal(t, "Page Title", page.Title)
	assert.Equal(t, "Heading\n\nFirst paragraph continues.\n\none\n\ntwo", page.Text)
}

func TestExtractTextPrefersArticle(t *testing.T) {
	html := `<html><body><div>sidebar</div><article><p>Body text.</p></article></body></html>`

	page, err := ExtractText(html)
	require.NoError(t, err)
	assert.Equal(t, "Body text.", page.Text)
	assert.Equal(t, "", page.Title)
}
