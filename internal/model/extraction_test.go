package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseHTMLSource(t *testing.T) {
	for _, s := range []HTMLSource{Browser, Curl, CommonCrawl} {
		parsed, err := ParseHTMLSource(s.String())
		require.NoError(t, err)
		assert.Equal(t, s, parsed)
	}

	parsed, err := ParseHTMLSource("")
	require.NoError(t, err)
	assert.Equal(t, Browser, parsed)

	_, err = ParseHTMLSource("supplied")
	assert.Error(t, err)
}
