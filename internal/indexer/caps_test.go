package indexer

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleCaps = `<?xml version="1.0" encoding="UTF-8"?>
<caps>
	<searching>
		<search available="yes" supportedParams="q"/>
		<tv-search available="yes" supportedParams="q,season,ep"/>
		<movie-search available="no" supportedParams="q,imdbid"/>
	</searching>
	<categories>
		<category id="2000" name="Movies">
			<subcat id="2040" name="Movies/HD"/>
		</category>
		<category id="5000" name="TV"/>
	</categories>
</caps>`

func TestParseCaps(t *testing.T) {
	caps, err := parseCaps(strings.NewReader(sampleCaps))
	require.NoError(t, err)

	assert.True(t, caps.Supports("search"))
	assert.True(t, caps.Supports("tv-search"))
	assert.False(t, caps.Supports("movie-search"))

	assert.True(t, caps.SupportsParam("tv-search", "season"))
	assert.True(t, caps.SupportsParam("tv-search", "ep"))
	assert.False(t, caps.SupportsParam("search", "season"))

	require.Len(t, caps.Categories, 3)
	assert.Equal(t, Category{ID: 2000, Name: "Movies"}, caps.Categories[0])
	assert.Equal(t, Category{ID: 2040, Name: "Movies/HD", Parent: 2000}, caps.Categories[1])
	assert.Equal(t, Category{ID: 5000, Name: "TV"}, caps.Categories[2])
}

func TestParseCapsMalformed(t *testing.T) {
	_, err := parseCaps(strings.NewReader("<not-caps"))
	require.Error(t, err)
}
