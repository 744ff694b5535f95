package partition

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddTokenNewToken(t *testing.T) {
	p := New()
	p.AddToken("here", "doc1", 1, 1, []int{0})

	require.Equal(t, 1, p.Size())
	entry, ok := p.Entry("here")
	require.True(t, ok)
	assert.Equal(t, 1, entry.NgramSize)
	require.Len(t, entry.DocumentOccurrences, 1)
	assert.Equal(t, []Version{{WriteLockNo: 1, Locations: []int{0}}}, entry.DocumentOccurrences[0].Versions)
	assert.Equal(t, "here", p.StartToken())
	assert.Equal(t, "here", p.EndToken())
}

func TestAddTokenBounds(t *testing.T) {
	p := New()
	p.AddToken("m", "doc1", 1, 1, nil)
	p.AddToken("c", "doc1", 1, 1, nil)
	p.AddToken("x", "doc1", 1, 1, nil)
	p.AddToken("d", "doc1", 1, 1, nil)

	assert.Equal(t, "c", p.StartToken())
	assert.Equal(t, "x", p.EndToken())
	assert.Equal(t, []string{"c", "d", "m", "x"}, p.Tokens())
}

func TestAddTokenSecondDocument(t *testing.T) {
	p := New()
	p.AddToken("the", "a", 1, 1, []int{0})
	p.AddToken("the", "b", 1, 1, []int{3})

	assert.Equal(t, 1, p.Size())
	entry, _ := p.Entry("the")
	require.Len(t, entry.DocumentOccurrences, 2)
	assert.Equal(t, "b", entry.DocumentOccurrences[1].DocumentID)
}

func TestAddTokenKeepsTwoVersions(t *testing.T) {
	p := New()
	p.AddToken("here", "doc1", 1, 1, []int{0})
	p.AddToken("here", "doc1", 2, 1, []int{5})
	p.AddToken("here", "doc1", 3, 1, []int{7, 9})

	entry, _ := p.Entry("here")
	require.Len(t, entry.DocumentOccurrences, 1)
	assert.Equal(t, []Version{
		{WriteLockNo: 3, Locations: []int{7, 9}},
		{WriteLockNo: 2, Locations: []int{5}},
	}, entry.DocumentOccurrences[0].Versions)
	assert.Equal(t, 1, p.Size())
}

func TestTokenCount(t *testing.T) {
	p := New()
	p.AddToken("the", "a", 1, 1, []int{9})
	p.AddToken("the", "a", 2, 1, []int{0, 4})
	p.AddToken("the", "b", 1, 1, []int{2})
	p.AddToken("new york", "a", 1, 2, []int{1})

	count, ok := p.TokenCount("the")
	require.True(t, ok)
	assert.Equal(t, 3, count)

	count, ok = p.TokenCount("new york")
	assert.False(t, ok)
	assert.Equal(t, NotApplicable, count)

	count, ok = p.TokenCount("missing")
	assert.False(t, ok)
	assert.Equal(t, NotApplicable, count)
}

func TestEntryIsACopy(t *testing.T) {
	p := New()
	p.AddToken("be", "doc1", 1, 1, []int{1})
	entry, _ := p.Entry("be")
	entry.DocumentOccurrences[0].Versions[0].Locations[0] = 42

	again, _ := p.Entry("be")
	assert.Equal(t, 1, again.DocumentOccurrences[0].Versions[0].Locations[0])
}

func TestAddTokenCopiesLocations(t *testing.T) {
	locs := []int{1, 2}
	p := New()
	p.AddToken("be", "doc1", 1, 1, locs)
	locs[0] = 99

	entry, _ := p.Entry("be")
	assert.Equal(t, []int{1, 2}, entry.DocumentOccurrences[0].Versions[0].Locations)
}

func TestAddTokenReplaySameLockNo(t *testing.T) {
	p := New()
	p.AddToken("here", "doc1", 1, 1, []int{0})
	p.AddToken("here", "doc1", 2, 1, []int{5})
	p.AddToken("here", "doc1", 2, 1, []int{6})

	entry, _ := p.Entry("here")
	assert.Equal(t, []Version{
		{WriteLockNo: 2, Locations: []int{6}},
		{WriteLockNo: 1, Locations: []int{0}},
	}, entry.DocumentOccurrences[0].Versions)
}
