package extract

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTokensLowercasesAndDropsPunctuation(t *testing.T) {
	toks := Tokens("The API returns 429 errors, under load!")
	assert.Contains(t, toks, "the")
	assert.Contains(t, toks, "api")
	assert.Contains(t, toks, "errors")
	for _, tok := range toks {
		assert.NotContains(t, tok, ",")
		assert.NotContains(t, tok, "!")
	}
}

func TestTokensEmptyTextIsNil(t *testing.T) {
	assert.Nil(t, Tokens(""))
	assert.Nil(t, Tokens("   "))
}

func TestOverlapIdenticalSetsIsOne(t *testing.T) {
	a := []string{"auth", "token", "session"}
	assert.Equal(t, 1.0, Overlap(a, a))
}

func TestOverlapDisjointSetsIsZero(t *testing.T) {
	a := []string{"auth", "token"}
	b := []string{"coffee", "shop"}
	assert.Equal(t, 0.0, Overlap(a, b))
}

func TestOverlapPartialIsJaccard(t *testing.T) {
	a := []string{"auth", "token", "session"}
	b := []string{"auth", "token", "cookie"}
	// intersection {auth, token} = 2, union {auth,token,session,cookie} = 4
	assert.InDelta(t, 0.5, Overlap(a, b), 1e-9)
}

func TestOverlapEmptyInputIsZero(t *testing.T) {
	assert.Equal(t, 0.0, Overlap(nil, []string{"x"}))
	assert.Equal(t, 0.0, Overlap([]string{"x"}, nil))
}

func TestGistTruncatesLongText(t *testing.T) {
	long := "this sentence is quite a bit longer than the rune budget we allow for a gist"
	g := Gist(long, 20)
	assert.LessOrEqual(t, len([]rune(g)), 21) // +1 for the ellipsis rune
}

func TestGistShortTextPassesThrough(t *testing.T) {
	assert.Equal(t, "short memory", Gist("short memory", 100))
}

func TestGistEmptyTextIsEmpty(t *testing.T) {
	assert.Equal(t, "", Gist("", 50))
	assert.Equal(t, "", Gist("   ", 50))
}
