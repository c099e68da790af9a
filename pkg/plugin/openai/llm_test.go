package openai

import (
	"testing"

	"github.com/matryer/is"
)

func TestSentenceCoalescer(t *testing.T) {
	is := is.New(t)
	var c sentenceCoalescer

	// Token-sized deltas accumulate until punctuation.
	is.Equal(len(c.add("Hel")), 0)
	is.Equal(len(c.add("lo")), 0)
	out := c.add(" there. How")
	is.Equal(len(out), 1)
	is.Equal(out[0], "Hello there. ")

	out = c.add(" are you? Fine")
	is.Equal(len(out), 1)
	is.Equal(out[0], "How are you? ")

	is.Equal(c.flush(), "Fine")
	is.Equal(c.flush(), "")
}

func TestSentenceCoalescerPunctuationRuns(t *testing.T) {
	is := is.New(t)
	var c sentenceCoalescer

	out := c.add("Wait... really?! Yes")
	is.Equal(len(out), 2)
	is.Equal(out[0], "Wait... ")
	is.Equal(out[1], "really?! ")
	is.Equal(c.flush(), "Yes")
}

func TestSentenceCoalescerMultipleInOneDelta(t *testing.T) {
	is := is.New(t)
	var c sentenceCoalescer

	out := c.add("One. Two. Three.")
	is.Equal(len(out), 3)
	is.Equal(out[0], "One. ")
	is.Equal(out[1], "Two. ")
	is.Equal(out[2], "Three.")
	is.Equal(c.flush(), "")
}
