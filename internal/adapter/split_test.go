package adapter

import (
	"fmt"
	"strings"
	"testing"
	"unicode"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func squash(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
}

func body(chunk string) string {
	parts := strings.SplitN(chunk, "\n\n", 2)
	if len(parts) != 2 {
		return chunk
	}
	return parts[1]
}

const answer = "Starknet is a validity rollup on Ethereum. It batches transactions off chain and proves them with STARKs! " +
	"Fees are paid in STRK or ETH. Accounts are smart contracts by default, so account abstraction is native. " +
	"Cairo is the language used to write contracts. Does that help? Ask me about the latest ecosystem news anytime... " +
	"The sequencer orders transactions and the prover generates proofs that Ethereum verifies."

func TestSplit(t *testing.T) {
	t.Run("short text is one chunk", func(t *testing.T) {
		assert.Equal(t, []string{"hello"}, Split("  hello \n", 280))
	})

	t.Run("empty text", func(t *testing.T) {
		assert.Empty(t, Split("   ", 280))
	})

	t.Run("prefers sentence boundaries", func(t *testing.T) {
		chunks := Split("One two. Three four. Five six.", 20)
		assert.Equal(t, []string{"One two. Three four.", "Five six."}, chunks)
	})

	t.Run("splits long sentence between words", func(t *testing.T) {
		chunks := Split("alpha beta gamma delta epsilon", 12)
		assert.Equal(t, []string{"alpha beta", "gamma delta", "epsilon"}, chunks)
	})

	t.Run("splits long word between runes", func(t *testing.T) {
		chunks := Split("ééééééé", 3)
		assert.Equal(t, []string{"ééé", "ééé", "é"}, chunks)
	})

	t.Run("decimal points are not boundaries", func(t *testing.T) {
		assert.Equal(t, []string{"fees fell 3.5x today.", "ok."}, Split("fees fell 3.5x today. ok.", 21))
	})
}

func TestThread(t *testing.T) {
	t.Run("single chunk has no marker", func(t *testing.T) {
		assert.Equal(t, []string{"short answer"}, Thread("short answer", 280))
	})

	t.Run("round trip within limit", func(t *testing.T) {
		long := strings.Repeat(answer+" ", 3)
		require.Greater(t, utf8.RuneCountInString(long), 280)

		for _, limit := range []int{280, 140, 60} {
			chunks := Thread(long, limit)
			require.Greater(t, len(chunks), 1)

			var joined strings.Builder
			for i, c := range chunks {
				assert.LessOrEqual(t, utf8.RuneCountInString(c), limit, "chunk %d", i)
				assert.True(t, strings.HasPrefix(c, fmt.Sprintf("%d/%d\n\n", i+1, len(chunks))), c)
				joined.WriteString(body(c))
			}
			assert.Equal(t, squash(long), squash(joined.String()), "limit %d", limit)
		}
	})

	t.Run("marker width grows with chunk count", func(t *testing.T) {
		long := strings.Repeat("word ", 400)
		chunks := Thread(long, 20)
		require.GreaterOrEqual(t, len(chunks), 100)
		for _, c := range chunks {
			assert.LessOrEqual(t, utf8.RuneCountInString(c), 20)
		}
		assert.Equal(t, squash(long), squash(strings.Join(mapBodies(chunks), "")))
	})
}

func TestStripMentions(t *testing.T) {
	assert.Equal(t, "what is cairo?", StripMentions("@ask_starknet  what is\n@bob cairo?"))
	assert.Equal(t, "", StripMentions("@ask_starknet @bob"))
	assert.Equal(t, "gm", StripMention("@AskBot gm", "askbot"))
	assert.Equal(t, "@askbotter gm", StripMention("@askbotter gm", "askbot"))
}

func mapBodies(chunks []string) []string {
	out := make([]string, len(chunks))
	for i, c := range chunks {
		out[i] = body(c)
	}
	return out
}
