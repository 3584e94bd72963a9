package normalize_test

import (
	"testing"

	"github.com/mhabedinpour-collector/collector/internal/collector/normalize"
	"github.com/stretchr/testify/require"
)

func TestBodyFoldsCRLFAndTrimsTrailingWhitespace(t *testing.T) {
	require.Equal(t, "a\nb", normalize.Body("a \r\nb\t\n\n"))
}

func TestBodyCollapsesBlankLineRuns(t *testing.T) {
	require.Equal(t, "a\n\nb", normalize.Body("a\n\n\n\nb"))
}

func TestDedupeHashStableAcrossWhitespaceChurn(t *testing.T) {
	h1 := normalize.DedupeHash("alice", "hello world\n")
	h2 := normalize.DedupeHash("alice", "hello world\r\n\n")
	require.Equal(t, h1, h2)
}

func TestDedupeHashChangesWithAuthorOrBody(t *testing.T) {
	base := normalize.DedupeHash("alice", "hi")
	require.NotEqual(t, base, normalize.DedupeHash("bob", "hi"))
	require.NotEqual(t, base, normalize.DedupeHash("alice", "hey"))
}

func TestDedupeHashIsHex64(t *testing.T) {
	h := normalize.DedupeHash("alice", "x")
	require.Len(t, h, 64)
}

func TestDedupeHashIgnoresTitle(t *testing.T) {
	// the hash formula is author_login + normalised body only; title must
	// never participate, or two retitled-but-otherwise-identical issues
	// would wrongly be treated as changed.
	require.Equal(t, normalize.DedupeHash("alice", "body"), normalize.DedupeHash("alice", "body"))
}
