// Package normalize canonicalises issue/comment bodies and computes the
// dedupe hash used to detect upstream edits without re-upserting unchanged
// content.
package normalize

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Body canonicalises free-form markdown text before hashing: CRLF is folded
// to LF, trailing whitespace is trimmed per line, runs of two or more blank
// lines collapse to one, and leading/trailing whitespace is stripped. This
// absorbs the upstream's habit of re-serving byte-identical content with
// incidental whitespace churn between poll cycles.
func Body(raw string) string {
	raw = strings.ReplaceAll(raw, "\r\n", "\n")

	lines := strings.Split(raw, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, " \t")
	}

	collapsed := make([]string, 0, len(lines))

	for _, l := range lines {
		if l == "" && len(collapsed) > 0 && collapsed[len(collapsed)-1] == "" {
			continue
		}

		collapsed = append(collapsed, l)
	}

	return strings.TrimSpace(strings.Join(collapsed, "\n"))
}

// DedupeHash computes the content hash stored alongside an issue or comment:
// SHA-256 over the author's login and the canonicalised body, joined by a
// byte that cannot appear in either field. Login, not numeric id, is hashed
// so that an account deletion and recreation under the same handle does not
// spuriously trigger a re-upsert. A row the collector has already seen is
// re-upserted only when this hash changes or the stored row is marked
// found=false.
func DedupeHash(authorLogin string, body string) string {
	h := sha256.New()
	h.Write([]byte(authorLogin))
	h.Write([]byte{0})
	h.Write([]byte(Body(body)))

	return hex.EncodeToString(h.Sum(nil))
}
