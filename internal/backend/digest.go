package backend

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/nhle/mailsync/internal/model"
)

// NormalizeMessageID canonicalizes a Message-ID header value into the
// envelope identity: trimmed, angle-bracketed. Every adapter must
// produce the same identity for the same message or cross-backend
// matching falls apart.
func NormalizeMessageID(raw string) model.Identity {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ""
	}
	if !strings.HasPrefix(s, "<") {
		s = "<" + s
	}
	if !strings.HasSuffix(s, ">") {
		s += ">"
	}
	return model.Identity(s)
}

// FallbackIdentity derives a deterministic identity for a message
// without a Message-ID header, from fields every backend can observe.
func FallbackIdentity(subject, from string, date time.Time) model.Identity {
	sum := sha256.Sum256(fmt.Appendf(nil, "%s\x00%s\x00%d", subject, from, date.Unix()))
	return model.Identity("<mailsync-" + hex.EncodeToString(sum[:8]) + "@fallback.invalid>")
}

// HashEnvelope digests the content-identifying fields of a message.
// The digest must be reproducible from header data alone, so the IMAP
// adapter can compute it without downloading bodies and still agree
// with the Maildir adapter reading files from disk.
func HashEnvelope(id model.Identity, subject, from string, date time.Time) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s\x00%d", id, subject, from, date.UTC().Unix())
	return hex.EncodeToString(h.Sum(nil))
}
