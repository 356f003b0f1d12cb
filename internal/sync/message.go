package sync

import (
	"bytes"
	"strings"

	"github.com/nhle/mailsync/internal/model"
)

// ConflictIdentity derives the identity a duplicated conflict copy is
// stored under. It is deterministic so a re-run after a partial apply
// lands on the same identity instead of stacking new copies.
func ConflictIdentity(id model.Identity, contentHash string) model.Identity {
	short := contentHash
	if len(short) > 12 {
		short = short[:12]
	}

	// Keep the <local@domain> shape when the identity has one, so
	// backends storing it as a Message-ID stay well-formed.
	s := string(id)
	if strings.HasSuffix(s, ">") {
		if at := strings.LastIndex(s, "@"); at > 0 {
			return model.Identity(s[:at] + "+conflict-" + short + s[at:])
		}
	}
	return model.Identity(s + "+conflict-" + short)
}

// rewriteMessageID returns raw with its Message-ID header replaced by
// newID, inserting one at the top of the headers when the message has
// none. Only the header block is touched.
func rewriteMessageID(raw []byte, newID model.Identity) []byte {
	headerEnd := bytes.Index(raw, []byte("\r\n\r\n"))
	sep := []byte("\r\n")
	if headerEnd < 0 {
		headerEnd = bytes.Index(raw, []byte("\n\n"))
		sep = []byte("\n")
	}
	if headerEnd < 0 {
		headerEnd = len(raw)
	}

	value := string(newID)
	if !strings.HasPrefix(value, "<") {
		value = "<" + value + ">"
	}
	newHeader := []byte("Message-ID: " + value)

	head, tail := raw[:headerEnd], raw[headerEnd:]

	var out bytes.Buffer
	replaced := false
	for _, line := range bytes.Split(head, sep) {
		// Continuation lines of a replaced Message-ID are dropped
		// with it, however many lines the value was folded over.
		if replaced {
			if len(line) > 0 && (line[0] == ' ' || line[0] == '\t') {
				continue
			}
			replaced = false
		}

		lower := bytes.ToLower(line)
		if bytes.HasPrefix(lower, []byte("message-id:")) {
			out.Write(newHeader)
			out.Write(sep)
			replaced = true
			continue
		}
		out.Write(line)
		out.Write(sep)
	}

	body := out.Bytes()
	// Split/Join bookkeeping: the loop appends one separator per
	// line, including after the final header line, which the original
	// head did not carry.
	body = body[:len(body)-len(sep)]

	if !bytes.Contains(bytes.ToLower(body), []byte("message-id:")) {
		body = append(append(append([]byte{}, newHeader...), sep...), body...)
	}

	return append(body, tail...)
}

// rewriteIfConflict applies the hunk's conflict rename to the raw
// message, if the hunk carries one.
func rewriteIfConflict(raw []byte, h Hunk) []byte {
	if h.NewID == "" {
		return raw
	}
	return rewriteMessageID(raw, h.NewID)
}

// targetIdentity returns the identity the destination stores the copy
// under.
func (h Hunk) targetIdentity() model.Identity {
	if h.NewID != "" {
		return h.NewID
	}
	return h.ID
}
