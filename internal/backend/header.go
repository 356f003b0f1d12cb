package backend

import (
	"bytes"
	"time"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"

	"github.com/nhle/mailsync/internal/model"
)

// HeaderSummary is the identifying subset of a message's headers.
type HeaderSummary struct {
	Identity model.Identity
	Subject  string
	From     string
	Date     time.Time
}

// ParseHeaderSummary reads the header block of a raw message and
// extracts the fields identity and digest derive from. Unparseable
// individual headers degrade to zero values rather than failing the
// message; a missing Message-ID falls back to a derived identity.
func ParseHeaderSummary(raw []byte) (HeaderSummary, error) {
	var sum HeaderSummary

	entity, err := message.Read(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return sum, err
	}
	h := mail.Header{Header: entity.Header}

	if id, err := h.MessageID(); err == nil {
		sum.Identity = NormalizeMessageID(id)
	}
	if subject, err := h.Subject(); err == nil {
		sum.Subject = subject
	}
	if date, err := h.Date(); err == nil {
		sum.Date = date
	}
	if addrs, err := h.AddressList("From"); err == nil && len(addrs) > 0 {
		sum.From = addrs[0].Address
	}

	if sum.Identity == "" {
		sum.Identity = FallbackIdentity(sum.Subject, sum.From, sum.Date)
	}
	return sum, nil
}

// EnvelopeFromRaw builds the neutral envelope for a raw message with
// the given backend-native id and flags.
func EnvelopeFromRaw(raw []byte, internalID string, flags model.FlagSet) (model.Envelope, error) {
	sum, err := ParseHeaderSummary(raw)
	if err != nil {
		return model.Envelope{}, err
	}
	return model.Envelope{
		Identity:    sum.Identity,
		InternalID:  internalID,
		Flags:       flags,
		ContentHash: HashEnvelope(sum.Identity, sum.Subject, sum.From, sum.Date),
		Date:        sum.Date,
	}, nil
}
