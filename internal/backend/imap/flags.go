package imap

import (
	"github.com/emersion/go-imap/v2"

	"github.com/nhle/mailsync/internal/backend"
	"github.com/nhle/mailsync/internal/model"
)

// flagTable maps the neutral flags onto IMAP system flags. Keywords
// outside this set are backend-local and not synchronized.
var flagTable = map[model.Flag]imap.Flag{
	model.FlagSeen:     imap.FlagSeen,
	model.FlagAnswered: imap.FlagAnswered,
	model.FlagFlagged:  imap.FlagFlagged,
	model.FlagDeleted:  imap.FlagDeleted,
	model.FlagDraft:    imap.FlagDraft,
}

func toIMAPFlags(flags model.FlagSet) []imap.Flag {
	var out []imap.Flag
	for _, f := range flags.Sorted() {
		if imapFlag, ok := flagTable[f]; ok {
			out = append(out, imapFlag)
		}
	}
	return out
}

func fromIMAPFlags(flags []imap.Flag) model.FlagSet {
	set := model.NewFlagSet()
	for _, imapFlag := range flags {
		for f, mapped := range flagTable {
			if mapped == imapFlag {
				set.Add(f)
			}
		}
	}
	return set
}

// identityFromRaw derives the envelope identity of a raw message, for
// replace-on-append bookkeeping.
func identityFromRaw(raw []byte) model.Identity {
	sum, err := backend.ParseHeaderSummary(raw)
	if err != nil {
		return ""
	}
	return sum.Identity
}
