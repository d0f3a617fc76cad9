package message

// This file provides the common data objects used by the rest of the
// program.

import (
	"time"
)

// Remote defines the listing metadata of one message held by a remote
// mailbox.  Values are read-only once a lister returns them.
type Remote struct {
	// The remote system's identifier for the message.  Used only
	// to fetch content; it may be transport specific and need not
	// be stable across sessions (e.g. an IMAP UID).
	ID string

	// The RFC 5322 Message-ID header value, angle brackets
	// included.  This is the deduplication key.
	InternetMessageID string

	// The decoded subject.  May be empty.
	Subject string

	// The sender's address, if the remote reports one.
	Sender string

	// When the remote mailbox received the message.  The zero
	// value means the remote did not say.
	ReceivedAt time.Time
}

// Query describes which messages a lister should enumerate.
type Query struct {
	// The mailbox address (or user id) to list.
	Mailbox string

	// The folder (Graph well-known name, Gmail label id, IMAP
	// mailbox) within the mailbox.
	Folder string

	// The download cutoff, for information only.  Listers do not
	// filter on it; the pipeline skips old messages before fetching
	// their content.
	Since time.Time

	// The number of messages per remote page.
	PageSize int
}
