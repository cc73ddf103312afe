package models

import (
	"strings"
	"time"
)

// FileEntry describes one file of an offer. Path is slash separated and relative.
type FileEntry struct {
	RelativePath string
	Size         int64
	MimeType     string
	ModifiedTime time.Time
	ContentHash  []byte
}

// TransferOffer is what a sender proposes before any data moves.
type TransferOffer struct {
	SessionID      string
	SenderIdentity PeerIdentity
	TotalSize      int64
	FileCount      int
	Entries        []FileEntry
}

// DisplayName is the name a receiver shows for the offer.
func (o TransferOffer) DisplayName() string {
	if len(o.Entries) == 0 {
		return ""
	}
	root, _, _ := strings.Cut(o.Entries[0].RelativePath, "/")
	return root
}
