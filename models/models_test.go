package models

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPeerRecordAddressesAndClone(t *testing.T) {
	record := PeerRecord{
		DeviceID:   "abc",
		Candidates: []netip.Addr{netip.MustParseAddr("192.168.1.5"), netip.MustParseAddr("127.0.0.1")},
		Port:       42424,
	}
	assert.Equal(t, []string{"192.168.1.5:42424", "127.0.0.1:42424"}, record.Addresses())

	clone := record.Clone()
	clone.Candidates[0] = netip.MustParseAddr("10.0.0.1")
	assert.Equal(t, "192.168.1.5", record.Candidates[0].String())
	assert.Equal(t, "manual", OriginManual.String())
}

func TestOfferDisplayName(t *testing.T) {
	assert.Equal(t, "", TransferOffer{}.DisplayName())
	assert.Equal(t, "a.txt", TransferOffer{Entries: []FileEntry{{RelativePath: "a.txt"}}}.DisplayName())
	assert.Equal(t, "photos", TransferOffer{Entries: []FileEntry{
		{RelativePath: "photos/1.jpg"},
		{RelativePath: "photos/2.jpg"},
	}}.DisplayName())
}
