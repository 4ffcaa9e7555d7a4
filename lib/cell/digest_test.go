package cell

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestZeroDigest(t *testing.T) {
	payload := NewRelayData(1, 0, []byte("abc")).MarshalRelayPayload(ZeroDigest{})
	assert.True(t, ZeroDigest{}.Verify(payload))
	payload[4] = 1
	assert.False(t, ZeroDigest{}.Verify(payload))
}

func TestChecksumDigestRoundTrip(t *testing.T) {
	d := ChecksumDigest{}
	c := NewRelayData(1, 9, []byte("payload under checksum"))
	buf := c.Marshal(d)

	out := Parse(buf, d)
	require.False(t, out.Malformed)
	assert.Equal(t, CmdRelayData, out.Command)
	assert.Equal(t, []byte("payload under checksum"), out.Data)

	// a body change invalidates the checksum
	buf[HeaderLength+RelayHeaderLength+2] ^= 0xFF
	assert.Equal(t, CmdInvalid, Parse(buf, d).Command)
}

func TestChecksumDigestRejectsZeroSealedPayload(t *testing.T) {
	payload := NewCover(1).MarshalRelayPayload(ZeroDigest{})
	assert.False(t, ChecksumDigest{}.Verify(payload))
}

func TestDigesterByName(t *testing.T) {
	d, err := DigesterByName("zero")
	require.NoError(t, err)
	assert.IsType(t, ZeroDigest{}, d)

	d, err = DigesterByName("Checksum")
	require.NoError(t, err)
	assert.IsType(t, ChecksumDigest{}, d)

	_, err = DigesterByName("hmac")
	assert.Error(t, err)
}
