package rendezvous

import (
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jl1nie/wifikey2/wkerr"
)

func TestCandidateSetRoundTrip(t *testing.T) {
	cases := []CandidateSet{
		{},
		{Local: &Endpoint{IP: net.IPv4(192, 168, 1, 5), Port: 4500}},
		{Reflexive: &Endpoint{IP: net.IPv4(203, 0, 113, 9), Port: 51820}},
		{
			Local:     &Endpoint{IP: net.IPv4(10, 0, 0, 2), Port: 12345},
			Reflexive: &Endpoint{IP: net.IPv4(198, 51, 100, 3), Port: 9000},
		},
	}

	for _, cs := range cases {
		payload, err := EncryptCandidateSet(cs, "correct horse battery staple")
		require.NoError(t, err)

		got, err := DecryptCandidateSet(payload, "correct horse battery staple")
		require.NoError(t, err)

		require.Equal(t, cs.Local, got.Local)
		require.Equal(t, cs.Reflexive, got.Reflexive)
	}
}

func TestCandidateSetWrongPassphraseFails(t *testing.T) {
	cs := CandidateSet{Local: &Endpoint{IP: net.IPv4(192, 168, 1, 5), Port: 4500}}
	payload, err := EncryptCandidateSet(cs, "right-passphrase")
	require.NoError(t, err)

	_, err = DecryptCandidateSet(payload, "wrong-passphrase")
	require.Error(t, err)
	require.True(t, errors.Is(err, wkerr.ErrAuth))
}

func TestDecryptRejectsTruncatedPayload(t *testing.T) {
	_, err := DecryptCandidateSet([]byte{1, 2, 3}, "whatever")
	require.Error(t, err)
	require.True(t, errors.Is(err, wkerr.ErrProtocol))
}

func TestEndpointString(t *testing.T) {
	e := Endpoint{IP: net.IPv4(1, 2, 3, 4), Port: 80}
	require.Equal(t, "1.2.3.4:80", e.String())
}
