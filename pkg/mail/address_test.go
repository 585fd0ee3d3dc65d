package mail

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseAddressCSV(t *testing.T) {
	addrs, err := ParseAddressCSV(" a@x.test, Bob <b@y.test>,,a@X.test ")
	require.NoError(t, err)
	require.Equal(t, []string{"a@x.test", "b@y.test"}, addrs)

	_, err = ParseAddressCSV("not-an-address")
	require.Error(t, err)
}

func TestVERPRoundTrip(t *testing.T) {
	require.Equal(t, "user=example.com", EscapeVERP("User@Example.com"))

	addr, ok := UnescapeVERP("user=example.com")
	require.True(t, ok)
	require.Equal(t, "user@example.com", addr)

	addr, ok = UnescapeVERP("first=last=example.com")
	require.True(t, ok)
	require.Equal(t, "first=last@example.com", addr)

	_, ok = UnescapeVERP("nodomain")
	require.False(t, ok)
}

func TestDomain(t *testing.T) {
	require.Equal(t, "hunt.test", Domain("HQ@Hunt.Test"))
	require.Equal(t, "", Domain("nobody"))
}
