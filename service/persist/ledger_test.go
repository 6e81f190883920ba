package persist

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccountIDAddress(t *testing.T) {
	a := assert.New(t)

	addr, err := AccountID("0.0.1234").Address()
	require.NoError(t, err)
	a.Equal(common.HexToAddress("0x00000000000000000000000000000000000004d2"), addr)
	a.Equal(AccountID("0.0.1234"), AccountIDFromAddress(addr))

	addr, err = AccountID("1.2.3").Address()
	require.NoError(t, err)
	a.Equal(common.HexToAddress("0x0000000100000000000000020000000000000003"), addr)
	a.Equal(AccountID("1.2.3"), AccountIDFromAddress(addr))

	for _, bad := range []string{"", "0.0", "0.0.x", "a.b.c", "0.0.-1", "0.0.1.2"} {
		_, err := AccountID(bad).Address()
		a.Error(err, bad)
		a.False(AccountID(bad).Valid(), bad)
	}
}

func TestTokenRefGetParts(t *testing.T) {
	a := assert.New(t)

	ref := NewTokenRef("0.0.7242548", 12)
	a.Equal(TokenRef("0.0.7242548:12"), ref)

	tokenID, serial, err := ref.GetParts()
	require.NoError(t, err)
	a.Equal(TokenID("0.0.7242548"), tokenID)
	a.Equal(int64(12), serial)

	for _, bad := range []TokenRef{"", "0.0.1", "0.0.1:", "0.0.1:0", "0.0.1:-3", "x:1", "0.0.1:2:3"} {
		_, _, err := bad.GetParts()
		a.ErrorAs(err, &ErrInvalidTokenRef{}, string(bad))
	}
}

func TestTokenRefValue(t *testing.T) {
	v, err := TokenRef("").Value()
	assert.NoError(t, err)
	assert.Nil(t, v)

	var r TokenRef
	assert.NoError(t, r.Scan(nil))
	assert.False(t, r.IsMinted())
	assert.NoError(t, r.Scan("0.0.5:1"))
	assert.True(t, r.IsMinted())
}

func TestRarity(t *testing.T) {
	a := assert.New(t)
	a.True(RarityMythic.IsHigherThan(RarityLegendary))
	a.True(RarityRare.IsHigherThan(RarityCommon))
	a.False(RarityCommon.IsHigherThan(RarityCommon))

	r, err := ParseRarity("legendary")
	a.NoError(err)
	a.Equal(RarityLegendary, r)

	_, err = ParseRarity("epic")
	a.Error(err)
}

func TestSoulCanTrain(t *testing.T) {
	price := Tinybar(50)
	listed := Soul{ID: "a", IsListed: true, Price: &price}
	assert.ErrorAs(t, listed.CanTrain(), &ErrSoulListed{})
	assert.NoError(t, Soul{ID: "b"}.CanTrain())
}
