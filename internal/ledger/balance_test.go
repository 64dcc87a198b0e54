package ledger

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/consultahub/portal-client-go/internal/money"
)

func TestNewSnapshot_TotalAlwaysRecomputed(t *testing.T) {
	snap := NewSnapshot(money.Cents(8000), money.Cents(1500))
	assert.Equal(t, money.Cents(9500), snap.Total)
}

func TestNewSnapshot_ClampsNegatives(t *testing.T) {
	snap := NewSnapshot(money.Cents(-100), money.Cents(500))
	assert.Equal(t, money.Cents(0), snap.Wallet)
	assert.Equal(t, money.Cents(500), snap.Total)
}

func TestMerge_NilOverlayIsIdentity(t *testing.T) {
	confirmed := NewSnapshot(1000, 2000)
	assert.Equal(t, confirmed, Merge(confirmed, nil))
}

func TestMerge_AppliesDeltasWithoutMutating(t *testing.T) {
	confirmed := NewSnapshot(1000, 2000)
	merged := Merge(confirmed, &Overlay{WalletDelta: 8000})

	assert.Equal(t, money.Cents(9000), merged.Wallet)
	assert.Equal(t, money.Cents(11000), merged.Total)
	assert.Equal(t, money.Cents(1000), confirmed.Wallet, "confirmed snapshot must not change")
}

func TestMerge_NeverGoesNegative(t *testing.T) {
	confirmed := NewSnapshot(1000, 0)
	merged := Merge(confirmed, &Overlay{WalletDelta: -5000})
	assert.Equal(t, money.Cents(0), merged.Wallet)
	assert.Equal(t, money.Cents(0), merged.Total)
}
