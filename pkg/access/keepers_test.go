package access

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeepers(t *testing.T) {
	owner := common.HexToAddress("0x01")
	keeper := common.HexToAddress("0x02")

	k := NewKeepers(owner)
	assert.Equal(t, owner, k.Owner())
	assert.False(t, k.IsAuthorized(keeper))

	assert.ErrorIs(t, k.Authorize(keeper, keeper), ErrNotOwner)
	require.NoError(t, k.Authorize(owner, keeper))
	assert.True(t, k.IsAuthorized(keeper))
	assert.Len(t, k.List(), 1)

	assert.ErrorIs(t, k.Revoke(keeper, keeper), ErrNotOwner)
	require.NoError(t, k.Revoke(owner, keeper))
	assert.False(t, k.IsAuthorized(keeper))
}
