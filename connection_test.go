package metarelay

import (
	"context"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewConnectionContext(t *testing.T) {
	t.Parallel()

	t.Run("reads chain id and applies domain defaults", func(t *testing.T) {
		ledger := newFakeLedger(t)
		conn := newTestConn(t, ledger, newFakeOracle(RoleID(RoleTxPayer)))

		require.Equal(t, testChainID, conn.ChainID())
		require.Equal(t, testForwarder, conn.Forwarder())

		domain := conn.Domain()
		require.Equal(t, DefaultForwarderName, domain.Name)
		require.Equal(t, DefaultForwarderVersion, domain.Version)
		require.Equal(t, testForwarder.Hex(), domain.VerifyingContract)
		require.Equal(t, testChainID, (*big.Int)(domain.ChainId))

		// callers cannot mutate the bound chain id
		conn.ChainID().SetInt64(1)
		require.Equal(t, testChainID, conn.ChainID())
	})

	t.Run("custom domain", func(t *testing.T) {
		conn, err := NewConnectionContext(context.Background(), ConnectionArgs{
			Ledger:        newFakeLedger(t),
			Oracle:        newFakeOracle(RoleID(RoleTxPayer)),
			Forwarder:     testForwarder,
			DomainName:    "UrbanForwarder",
			DomainVersion: "2",
		})
		require.Nil(t, err)
		require.Equal(t, "UrbanForwarder", conn.Domain().Name)
		require.Equal(t, "2", conn.Domain().Version)
	})

	t.Run("builds an access control oracle", func(t *testing.T) {
		conn, err := NewConnectionContext(context.Background(), ConnectionArgs{
			Ledger:        newFakeLedger(t),
			AccessControl: testAccessControl,
			Forwarder:     testForwarder,
		})
		require.Nil(t, err)
		require.IsType(t, &AccessControlOracle{}, conn.Oracle())
	})

	t.Run("invalid args", func(t *testing.T) {
		_, err := NewConnectionContext(context.Background(), ConnectionArgs{Forwarder: testForwarder})
		require.ErrorIs(t, err, ErrNilLedger)

		_, err = NewConnectionContext(context.Background(), ConnectionArgs{Ledger: newFakeLedger(t)})
		require.ErrorIs(t, err, ErrZeroAddress)

		_, err = NewConnectionContext(context.Background(), ConnectionArgs{Ledger: newFakeLedger(t), Forwarder: testForwarder})
		require.ErrorIs(t, err, ErrZeroAddress)
	})
}

func TestConnectionContext_Snapshots(t *testing.T) {
	t.Parallel()

	ledger := newFakeLedger(t)
	conn := newTestConn(t, ledger, newFakeOracle(RoleID(RoleTxPayer)))

	// a network switch on the node is only seen by a refreshed context
	ledger.mu.Lock()
	ledger.chainID = big.NewInt(11155111)
	ledger.mu.Unlock()
	require.Equal(t, testChainID, conn.ChainID())

	refreshed, err := conn.Refresh(context.Background())
	require.Nil(t, err)
	require.Equal(t, big.NewInt(11155111), refreshed.ChainID())
	require.Equal(t, testChainID, conn.ChainID())

	other := newFakeLedger(t)
	switched, err := conn.WithLedger(context.Background(), other)
	require.Nil(t, err)
	require.Equal(t, other, switched.Ledger())
	require.Equal(t, testChainID, switched.ChainID())
	require.Equal(t, ledger, conn.Ledger())
	require.Equal(t, testForwarder, switched.Forwarder())
}
