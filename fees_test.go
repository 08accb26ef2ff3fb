package metarelay

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFeeEstimator_Bump(t *testing.T) {
	t.Parallel()

	estimator := NewFeeEstimator(150, 120, 120)

	t.Run("dynamic fees", func(t *testing.T) {
		fees, err := estimator.Bump(&FeeParameters{GasFeeCap: big.NewInt(30_000_000_000), GasTipCap: big.NewInt(2_000_000_000)})
		require.Nil(t, err)
		require.True(t, fees.IsDynamic())
		require.Nil(t, fees.GasPrice)
		require.Equal(t, big.NewInt(3_000_000_000), fees.GasTipCap)
		require.Equal(t, big.NewInt(36_000_000_000), fees.GasFeeCap)
	})

	t.Run("legacy gas price", func(t *testing.T) {
		fees, err := estimator.Bump(&FeeParameters{GasPrice: big.NewInt(10_000_000_000)})
		require.Nil(t, err)
		require.False(t, fees.IsDynamic())
		require.Equal(t, big.NewInt(12_000_000_000), fees.GasPrice)
	})

	t.Run("fee cap never below tip", func(t *testing.T) {
		fees, err := estimator.Bump(&FeeParameters{GasFeeCap: big.NewInt(100), GasTipCap: big.NewInt(100)})
		require.Nil(t, err)
		require.Equal(t, big.NewInt(150), fees.GasTipCap)
		require.Equal(t, big.NewInt(150), fees.GasFeeCap)
	})

	t.Run("never below reported", func(t *testing.T) {
		shrinking := NewFeeEstimator(50, 10, 0)
		reported := &FeeParameters{GasFeeCap: big.NewInt(777), GasTipCap: big.NewInt(333)}
		fees, err := shrinking.Bump(reported)
		require.Nil(t, err)
		require.Equal(t, reported.GasTipCap, fees.GasTipCap)
		require.Equal(t, reported.GasFeeCap, fees.GasFeeCap)

		fees, err = shrinking.Bump(&FeeParameters{GasPrice: big.NewInt(999)})
		require.Nil(t, err)
		require.Equal(t, big.NewInt(999), fees.GasPrice)
	})

	t.Run("overflow detected", func(t *testing.T) {
		huge := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
		_, err := estimator.Bump(&FeeParameters{GasPrice: huge})
		require.NotNil(t, err)

		_, err = estimator.Bump(&FeeParameters{GasPrice: new(big.Int).Lsh(big.NewInt(1), 256)})
		require.NotNil(t, err)
	})

	t.Run("missing data", func(t *testing.T) {
		_, err := estimator.Bump(&FeeParameters{})
		require.NotNil(t, err)
		_, err = estimator.Bump(nil)
		require.NotNil(t, err)
	})
}

func TestFeeEstimator_Estimate(t *testing.T) {
	t.Parallel()

	ledger := newFakeLedger(t)
	conn := newTestConn(t, ledger, newFakeOracle(RoleID(RoleTxPayer)))
	estimator := NewFeeEstimator(150, 120, 120)

	fees, err := estimator.Estimate(context.Background(), conn)
	require.Nil(t, err)
	require.Equal(t, big.NewInt(1_500_000_000), fees.GasTipCap)
	require.Equal(t, big.NewInt(3_600_000_000), fees.GasFeeCap)

	ledger.feeErr = errors.New("rpc down")
	_, err = estimator.Estimate(context.Background(), conn)
	require.NotNil(t, err)
}
