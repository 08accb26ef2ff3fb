package metarelay

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/holiman/uint256"
)

// FeeEstimator bumps the network's reported fees to improve inclusion.
// Percentages below 100 are treated as 100 so an estimate never falls under
// what the network reported.
type FeeEstimator struct {
	PriorityFeePercent uint64
	MaxFeePercent      uint64
	GasPricePercent    uint64
}

// NewFeeEstimator creates an estimator with the given bump percentages
func NewFeeEstimator(priorityPercent, maxFeePercent, gasPricePercent uint64) *FeeEstimator {
	return &FeeEstimator{
		PriorityFeePercent: priorityPercent,
		MaxFeePercent:      maxFeePercent,
		GasPricePercent:    gasPricePercent,
	}
}

// Estimate returns bumped fee parameters. EIP-1559 fields are used when the
// network reports them, a legacy gas price otherwise.
func (e *FeeEstimator) Estimate(ctx context.Context, conn *ConnectionContext) (*FeeParameters, error) {
	reported, err := conn.Ledger().FeeData(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read fee data: %w", err)
	}
	return e.Bump(reported)
}

// Bump applies the estimator's percentages to reported
func (e *FeeEstimator) Bump(reported *FeeParameters) (*FeeParameters, error) {
	if reported == nil {
		return nil, errors.New("no fee data reported")
	}

	if reported.IsDynamic() {
		tip, err := bumpFee(reported.GasTipCap, e.PriorityFeePercent)
		if err != nil {
			return nil, fmt.Errorf("priority fee: %w", err)
		}
		feeCap, err := bumpFee(reported.GasFeeCap, e.MaxFeePercent)
		if err != nil {
			return nil, fmt.Errorf("max fee: %w", err)
		}
		// a fee cap below the tip is rejected by nodes
		if feeCap.Cmp(tip) < 0 {
			feeCap.Set(tip)
		}
		return &FeeParameters{GasFeeCap: feeCap, GasTipCap: tip}, nil
	}

	if reported.GasPrice == nil {
		return nil, errors.New("network reported neither EIP-1559 fees nor a gas price")
	}
	gasPrice, err := bumpFee(reported.GasPrice, e.GasPricePercent)
	if err != nil {
		return nil, fmt.Errorf("gas price: %w", err)
	}
	return &FeeParameters{GasPrice: gasPrice}, nil
}

// bumpFee returns fee * percent / 100, computed in 256-bit arithmetic
func bumpFee(fee *big.Int, percent uint64) (*big.Int, error) {
	if fee.Sign() < 0 {
		return nil, fmt.Errorf("negative fee %s", fee)
	}
	if percent < 100 {
		percent = 100
	}
	x, overflow := uint256.FromBig(fee)
	if overflow {
		return nil, fmt.Errorf("fee %s exceeds 256 bits", fee)
	}
	bumped, overflow := new(uint256.Int).MulDivOverflow(x, uint256.NewInt(percent), uint256.NewInt(100))
	if overflow {
		return nil, fmt.Errorf("bumped fee overflows 256 bits")
	}
	return bumped.ToBig(), nil
}
