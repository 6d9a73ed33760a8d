package board

import "fmt"

const (
	DefaultBaseFee uint64 = 1_000_000
	DefaultFeeStep uint64 = 1_000_000
	DefaultMaxFee  uint64 = 5_000_000
)

// FeePolicy bounds the per-board fee rate: it starts at Base, grows by Step on
// every exhausted publish cycle and never exceeds Max.
type FeePolicy struct {
	Base uint64
	Step uint64
	Max  uint64
}

// DefaultFeePolicy returns the 1M/1M/5M policy.
func DefaultFeePolicy() FeePolicy {
	return FeePolicy{Base: DefaultBaseFee, Step: DefaultFeeStep, Max: DefaultMaxFee}
}

func (p FeePolicy) Validate() error {
	if p.Step == 0 {
		return fmt.Errorf("fee step must be positive")
	}
	if p.Base > p.Max {
		return fmt.Errorf("fee base %d exceeds max %d", p.Base, p.Max)
	}
	return nil
}

// next returns the fee after one exhausted cycle.
func (p FeePolicy) next(current uint64) uint64 {
	if current >= p.Max || p.Max-current < p.Step {
		return p.Max
	}
	return current + p.Step
}
