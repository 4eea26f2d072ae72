package params

// These are the multipliers for PRGLD denominations.
// Example: to get the base-unit value of an amount in 'gbase', use
//
//	new(big.Int).Mul(value, big.NewInt(params.GBase))
const (
	Base  = 1
	GBase = 1e9
	PRGLD = 1e18
)
