package params

import (
	"github.com/Zollkron/gamerchain-sub000/common"
)

// System addresses. Fixed, well-known accounts used by the protocol itself.
// No private key exists for any of them: credits come from system entries in
// committed blocks, and the burn account is credit-only forever.
var (
	// LiquidityPoolAddress receives the genesis liquidity grant, the
	// liquidity share of every fee split and any rounding dust.
	LiquidityPoolAddress = common.HexToAddress("0x00000000000000000000000000005052474c4431") // "PRGLD1"

	// BurnAddress receives the burn share of fee splits and the tokens
	// destroyed through voluntary burns.
	BurnAddress = common.HexToAddress("0x00000000000000000000000000005052474c4432") // "PRGLD2"

	// MaintenanceAddress receives the maintenance share of fee splits.
	MaintenanceAddress = common.HexToAddress("0x00000000000000000000000000005052474c4433") // "PRGLD3"

	// DeveloperAddress is credited at genesis with a zero entry and reserved
	// for future protocol funding decisions.
	DeveloperAddress = common.HexToAddress("0x00000000000000000000000000005052474c4434") // "PRGLD4"
)

// IsSystemAddress reports whether addr is one of the protocol accounts.
// User transactions may pay into them (a voluntary burn is a transfer to the
// burn account) but can never spend from them.
func IsSystemAddress(addr common.Address) bool {
	switch addr {
	case LiquidityPoolAddress, BurnAddress, MaintenanceAddress, DeveloperAddress:
		return true
	}
	return false
}
