package drop

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Config fixes the shape of one drop.
type Config struct {
	InventorySize  uint64         // InventorySize is N; values 1..N are sold or reserved
	TeamAllocation uint64         // TeamAllocation is set aside for the reserve take
	PackSize       uint64         // PackSize is the number of units per purchase
	PricePerPack   *uint256.Int   // PricePerPack is the exact payment for one pack
	Owner          common.Address // Owner may begin the sale, reveal and take reserve
}

// Validate checks that the drop can sell out exactly.
func (c Config) Validate() error {
	if c.InventorySize == 0 {
		return fmt.Errorf("inventory size must be positive")
	}
	if c.PackSize == 0 {
		return fmt.Errorf("pack size must be positive")
	}
	if c.TeamAllocation > c.InventorySize {
		return fmt.Errorf("team allocation %d exceeds inventory %d", c.TeamAllocation, c.InventorySize)
	}

	forSale := c.InventorySize - c.TeamAllocation
	if forSale%c.PackSize != 0 {
		return fmt.Errorf("inventory for sale %d is not a multiple of pack size %d", forSale, c.PackSize)
	}

	if c.PricePerPack == nil {
		return fmt.Errorf("price per pack is required")
	}
	if c.Owner == (common.Address{}) {
		return fmt.Errorf("owner is required")
	}

	return nil
}

// ForSale returns the inventory sold through packs.
func (c Config) ForSale() uint64 {
	return c.InventorySize - c.TeamAllocation
}

// Packs returns how many packs the sale offers.
func (c Config) Packs() uint64 {
	return c.ForSale() / c.PackSize
}
