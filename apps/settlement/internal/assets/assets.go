package assets

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

const (
	AGNT = "AGNT"
	USDC = "USDC"
)

// Asset represents a token with its on-chain properties
type Asset struct {
	Symbol   string         `json:"symbol"`
	Name     string         `json:"name"`
	Address  common.Address `json:"address"`
	Decimals int32          `json:"decimals"`
}

// AssetRegistry holds all supported assets
type AssetRegistry struct {
	assets    map[string]*Asset
	byAddress map[common.Address]*Asset
}

// NewAssetRegistry creates a registry for the given assets
func NewAssetRegistry(supported ...*Asset) *AssetRegistry {
	registry := &AssetRegistry{
		assets:    make(map[string]*Asset),
		byAddress: make(map[common.Address]*Asset),
	}

	for _, asset := range supported {
		registry.assets[strings.ToUpper(asset.Symbol)] = asset
		registry.byAddress[asset.Address] = asset
	}

	return registry
}

// NewSettlementRegistry registers the internal token and the settlement currency
// at the configured contract addresses.
func NewSettlementRegistry(agntAddress, usdcAddress string) *AssetRegistry {
	return NewAssetRegistry(
		&Asset{
			Symbol:   AGNT,
			Name:     "AgentCoin",
			Address:  common.HexToAddress(agntAddress),
			Decimals: 18,
		},
		&Asset{
			Symbol:   USDC,
			Name:     "USD Coin",
			Address:  common.HexToAddress(usdcAddress),
			Decimals: 6,
		},
	)
}

// GetBySymbol returns an asset by its symbol (case-insensitive)
func (r *AssetRegistry) GetBySymbol(symbol string) (*Asset, bool) {
	asset, exists := r.assets[strings.ToUpper(strings.TrimSpace(symbol))]
	return asset, exists
}

// GetByAddress returns an asset by its contract address
func (r *AssetRegistry) GetByAddress(address common.Address) (*Asset, bool) {
	asset, exists := r.byAddress[address]
	return asset, exists
}

// IsSupported checks if a symbol is supported
func (r *AssetRegistry) IsSupported(symbol string) bool {
	_, exists := r.GetBySymbol(symbol)
	return exists
}

// GetAll returns all supported assets keyed by symbol
func (r *AssetRegistry) GetAll() map[string]*Asset {
	all := make(map[string]*Asset, len(r.assets))
	for symbol, asset := range r.assets {
		all[symbol] = asset
	}
	return all
}
