package config

import (
	"github.com/btcsuite/btcd/chaincfg"

	"github.com/blockrelay/btcnode/internal/chain"
)

// GenesisBlock builds the genesis chain.Block for the configured network,
// the height-0 entity I7 requires be archived and confirmed before any
// other store operation runs.
func GenesisBlock(params *chaincfg.Params) *chain.Block {
	return &chain.Block{
		Wire:   *params.GenesisBlock,
		Height: 0,
	}
}
