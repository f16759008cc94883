package gen

import (
	"revledger/pkg/config"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("snowflake",
	fx.Provide(NewSnowflakeNode),
)

// NewSnowflakeNode builds the id generator for LEDGER.NODE_ID. Ledger tx ids and primary keys come from it.
func NewSnowflakeNode(cfg *config.Config) (*snowflake.Node, error) {
	node, err := snowflake.NewNode(cfg.Ledger.NodeID)
	if err != nil {
		zap.L().Error("failed to init snowflake node", zap.Int64("node_id", cfg.Ledger.NodeID), zap.Error(err))
		return nil, err
	}
	return node, nil
}
