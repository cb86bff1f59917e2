package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("notify", fx.Provide(NewPublisher))

// Publisher persists notification rows and announces them on the per-owner
// redis channel so the display layer can react without polling.
type Publisher struct {
	db    *gorm.DB
	redis *redis.Client
	node  *snowflake.Node
}

type PublisherParams struct {
	fx.In

	DB    *gorm.DB
	Redis *redis.Client `optional:"true"`
	Node  *snowflake.Node
}

func NewPublisher(p PublisherParams) *Publisher {
	return &Publisher{db: p.DB, redis: p.Redis, node: p.Node}
}

func ChannelFor(ownerID string) string {
	return "notifications:" + ownerID
}

// Publish writes the row first; a failed redis announce is logged, not
// returned, because the row itself is the source of truth.
func (p *Publisher) Publish(ctx context.Context, n *Notification) error {
	if n.ID == "" {
		n.ID = p.node.Generate().String()
	}
	n.CreatedAt = time.Now().UTC()

	if err := p.db.WithContext(ctx).Create(n).Error; err != nil {
		return err
	}

	if p.redis != nil {
		raw, err := json.Marshal(n)
		if err == nil {
			err = p.redis.Publish(ctx, ChannelFor(n.OwnerID), raw).Err()
		}
		if err != nil {
			zap.L().Warn("failed to announce notification",
				zap.String("notification_id", n.ID),
				zap.Error(err),
			)
		}
	}

	return nil
}
