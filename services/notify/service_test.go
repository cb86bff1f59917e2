package notify

import (
	"context"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"postpilot-engine/services/testutil"
)

func TestPublisher_PersistsRowWithoutRedis(t *testing.T) {
	db := testutil.NewTestDB(t, &Notification{})
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	pub := NewPublisher(PublisherParams{DB: db, Node: node})

	n := &Notification{
		OwnerID: "owner-1",
		Kind:    KindQueueFailure,
		Title:   "queue item failed",
		Payload: datatypes.JSON([]byte(`{"item_id":"q-1"}`)),
	}
	require.NoError(t, pub.Publish(context.Background(), n))
	require.NotEmpty(t, n.ID)

	var got Notification
	require.NoError(t, db.First(&got, "owner_id = ?", "owner-1").Error)
	require.Equal(t, KindQueueFailure, got.Kind)
	require.Equal(t, "queue item failed", got.Title)
	require.JSONEq(t, `{"item_id":"q-1"}`, string(got.Payload))
	require.Nil(t, got.ReadAt)
}

func TestChannelFor(t *testing.T) {
	require.Equal(t, "notifications:o-7", ChannelFor("o-7"))
}
