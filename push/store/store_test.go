package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/frknbasaran/pushd/push/pipeline"
)

func TestCollectionNames(t *testing.T) {
	t.Parallel()

	app := bson.NewObjectID()
	assert.Equal(t, "push_"+app.Hex(), tokenColl(app))
	assert.Equal(t, "app_users"+app.Hex(), userColl(app))
}

func TestTokenWriteModels(t *testing.T) {
	t.Parallel()

	changes := []pipeline.TokenChange{
		{User: "u1", Field: "p", Token: "new-token"},
		{User: "u2", Field: "p", Remove: true},
	}
	tokenModels, userModels := tokenWriteModels(changes)

	// One token write per change; only the removal touches the user doc.
	require.Len(t, tokenModels, 2)
	require.Len(t, userModels, 1)

	rotation, ok := tokenModels[0].(*mongo.UpdateOneModel)
	require.True(t, ok)
	require.NotNil(t, rotation.Upsert)
	assert.True(t, *rotation.Upsert)
	assert.Equal(t, bson.M{"$set": bson.M{"tk.p": "new-token"}}, rotation.Update)

	removal, ok := tokenModels[1].(*mongo.UpdateOneModel)
	require.True(t, ok)
	assert.Nil(t, removal.Upsert)
	assert.Equal(t, bson.M{"$unset": bson.M{"tk.p": ""}}, removal.Update)

	// The user document keys by uid and keeps the token flag flattened.
	userRemoval, ok := userModels[0].(*mongo.UpdateOneModel)
	require.True(t, ok)
	assert.Equal(t, bson.M{"uid": "u2"}, userRemoval.Filter)
	assert.Equal(t, bson.M{"$unset": bson.M{"tkp": ""}}, userRemoval.Update)
}
