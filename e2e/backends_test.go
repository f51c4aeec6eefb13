//go:build e2e

// Real-backend integration tests. Run with: go test -tags=e2e -v ./e2e/...
//
// Environment:
//
//	FIREODM_DYNAMO_TABLE  documents table (with the collection GSI deployed)
//	FIREODM_MONGO_URI     MongoDB connection string
//	FIREODM_MONGO_DB      MongoDB database name
package e2e

import (
	"context"
	"os"
	"testing"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/stretchr/testify/require"
	mongodrv "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/Davileal/fireodm/driver"
	"github.com/Davileal/fireodm/driver/dynamo"
	fireodmmongo "github.com/Davileal/fireodm/driver/mongo"
	"github.com/Davileal/fireodm/odm"
)

func dynamoStore(t *testing.T) driver.Driver {
	t.Helper()
	table := os.Getenv("FIREODM_DYNAMO_TABLE")
	if table == "" {
		t.Skip("FIREODM_DYNAMO_TABLE not set")
	}
	cfg, err := awsconfig.LoadDefaultConfig(context.Background())
	require.NoError(t, err)
	return dynamo.New(dynamodb.NewFromConfig(cfg), dynamo.Config{Table: table})
}

func mongoStore(t *testing.T) driver.Driver {
	t.Helper()
	uri := os.Getenv("FIREODM_MONGO_URI")
	dbName := os.Getenv("FIREODM_MONGO_DB")
	if uri == "" || dbName == "" {
		t.Skip("FIREODM_MONGO_URI / FIREODM_MONGO_DB not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client, err := mongodrv.Connect(ctx, options.Client().ApplyURI(uri))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Disconnect(context.Background()) })
	return fireodmmongo.New(client.Database(dbName))
}

func TestRealBackendRoundTrip(t *testing.T) {
	backends := map[string]func(*testing.T) driver.Driver{
		"dynamo": dynamoStore,
		"mongo":  mongoStore,
	}
	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			db := odm.Open(blogRegistry(t), open(t))
			ctx := context.Background()

			a := odm.New("author", map[string]any{
				"email": "e2e@example.com",
				"name":  "E2E",
			})
			_, err := db.Save(ctx, a)
			require.NoError(t, err)
			t.Cleanup(func() { _, _ = db.Delete(context.Background(), a) })

			got, err := db.Get(ctx, "author", a.Key())
			require.NoError(t, err)
			require.NotNil(t, got)
			require.Equal(t, "E2E", got.GetString("name"))

			_, err = db.Update(ctx, got, map[string]any{"name": "E2E updated"})
			require.NoError(t, err)

			again, err := db.Get(ctx, "author", a.Key())
			require.NoError(t, err)
			require.Equal(t, "E2E updated", again.GetString("name"))
		})
	}
}
