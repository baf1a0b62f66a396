package cart

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"
)

const cartsNS = "minicart.carts"

func cartDoc(version int64, qty int) bson.D {
	return bson.D{
		{Key: "cartId", Value: "C1"},
		{Key: "items", Value: bson.A{
			bson.D{
				{Key: "productId", Value: 1},
				{Key: "name", Value: "Backpack"},
				{Key: "price", Value: 10.0},
				{Key: "qty", Value: qty},
			},
		}},
		{Key: "total", Value: 10.0 * float64(qty)},
		{Key: "version", Value: version},
	}
}

func found(doc bson.D) bson.D {
	return mtest.CreateCursorResponse(0, cartsNS, mtest.FirstBatch, doc)
}

func notFound() bson.D {
	return mtest.CreateCursorResponse(0, cartsNS, mtest.FirstBatch)
}

func replaced(n int) bson.D {
	return mtest.CreateSuccessResponse(bson.E{Key: "n", Value: n}, bson.E{Key: "nModified", Value: n})
}

func TestMongoStore(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))
	ctx := context.Background()

	mt.Run("get", func(mt *mtest.T) {
		s := NewMongoStoreFromCollection(mt.Coll)
		mt.AddMockResponses(found(cartDoc(3, 2)))

		c, ok, err := s.Get(ctx, "C1")
		require.NoError(mt, err)
		require.True(mt, ok)
		assert.Equal(mt, "C1", c.CartID)
		assert.Equal(mt, int64(3), c.Version)
		assert.Equal(mt, []LineItem{{ProductID: 1, Name: "Backpack", Price: 10, Qty: 2}}, c.Items)
		assert.Equal(mt, 20.0, c.Total)
	})

	mt.Run("get missing", func(mt *mtest.T) {
		s := NewMongoStoreFromCollection(mt.Coll)
		mt.AddMockResponses(notFound())

		_, ok, err := s.Get(ctx, "C1")
		require.NoError(mt, err)
		assert.False(mt, ok)
	})

	mt.Run("get legacy document", func(mt *mtest.T) {
		s := NewMongoStoreFromCollection(mt.Coll)
		mt.AddMockResponses(found(bson.D{
			{Key: "_id", Value: "65f0c0ffee"},
			{Key: "cartId", Value: "C1"},
			{Key: "items", Value: bson.A{
				bson.D{
					{Key: "_id", Value: "65f0c0ffef"},
					{Key: "productId", Value: 3.0},
					{Key: "name", Value: "Jacket"},
					{Key: "price", Value: 55.99},
					{Key: "qty", Value: 1.0},
				},
			}},
			{Key: "total", Value: 55.99},
			{Key: "__v", Value: 0},
		}))

		c, ok, err := s.Get(ctx, "C1")
		require.NoError(mt, err)
		require.True(mt, ok)
		assert.Zero(mt, c.Version)
		assert.Equal(mt, []LineItem{{ProductID: 3, Name: "Jacket", Price: 55.99, Qty: 1}}, c.Items)
	})

	mt.Run("update existing", func(mt *mtest.T) {
		s := NewMongoStoreFromCollection(mt.Coll)
		mt.AddMockResponses(found(cartDoc(3, 2)), replaced(1))

		c, err := s.Update(ctx, "C1", func(c *Cart, exists bool) error {
			assert.True(mt, exists)
			c.ApplyDelta(backpack, 1)
			return nil
		})
		require.NoError(mt, err)
		assert.Equal(mt, int64(4), c.Version)
		assert.Equal(mt, 3, c.Items[0].Qty)
		assert.Equal(mt, 30.0, c.Total)
	})

	mt.Run("update creates", func(mt *mtest.T) {
		s := NewMongoStoreFromCollection(mt.Coll)
		mt.AddMockResponses(notFound(), mtest.CreateSuccessResponse())

		c, err := s.Update(ctx, "C1", func(c *Cart, exists bool) error {
			assert.False(mt, exists)
			c.ApplyDelta(backpack, 2)
			return nil
		})
		require.NoError(mt, err)
		assert.Equal(mt, "C1", c.CartID)
		assert.Equal(mt, int64(1), c.Version)
		assert.Equal(mt, 20.0, c.Total)
	})

	mt.Run("update retries on stale version", func(mt *mtest.T) {
		s := NewMongoStoreFromCollection(mt.Coll)
		mt.AddMockResponses(
			found(cartDoc(3, 2)), replaced(0),
			found(cartDoc(4, 5)), replaced(1),
		)

		c, err := s.Update(ctx, "C1", func(c *Cart, _ bool) error {
			c.ApplyDelta(backpack, 1)
			return nil
		})
		require.NoError(mt, err)
		assert.Equal(mt, 6, c.Items[0].Qty)
		assert.Equal(mt, int64(5), c.Version)
	})

	mt.Run("update retries when create races", func(mt *mtest.T) {
		s := NewMongoStoreFromCollection(mt.Coll)
		mt.AddMockResponses(
			notFound(),
			mtest.CreateWriteErrorsResponse(mtest.WriteError{Index: 0, Code: 11000, Message: "E11000 duplicate key error"}),
			found(cartDoc(1, 2)), replaced(1),
		)

		c, err := s.Update(ctx, "C1", func(c *Cart, _ bool) error {
			c.ApplyDelta(backpack, 2)
			return nil
		})
		require.NoError(mt, err)
		assert.Equal(mt, 4, c.Items[0].Qty)
	})

	mt.Run("update gives up after repeated conflicts", func(mt *mtest.T) {
		s := NewMongoStoreFromCollection(mt.Coll)
		for i := 0; i < maxUpdateAttempts; i++ {
			mt.AddMockResponses(found(cartDoc(int64(i+1), 2)), replaced(0))
		}

		_, err := s.Update(ctx, "C1", func(c *Cart, _ bool) error {
			c.ApplyDelta(backpack, 1)
			return nil
		})
		assert.ErrorIs(mt, err, ErrConflict)
	})

	mt.Run("concurrent updates in one process do not conflict", func(mt *mtest.T) {
		s := NewMongoStoreFromCollection(mt.Coll)

		// updates of one cart are serialized, so every read is followed by its own write
		const workers = 10
		for i := 0; i < workers; i++ {
			mt.AddMockResponses(found(cartDoc(int64(i+1), i+1)), replaced(1))
		}

		var wg sync.WaitGroup
		errs := make(chan error, workers)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.Update(ctx, "C1", func(c *Cart, _ bool) error {
					c.ApplyDelta(backpack, 1)
					return nil
				})
				errs <- err
			}()
		}
		wg.Wait()
		close(errs)

		for err := range errs {
			assert.NoError(mt, err)
		}
	})

	mt.Run("update mutation error skips write", func(mt *mtest.T) {
		s := NewMongoStoreFromCollection(mt.Coll)
		mt.AddMockResponses(notFound())

		_, err := s.Update(ctx, "C1", func(_ *Cart, exists bool) error {
			if !exists {
				return ErrCartNotFound
			}
			return nil
		})
		assert.ErrorIs(mt, err, ErrCartNotFound)
	})

	mt.Run("take", func(mt *mtest.T) {
		s := NewMongoStoreFromCollection(mt.Coll)
		mt.AddMockResponses(bson.D{
			{Key: "ok", Value: 1},
			{Key: "value", Value: cartDoc(2, 2)},
		})

		c, ok, err := s.Take(ctx, "C1")
		require.NoError(mt, err)
		require.True(mt, ok)
		assert.Equal(mt, 20.0, c.Total)
	})

	mt.Run("take missing", func(mt *mtest.T) {
		s := NewMongoStoreFromCollection(mt.Coll)
		mt.AddMockResponses(bson.D{
			{Key: "ok", Value: 1},
			{Key: "value", Value: nil},
		})

		_, ok, err := s.Take(ctx, "C1")
		require.NoError(mt, err)
		assert.False(mt, ok)
	})
}

func TestVersionFilter(t *testing.T) {
	assert.Equal(t, bson.M{"cartId": "C1", "version": int64(7)}, versionFilter("C1", 7))

	legacy := versionFilter("C1", 0)
	assert.Equal(t, "C1", legacy["cartId"])
	assert.Contains(t, legacy, "$or")
}
