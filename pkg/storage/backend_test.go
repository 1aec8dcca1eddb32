package storage

import (
	"bytes"
	"errors"
	"testing"
)

// backendTestSuite runs a comprehensive test suite against any Backend implementation
func backendTestSuite(t *testing.T, newBackend func() (Backend, func(), error)) {
	open := func(t *testing.T) Backend {
		t.Helper()

		backend, cleanup, err := newBackend()
		if err != nil {
			t.Fatalf("failed to create backend: %v", err)
		}
		t.Cleanup(cleanup)

		return backend
	}

	put := func(t *testing.T, backend Backend, bucket, key, value string) {
		t.Helper()

		err := backend.Update(func(tx Transaction) error {
			if err := tx.CreateBucket([]byte(bucket)); err != nil {
				return err
			}
			return tx.Bucket([]byte(bucket)).Put([]byte(key), []byte(value))
		})
		if err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}

	get := func(t *testing.T, backend Backend, bucket, key string) []byte {
		t.Helper()

		var got []byte
		err := backend.View(func(tx Transaction) error {
			b := tx.Bucket([]byte(bucket))
			if b == nil {
				return nil
			}
			if v := b.Get([]byte(key)); v != nil {
				got = bytes.Clone(v)
			}
			return nil
		})
		if err != nil {
			t.Fatalf("View failed: %v", err)
		}

		return got
	}

	bucketExists := func(t *testing.T, backend Backend, bucket string) bool {
		t.Helper()

		exists := false
		backend.View(func(tx Transaction) error {
			exists = tx.Bucket([]byte(bucket)) != nil
			return nil
		})

		return exists
	}

	t.Run("CreateBucket", func(t *testing.T) {
		backend := open(t)

		for range 2 {
			err := backend.Update(func(tx Transaction) error {
				return tx.CreateBucket([]byte("test"))
			})
			if err != nil {
				t.Fatalf("CreateBucket failed: %v", err)
			}
		}

		if !bucketExists(t, backend, "test") {
			t.Error("Bucket should exist after creation")
		}
	})

	t.Run("DeleteBucket", func(t *testing.T) {
		backend := open(t)
		put(t, backend, "test", "key1", "value1")

		// Idempotent
		for range 2 {
			err := backend.Update(func(tx Transaction) error {
				return tx.DeleteBucket([]byte("test"))
			})
			if err != nil {
				t.Fatalf("DeleteBucket failed: %v", err)
			}
		}

		if bucketExists(t, backend, "test") {
			t.Error("Bucket should not exist after deletion")
		}
	})

	t.Run("PutAndGet", func(t *testing.T) {
		backend := open(t)
		put(t, backend, "test", "key1", "value1")

		if got := get(t, backend, "test", "key1"); !bytes.Equal(got, []byte("value1")) {
			t.Errorf("Get returned %s, want value1", got)
		}

		if got := get(t, backend, "test", "nonexistent"); got != nil {
			t.Errorf("Get should return nil for non-existent key, got %s", got)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		backend := open(t)
		put(t, backend, "test", "key1", "value1")

		err := backend.Update(func(tx Transaction) error {
			return tx.Bucket([]byte("test")).Delete([]byte("key1"))
		})
		if err != nil {
			t.Fatalf("Delete failed: %v", err)
		}

		if got := get(t, backend, "test", "key1"); got != nil {
			t.Error("Key should not exist after deletion")
		}
	})

	t.Run("ForEachOrdered", func(t *testing.T) {
		backend := open(t)

		for _, k := range []string{"key3", "key1", "key2"} {
			put(t, backend, "test", k, "v-"+k)
		}

		var keys []string
		err := backend.View(func(tx Transaction) error {
			return tx.Bucket([]byte("test")).ForEach(func(k, v []byte) error {
				if string(v) != "v-"+string(k) {
					t.Errorf("ForEach: key %s = %s", k, v)
				}
				keys = append(keys, string(k))
				return nil
			})
		})
		if err != nil {
			t.Fatalf("ForEach failed: %v", err)
		}

		want := []string{"key1", "key2", "key3"}
		if len(keys) != len(want) {
			t.Fatalf("ForEach collected %d items, want %d", len(keys), len(want))
		}
		for i := range want {
			if keys[i] != want[i] {
				t.Errorf("ForEach key %d = %s, want %s", i, keys[i], want[i])
			}
		}
	})

	t.Run("RollbackOnError", func(t *testing.T) {
		backend := open(t)
		put(t, backend, "test", "kept", "old")

		boom := errors.New("boom")
		err := backend.Update(func(tx Transaction) error {
			b := tx.Bucket([]byte("test"))
			if err := b.Put([]byte("kept"), []byte("new")); err != nil {
				return err
			}
			if err := b.Put([]byte("added"), []byte("x")); err != nil {
				return err
			}
			if err := tx.CreateBucket([]byte("other")); err != nil {
				return err
			}
			return boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("Update error = %v, want %v", err, boom)
		}

		if got := get(t, backend, "test", "kept"); !bytes.Equal(got, []byte("old")) {
			t.Errorf("Got %s after rollback, want old", got)
		}
		if got := get(t, backend, "test", "added"); got != nil {
			t.Errorf("Key written in failed transaction survived: %s", got)
		}
		if bucketExists(t, backend, "other") {
			t.Error("Bucket created in failed transaction survived")
		}
	})

	t.Run("ViewIsReadOnly", func(t *testing.T) {
		backend := open(t)
		put(t, backend, "test", "key1", "value1")

		err := backend.View(func(tx Transaction) error {
			return tx.Bucket([]byte("test")).Put([]byte("key1"), []byte("x"))
		})
		if err == nil {
			t.Error("Put inside View should fail")
		}

		if got := get(t, backend, "test", "key1"); !bytes.Equal(got, []byte("value1")) {
			t.Errorf("Got %s, want value1", got)
		}
	})
}
