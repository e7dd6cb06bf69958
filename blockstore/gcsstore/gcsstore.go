// Package gcsstore is a reference BlockStore backed by a Google Cloud
// Storage bucket. It is example/reference material — the engine never
// imports it.
package gcsstore

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"

	"github.com/mwatts/acid-store/internal/blockio"
)

// Store is a BlockStore that stores each block as one GCS object, keyed
// by its BlockID under a fixed prefix within bucket.
type Store struct {
	bucket *storage.BucketHandle
	prefix string
}

// New builds a Store over the named bucket using client, which the
// caller is responsible for constructing and closing.
func New(client *storage.Client, bucketName, prefix string) (*Store, error) {
	if bucketName == "" {
		return nil, errors.New("gcsstore: bucket name must not be empty")
	}
	return &Store{bucket: client.Bucket(bucketName), prefix: prefix}, nil
}

func (s *Store) objectName(id blockio.BlockID) string {
	if s.prefix == "" {
		return id.String()
	}
	return s.prefix + "/" + id.String()
}

func (s *Store) Put(ctx context.Context, id blockio.BlockID, frame []byte) error {
	w := s.bucket.Object(s.objectName(id)).NewWriter(ctx)
	if _, err := w.Write(frame); err != nil {
		w.Close()
		return fmt.Errorf("gcsstore: put %s: %w", id, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("gcsstore: put %s: close: %w", id, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id blockio.BlockID) ([]byte, error) {
	r, err := s.bucket.Object(s.objectName(id)).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("gcsstore: get %s: %w", id, blockio.ErrNotFound)
		}
		return nil, fmt.Errorf("gcsstore: get %s: %w", id, err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("gcsstore: read %s: %w", id, err)
	}
	return data, nil
}

func (s *Store) Remove(ctx context.Context, id blockio.BlockID) error {
	err := s.bucket.Object(s.objectName(id)).Delete(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return fmt.Errorf("gcsstore: remove %s: %w", id, blockio.ErrNotFound)
		}
		return fmt.Errorf("gcsstore: remove %s: %w", id, err)
	}
	return nil
}

func (s *Store) List(ctx context.Context) ([]blockio.BlockID, error) {
	listPrefix := s.prefix
	if listPrefix != "" {
		listPrefix += "/"
	}
	it := s.bucket.Objects(ctx, &storage.Query{Prefix: listPrefix})
	var ids []blockio.BlockID
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("gcsstore: list: %w", err)
		}
		id, err := blockio.ParseID(attrs.Name[len(listPrefix):])
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}
