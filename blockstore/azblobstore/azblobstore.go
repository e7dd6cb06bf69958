// Package azblobstore is a reference BlockStore backed by an Azure Blob
// Storage container. It is example/reference material — the engine
// never imports it.
package azblobstore

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"

	"github.com/mwatts/acid-store/internal/blockio"
)

// Store is a BlockStore that stores each block as one blob, keyed by its
// BlockID under a fixed prefix within a container.
type Store struct {
	client    *azblob.Client
	container string
	prefix    string
}

// New builds a Store over the named container using client, which the
// caller is responsible for constructing.
func New(client *azblob.Client, container, prefix string) (*Store, error) {
	if container == "" {
		return nil, errors.New("azblobstore: container must not be empty")
	}
	return &Store{client: client, container: container, prefix: prefix}, nil
}

func (s *Store) blobName(id blockio.BlockID) string {
	if s.prefix == "" {
		return id.String()
	}
	return s.prefix + "/" + id.String()
}

func (s *Store) Put(ctx context.Context, id blockio.BlockID, frame []byte) error {
	_, err := s.client.UploadBuffer(ctx, s.container, s.blobName(id), frame, nil)
	if err != nil {
		return fmt.Errorf("azblobstore: put %s: %w", id, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id blockio.BlockID) ([]byte, error) {
	resp, err := s.client.DownloadStream(ctx, s.container, s.blobName(id), nil)
	if err != nil {
		if isBlobNotFound(err) {
			return nil, fmt.Errorf("azblobstore: get %s: %w", id, blockio.ErrNotFound)
		}
		return nil, fmt.Errorf("azblobstore: get %s: %w", id, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("azblobstore: read %s: %w", id, err)
	}
	return data, nil
}

func (s *Store) Remove(ctx context.Context, id blockio.BlockID) error {
	_, err := s.client.DeleteBlob(ctx, s.container, s.blobName(id), nil)
	if err != nil {
		if isBlobNotFound(err) {
			return fmt.Errorf("azblobstore: remove %s: %w", id, blockio.ErrNotFound)
		}
		return fmt.Errorf("azblobstore: remove %s: %w", id, err)
	}
	return nil
}

func (s *Store) List(ctx context.Context) ([]blockio.BlockID, error) {
	listPrefix := s.prefix
	if listPrefix != "" {
		listPrefix += "/"
	}
	var ids []blockio.BlockID
	pager := s.client.NewListBlobsFlatPager(s.container, &azblob.ListBlobsFlatOptions{
		Prefix: &listPrefix,
	})
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("azblobstore: list: %w", err)
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name == nil {
				continue
			}
			id, err := blockio.ParseID((*item.Name)[len(listPrefix):])
			if err != nil {
				continue
			}
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func isBlobNotFound(err error) bool {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.ErrorCode == string(bloberror.BlobNotFound)
	}
	return false
}
