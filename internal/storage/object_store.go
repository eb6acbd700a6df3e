package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

var ErrObjectNotFound = errors.New("object not found")

type Object struct {
	Key          string
	Size         int64
	LastModified time.Time
}

type ObjectIterator func(yield func(obj Object, err error) bool)

type ObjectStore interface {
	CreateBucket(ctx context.Context, bucket string) error

	PutObject(ctx context.Context, bucket, key string, data io.Reader) error

	GetObject(ctx context.Context, bucket, key string) ([]byte, error)

	DeleteObject(ctx context.Context, bucket, key string) error

	ListObjects(ctx context.Context, bucket, prefix string) ObjectIterator
}
