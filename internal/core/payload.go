package core

import (
	"bytes"
	"context"
	"fmt"
	"image-analysis-backend/internal/storage"
	"strings"
	"time"

	"github.com/google/uuid"
)

const payloadPrefix = "uploads/"

// PayloadStore offloads uploaded images to an object store so that work items
// only carry a key. A nil *PayloadStore means images travel inline.
type PayloadStore struct {
	objects storage.ObjectStore
	bucket  string
}

func NewPayloadStore(objects storage.ObjectStore, bucket string) *PayloadStore {
	return &PayloadStore{objects: objects, bucket: bucket}
}

func (p *PayloadStore) Init(ctx context.Context) error {
	return p.objects.CreateBucket(ctx, p.bucket)
}

func payloadKey(requestId uuid.UUID) string {
	return payloadPrefix + requestId.String()
}

func (p *PayloadStore) Save(ctx context.Context, requestId uuid.UUID, data []byte) (string, error) {
	key := payloadKey(requestId)
	if err := p.objects.PutObject(ctx, p.bucket, key, bytes.NewReader(data)); err != nil {
		return "", fmt.Errorf("error saving payload for request %s: %w", requestId, err)
	}
	return key, nil
}

func (p *PayloadStore) Load(ctx context.Context, key string) ([]byte, error) {
	data, err := p.objects.GetObject(ctx, p.bucket, key)
	if err != nil {
		return nil, fmt.Errorf("error loading payload %s: %w", key, err)
	}
	return data, nil
}

func (p *PayloadStore) Remove(ctx context.Context, key string) error {
	if err := p.objects.DeleteObject(ctx, p.bucket, key); err != nil {
		return fmt.Errorf("error removing payload %s: %w", key, err)
	}
	return nil
}

type StoredPayload struct {
	Key          string
	RequestId    uuid.UUID
	LastModified time.Time
}

// List yields every stored payload whose key parses back to a request id.
func (p *PayloadStore) List(ctx context.Context) ([]StoredPayload, error) {
	payloads := make([]StoredPayload, 0)
	for obj, err := range p.objects.ListObjects(ctx, p.bucket, payloadPrefix) {
		if err != nil {
			return nil, err
		}
		requestId, err := uuid.Parse(strings.TrimPrefix(obj.Key, payloadPrefix))
		if err != nil {
			continue
		}
		payloads = append(payloads, StoredPayload{Key: obj.Key, RequestId: requestId, LastModified: obj.LastModified})
	}
	return payloads, nil
}
