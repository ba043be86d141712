package nats

import (
	"context"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/codewandler/estore/internal/codec"
)

// kvStore is a typed view on a JetStream key-value bucket.
type kvStore[T any] struct {
	kv    jetstream.KeyValue
	codec codec.Codec
}

func ensureBucket(ctx context.Context, js jetstream.JetStream, cfg jetstream.KeyValueConfig) (jetstream.KeyValue, error) {
	kv, err := js.CreateOrUpdateKeyValue(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("ensure bucket %s: %w", cfg.Bucket, err)
	}
	return kv, nil
}

func (k kvStore[T]) put(ctx context.Context, key string, v T) error {
	data, err := k.codec.Marshal(v)
	if err != nil {
		return err
	}
	_, err = k.kv.Put(ctx, key, data)
	return err
}

// get returns false if the key does not exist.
func (k kvStore[T]) get(ctx context.Context, key string) (out T, ok bool, err error) {
	out, _, ok, err = k.getRevision(ctx, key)
	return out, ok, err
}

// getRevision is get that also returns the bucket sequence of the write,
// which orders writes across keys.
func (k kvStore[T]) getRevision(ctx context.Context, key string) (out T, rev uint64, ok bool, err error) {
	entry, err := k.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return out, 0, false, nil
		}
		return out, 0, false, fmt.Errorf("get %s: %w", key, err)
	}
	out, err = codec.Decode[T](k.codec, entry.Value())
	if err != nil {
		return out, 0, false, err
	}
	return out, entry.Revision(), true, nil
}

func (k kvStore[T]) exists(ctx context.Context, key string) (bool, error) {
	_, err := k.kv.Get(ctx, key)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

// keys lists the keys matching filter.
func (k kvStore[T]) keys(ctx context.Context, filter string) ([]string, error) {
	lister, err := k.kv.ListKeysFiltered(ctx, filter)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, err
	}
	defer func() { _ = lister.Stop() }()

	var out []string
	for key := range lister.Keys() {
		out = append(out, key)
	}
	return out, nil
}
