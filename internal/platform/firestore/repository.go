package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
)

// Document is a decoded Firestore document with its metadata timestamps.
type Document[T any] struct {
	ID         string
	Data       T
	CreateTime time.Time
	UpdateTime time.Time
}

// QueryBuilder customises Firestore queries before execution.
type QueryBuilder func(query firestore.Query) firestore.Query

// Collection provides typed access to one top-level collection.
type Collection[T any] struct {
	provider *Provider
	name     string
}

// NewCollection binds a typed collection helper to provider.
func NewCollection[T any](provider *Provider, name string) *Collection[T] {
	return &Collection[T]{provider: provider, name: strings.TrimSpace(name)}
}

// Ref returns the collection reference.
func (c *Collection[T]) Ref(ctx context.Context) (*firestore.CollectionRef, error) {
	if c == nil || c.provider == nil {
		return nil, errors.New("firestore: provider is nil")
	}
	if c.name == "" {
		return nil, errors.New("firestore: collection name is required")
	}
	client, err := c.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	return client.Collection(c.name), nil
}

// Doc returns the reference of document id.
func (c *Collection[T]) Doc(ctx context.Context, id string) (*firestore.DocumentRef, error) {
	if strings.TrimSpace(id) == "" {
		return nil, errors.New("firestore: document id is required")
	}
	coll, err := c.Ref(ctx)
	if err != nil {
		return nil, err
	}
	return coll.Doc(id), nil
}

// Get fetches and decodes document id.
func (c *Collection[T]) Get(ctx context.Context, id string) (Document[T], error) {
	ref, err := c.Doc(ctx, id)
	if err != nil {
		return Document[T]{}, err
	}
	snapshot, err := ref.Get(ctx)
	if err != nil {
		return Document[T]{}, WrapError(c.op("get"), err)
	}
	return Decode[T](snapshot)
}

// Query runs the query produced by build against the collection.
func (c *Collection[T]) Query(ctx context.Context, build QueryBuilder) ([]Document[T], error) {
	coll, err := c.Ref(ctx)
	if err != nil {
		return nil, err
	}
	query := coll.Query
	if build != nil {
		query = build(query)
	}
	return Collect[T](ctx, query.Documents(ctx), c.op("query"))
}

func (c *Collection[T]) op(action string) string {
	return fmt.Sprintf("%s.%s", c.name, action)
}

// Decode hydrates a typed document from a snapshot.
func Decode[T any](snapshot *firestore.DocumentSnapshot) (Document[T], error) {
	var data T
	if err := snapshot.DataTo(&data); err != nil {
		return Document[T]{}, fmt.Errorf("firestore: decode document %s: %w", snapshot.Ref.ID, err)
	}
	return Document[T]{
		ID:         snapshot.Ref.ID,
		Data:       data,
		CreateTime: snapshot.CreateTime,
		UpdateTime: snapshot.UpdateTime,
	}, nil
}

// Collect drains iter into typed documents and stops it.
func Collect[T any](ctx context.Context, iter *firestore.DocumentIterator, op string) ([]Document[T], error) {
	defer iter.Stop()
	var docs []Document[T]
	for {
		snapshot, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			return docs, nil
		}
		if err != nil {
			return nil, WrapError(op, err)
		}
		doc, err := Decode[T](snapshot)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
}
