// Package mongostore serves content metadata from MongoDB collections.
package mongostore

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/splax/modpulse/internal/domain"
	"github.com/splax/modpulse/internal/repository"
)

const (
	postsCollection  = "posts"
	groupsCollection = "groups"
)

// ContentRepository reads post and group documents.
type ContentRepository struct {
	db *mongo.Database
}

var _ repository.ContentRepository = (*ContentRepository)(nil)

// NewContentRepository binds to db.
func NewContentRepository(db *mongo.Database) *ContentRepository {
	return &ContentRepository{db: db}
}

type postDocument struct {
	ID       string `bson:"_id"`
	Title    string `bson:"title"`
	AuthorID string `bson:"authorId,omitempty"`
	GroupID  string `bson:"groupId,omitempty"`
}

type groupDocument struct {
	ID   string `bson:"_id"`
	Name string `bson:"name"`
}

// PostSummaries loads posts by id. Unknown ids are omitted.
func (r *ContentRepository) PostSummaries(ctx context.Context, ids []string) (map[string]domain.PostSummary, error) {
	out := make(map[string]domain.PostSummary, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var docs []postDocument
	if err := r.find(ctx, postsCollection, ids, bson.D{{Key: "title", Value: 1}, {Key: "authorId", Value: 1}, {Key: "groupId", Value: 1}}, &docs); err != nil {
		return nil, err
	}
	for _, d := range docs {
		out[d.ID] = domain.PostSummary{ID: d.ID, Title: d.Title, AuthorID: d.AuthorID, GroupID: d.GroupID}
	}
	return out, nil
}

// GroupSummaries loads groups by id. Unknown ids are omitted.
func (r *ContentRepository) GroupSummaries(ctx context.Context, ids []string) (map[string]domain.GroupSummary, error) {
	out := make(map[string]domain.GroupSummary, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var docs []groupDocument
	if err := r.find(ctx, groupsCollection, ids, bson.D{{Key: "name", Value: 1}}, &docs); err != nil {
		return nil, err
	}
	for _, d := range docs {
		out[d.ID] = domain.GroupSummary{ID: d.ID, Name: d.Name}
	}
	return out, nil
}

func (r *ContentRepository) find(ctx context.Context, collection string, ids []string, projection bson.D, results any) error {
	filter := bson.D{{Key: "_id", Value: bson.D{{Key: "$in", Value: ids}}}}
	cursor, err := r.db.Collection(collection).Find(ctx, filter, options.Find().SetProjection(projection))
	if err != nil {
		return err
	}
	return cursor.All(ctx, results)
}
