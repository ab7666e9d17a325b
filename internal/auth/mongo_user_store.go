package auth

import (
	"context"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type MongoUserStore struct {
	coll *mongo.Collection
}

type userDoc struct {
	Username string `bson:"username"`
	PassHash string `bson:"pass_hash"`
	Roles    []Role `bson:"roles"`
	Disabled bool   `bson:"disabled,omitempty"`
}

// NewMongoUserStore uses cli, which stays owned by the caller.
func NewMongoUserStore(ctx context.Context, cli *mongo.Client, db, coll string) (*MongoUserStore, error) {
	c := cli.Database(db).Collection(coll)
	_, err := c.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "username", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return nil, errors.Wrap(err, "cannot create users index")
	}
	return &MongoUserStore{coll: c}, nil
}

func (s *MongoUserStore) Add(ctx context.Context, u *User) error {
	doc := userDoc{
		Username: NormalizeUsername(u.Username),
		PassHash: u.PassHash,
		Roles:    u.Roles,
		Disabled: u.Disabled,
	}
	if doc.Username == "" {
		return errors.New("username is empty")
	}
	_, err := s.coll.InsertOne(ctx, doc)
	if mongo.IsDuplicateKeyError(err) {
		return ErrUserExists
	}
	return errors.Wrap(err, "cannot insert user")
}

func (s *MongoUserStore) FindByUsername(ctx context.Context, username string) (*User, error) {
	var doc userDoc
	err := s.coll.FindOne(ctx, bson.M{"username": NormalizeUsername(username)}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "cannot load user")
	}
	return &User{Username: doc.Username, PassHash: doc.PassHash, Roles: doc.Roles, Disabled: doc.Disabled}, nil
}

func (s *MongoUserStore) UpdatePassword(ctx context.Context, username, newHash string) error {
	res, err := s.coll.UpdateOne(ctx,
		bson.M{"username": NormalizeUsername(username)},
		bson.M{"$set": bson.M{"pass_hash": newHash}},
	)
	if err != nil {
		return errors.Wrap(err, "cannot update user")
	}
	if res.MatchedCount == 0 {
		return ErrUserNotFound
	}
	return nil
}
