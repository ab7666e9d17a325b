// Package mongo keeps the remote document in a MongoDB collection, one
// document per owner and path. Writes are conditional on the stored revision.
package mongo

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"pfpvault/internal/sync"
)

const Name = "mongo"

type object struct {
	ID       string `bson:"_id"`
	Revision string `bson:"rev"`
	Body     []byte `bson:"body"`
}

// Provider authorizes a single owner; its token is the owner name. Anyone
// with access to the database can write, so the token only guards against
// pointing two vaults at the same document by mistake.
type Provider struct {
	coll  *mongo.Collection
	owner string
}

func New(cli *mongo.Client, db, collection, owner string) *Provider {
	return &Provider{coll: cli.Database(db).Collection(collection), owner: owner}
}

func (p *Provider) Name() string { return Name }

func (p *Provider) Authorize(ctx context.Context) (string, error) {
	if p.owner == "" {
		return "", errors.New("mongo provider: owner is empty")
	}
	if err := p.coll.Database().Client().Ping(ctx, nil); err != nil {
		return "", errors.Wrap(sync.ErrNetwork, err.Error())
	}
	return p.owner, nil
}

func (p *Provider) id(path string) string { return p.owner + ":" + path }

func (p *Provider) Get(ctx context.Context, path, token string) (*sync.RemoteFile, error) {
	if token != p.owner {
		return nil, sync.ErrInvalidToken
	}
	var obj object
	err := p.coll.FindOne(ctx, bson.M{"_id": p.id(path)}).Decode(&obj)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, wrap(err, "mongo find failed")
	}
	return &sync.RemoteFile{Revision: obj.Revision, Contents: obj.Body}, nil
}

func (p *Provider) Put(ctx context.Context, path string, contents []byte, expected, token string) (string, error) {
	if token != p.owner {
		return "", sync.ErrInvalidToken
	}
	rev := uuid.NewString()
	if expected == "" {
		_, err := p.coll.InsertOne(ctx, object{ID: p.id(path), Revision: rev, Body: contents})
		if mongo.IsDuplicateKeyError(err) {
			return "", errors.Wrap(sync.ErrWrongRevision, "object exists")
		}
		if err != nil {
			return "", wrap(err, "mongo insert failed")
		}
		return rev, nil
	}
	res, err := p.coll.UpdateOne(ctx,
		bson.M{"_id": p.id(path), "rev": expected},
		bson.M{"$set": bson.M{"rev": rev, "body": contents}},
	)
	if err != nil {
		return "", wrap(err, "mongo update failed")
	}
	if res.MatchedCount == 0 {
		return "", errors.Wrapf(sync.ErrWrongRevision, "expected revision %s", expected)
	}
	return rev, nil
}

// wrap reports driver timeouts and connection failures as network errors.
func wrap(err error, msg string) error {
	if mongo.IsTimeout(err) || mongo.IsNetworkError(err) || errors.Is(err, context.DeadlineExceeded) {
		return errors.Wrap(sync.ErrNetwork, msg+": "+err.Error())
	}
	return errors.Wrap(err, msg)
}
