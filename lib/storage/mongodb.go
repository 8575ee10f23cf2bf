/*
 * fleetd
 * Copyright (C) 2025  Openclaw, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

package storage

import (
	"context"
	"errors"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/openclaw/fleetd/lib/types"
)

const (
	deploymentsCollection = "deployments"
	usersCollection       = "users"

	mongoConnectTimeout = 10 * time.Second
)

// MongoConfig configures the MongoDB backend.
type MongoConfig struct {
	// URI is the mongodb:// connection string.
	URI string
	// Database is the database name.
	Database string
	// Clock stamps createdAt/updatedAt; defaults to the real clock.
	Clock clockwork.Clock
}

func (c *MongoConfig) checkAndSetDefaults() error {
	if c.URI == "" {
		return trace.BadParameter("missing mongodb URI")
	}
	if c.Database == "" {
		return trace.BadParameter("missing mongodb database name")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// MongoBackend is the production Backend on top of the MongoDB driver.
type MongoBackend struct {
	client      *mongo.Client
	deployments *mongoDeployments
	users       *mongoUsers
}

// NewMongoBackend connects to MongoDB and ensures the unique indexes the
// control plane relies on.
func NewMongoBackend(ctx context.Context, cfg MongoConfig) (*MongoBackend, error) {
	if err := cfg.checkAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	connectCtx, cancel := context.WithTimeout(ctx, mongoConnectTimeout)
	defer cancel()
	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := client.Ping(connectCtx, readpref.Primary()); err != nil {
		return nil, trace.Wrap(err)
	}
	db := client.Database(cfg.Database)
	b := &MongoBackend{
		client:      client,
		deployments: &mongoDeployments{coll: db.Collection(deploymentsCollection), clock: cfg.Clock},
		users:       &mongoUsers{coll: db.Collection(usersCollection), clock: cfg.Clock},
	}
	if err := b.ensureIndexes(ctx); err != nil {
		return nil, trace.Wrap(err)
	}
	return b, nil
}

func (b *MongoBackend) ensureIndexes(ctx context.Context) error {
	_, err := b.deployments.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "subdomain", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			// Partial: only non-null ports participate, so stopped
			// deployments with the field cleared do not collide.
			Keys: bson.D{{Key: "internalPort", Value: 1}},
			Options: options.Index().
				SetUnique(true).
				SetPartialFilterExpression(bson.M{"internalPort": bson.M{"$exists": true}}),
		},
		{
			Keys: bson.D{{Key: "userId", Value: 1}},
		},
	})
	if err != nil {
		return trace.Wrap(err)
	}
	_, err = b.users.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "email", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: "googleId", Value: 1}},
			Options: options.Index().SetSparse(true),
		},
	})
	return trace.Wrap(err)
}

func (b *MongoBackend) Deployments() Deployments { return b.deployments }
func (b *MongoBackend) Users() Users             { return b.users }

func (b *MongoBackend) Ping(ctx context.Context) error {
	return trace.Wrap(b.client.Ping(ctx, readpref.Primary()))
}

func (b *MongoBackend) Close(ctx context.Context) error {
	return trace.Wrap(b.client.Disconnect(ctx))
}

// convertMongoError maps driver errors onto the trace taxonomy.
func convertMongoError(err error, format string, args ...any) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, mongo.ErrNoDocuments):
		return trace.NotFound(format, args...)
	case mongo.IsDuplicateKeyError(err):
		return trace.AlreadyExists(format, args...)
	default:
		return trace.Wrap(err)
	}
}

type mongoDeployments struct {
	coll  *mongo.Collection
	clock clockwork.Clock
}

// updateDoc translates a patch into $set/$unset documents. Cleared fields are
// unset rather than zeroed so the partial unique index on internalPort stops
// tracking them.
func deploymentUpdateDoc(u DeploymentUpdate, now time.Time) bson.M {
	set := bson.M{"updatedAt": now}
	unset := bson.M{}
	if u.Status != nil {
		set["status"] = *u.Status
	}
	if u.ContainerID != nil {
		if *u.ContainerID == "" {
			unset["containerId"] = ""
		} else {
			set["containerId"] = *u.ContainerID
		}
	}
	if u.InternalPort != nil {
		if *u.InternalPort == 0 {
			unset["internalPort"] = ""
		} else {
			set["internalPort"] = *u.InternalPort
		}
	}
	if u.ErrorMessage != nil {
		if *u.ErrorMessage == "" {
			unset["errorMessage"] = ""
		} else {
			set["errorMessage"] = *u.ErrorMessage
		}
	}
	if u.ProvisioningStep != nil {
		if *u.ProvisioningStep == "" {
			unset["provisioningStep"] = ""
		} else {
			set["provisioningStep"] = *u.ProvisioningStep
		}
	}
	if u.LastHeartbeat != nil {
		set["lastHeartbeat"] = *u.LastHeartbeat
	}
	if u.LastRequestAt != nil {
		set["lastRequestAt"] = *u.LastRequestAt
	}
	if u.Secrets != nil {
		set["secrets"] = *u.Secrets
	}
	if u.Config != nil {
		set["config"] = *u.Config
	}
	doc := bson.M{"$set": set}
	if len(unset) != 0 {
		doc["$unset"] = unset
	}
	return doc
}

func deploymentFilterDoc(f DeploymentFilter) bson.M {
	doc := bson.M{}
	if f.UserID != "" {
		doc["userId"] = f.UserID
	}
	if len(f.Statuses) != 0 {
		doc["status"] = bson.M{"$in": f.Statuses}
	}
	if f.HasContainer != nil {
		if *f.HasContainer {
			doc["containerId"] = bson.M{"$exists": true, "$ne": ""}
		} else {
			doc["containerId"] = bson.M{"$in": bson.A{nil, ""}}
		}
	}
	return doc
}

func (m *mongoDeployments) Create(ctx context.Context, d *types.Deployment) error {
	if err := d.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	now := m.clock.Now().UTC()
	d.CreatedAt, d.UpdatedAt = now, now
	_, err := m.coll.InsertOne(ctx, d)
	return convertMongoError(err, "deployment %q already exists", d.Subdomain)
}

func (m *mongoDeployments) Get(ctx context.Context, id string) (*types.Deployment, error) {
	var d types.Deployment
	err := m.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&d)
	if err != nil {
		return nil, convertMongoError(err, "deployment %q not found", id)
	}
	return &d, nil
}

func (m *mongoDeployments) GetBySubdomain(ctx context.Context, subdomain string) (*types.Deployment, error) {
	var d types.Deployment
	err := m.coll.FindOne(ctx, bson.M{"subdomain": subdomain}).Decode(&d)
	if err != nil {
		return nil, convertMongoError(err, "deployment for subdomain %q not found", subdomain)
	}
	return &d, nil
}

func (m *mongoDeployments) List(ctx context.Context, filter DeploymentFilter) ([]types.Deployment, error) {
	cursor, err := m.coll.Find(ctx, deploymentFilterDoc(filter))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var out []types.Deployment
	if err := cursor.All(ctx, &out); err != nil {
		return nil, trace.Wrap(err)
	}
	return out, nil
}

func (m *mongoDeployments) Count(ctx context.Context, filter DeploymentFilter) (int, error) {
	n, err := m.coll.CountDocuments(ctx, deploymentFilterDoc(filter))
	if err != nil {
		return 0, trace.Wrap(err)
	}
	return int(n), nil
}

func (m *mongoDeployments) Update(ctx context.Context, id string, u DeploymentUpdate) error {
	res, err := m.coll.UpdateOne(ctx, bson.M{"_id": id}, deploymentUpdateDoc(u, m.clock.Now().UTC()))
	if err != nil {
		return convertMongoError(err, "internal port is taken")
	}
	if res.MatchedCount == 0 {
		return trace.NotFound("deployment %q not found", id)
	}
	return nil
}

func (m *mongoDeployments) UpdateWhenStatus(ctx context.Context, id string, expect types.DeploymentStatus, u DeploymentUpdate) (bool, error) {
	res, err := m.coll.UpdateOne(ctx,
		bson.M{"_id": id, "status": expect},
		deploymentUpdateDoc(u, m.clock.Now().UTC()))
	if err != nil {
		return false, convertMongoError(err, "internal port is taken")
	}
	return res.MatchedCount == 1, nil
}

func (m *mongoDeployments) UpdateAndGet(ctx context.Context, id string, u DeploymentUpdate) (*types.Deployment, error) {
	var d types.Deployment
	err := m.coll.FindOneAndUpdate(ctx,
		bson.M{"_id": id},
		deploymentUpdateDoc(u, m.clock.Now().UTC()),
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&d)
	if err != nil {
		return nil, convertMongoError(err, "deployment %q not found", id)
	}
	return &d, nil
}

func (m *mongoDeployments) Delete(ctx context.Context, id string) error {
	res, err := m.coll.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return trace.Wrap(err)
	}
	if res.DeletedCount == 0 {
		return trace.NotFound("deployment %q not found", id)
	}
	return nil
}

type mongoUsers struct {
	coll  *mongo.Collection
	clock clockwork.Clock
}

func userFilterDoc(f UserFilter) bson.M {
	doc := bson.M{}
	if f.SubscriptionStatus != "" {
		doc["subscriptionStatus"] = f.SubscriptionStatus
	}
	expires := bson.M{}
	if !f.ExpiresBefore.IsZero() {
		expires["$lte"] = f.ExpiresBefore
	}
	if !f.ExpiresAfter.IsZero() {
		expires["$gt"] = f.ExpiresAfter
	}
	if len(expires) != 0 {
		doc["subscriptionExpiresAt"] = expires
	}
	if f.ReminderSent != nil {
		if *f.ReminderSent {
			doc["expiryReminderSent"] = true
		} else {
			doc["expiryReminderSent"] = bson.M{"$ne": true}
		}
	}
	return doc
}

func userUpdateDoc(u UserUpdate, now time.Time) bson.M {
	set := bson.M{"updatedAt": now}
	if u.SubscriptionStatus != nil {
		set["subscriptionStatus"] = *u.SubscriptionStatus
	}
	if u.Tier != nil {
		set["tier"] = *u.Tier
	}
	if u.SubscriptionExpiresAt != nil {
		set["subscriptionExpiresAt"] = *u.SubscriptionExpiresAt
	}
	if u.ExpiryReminderSent != nil {
		set["expiryReminderSent"] = *u.ExpiryReminderSent
	}
	if u.MaxAgents != nil {
		set["maxAgents"] = *u.MaxAgents
	}
	return bson.M{"$set": set}
}

func (m *mongoUsers) Create(ctx context.Context, u *types.User) error {
	if err := u.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	now := m.clock.Now().UTC()
	u.CreatedAt, u.UpdatedAt = now, now
	_, err := m.coll.InsertOne(ctx, u)
	return convertMongoError(err, "user %q already exists", u.Email)
}

func (m *mongoUsers) Get(ctx context.Context, id string) (*types.User, error) {
	var u types.User
	err := m.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&u)
	if err != nil {
		return nil, convertMongoError(err, "user %q not found", id)
	}
	return &u, nil
}

func (m *mongoUsers) GetByEmail(ctx context.Context, email string) (*types.User, error) {
	var u types.User
	err := m.coll.FindOne(ctx, bson.M{"email": email}).Decode(&u)
	if err != nil {
		return nil, convertMongoError(err, "user with email %q not found", email)
	}
	return &u, nil
}

func (m *mongoUsers) GetByGoogleID(ctx context.Context, googleID string) (*types.User, error) {
	var u types.User
	err := m.coll.FindOne(ctx, bson.M{"googleId": googleID}).Decode(&u)
	if err != nil {
		return nil, convertMongoError(err, "user with google id %q not found", googleID)
	}
	return &u, nil
}

func (m *mongoUsers) List(ctx context.Context, filter UserFilter) ([]types.User, error) {
	cursor, err := m.coll.Find(ctx, userFilterDoc(filter))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var out []types.User
	if err := cursor.All(ctx, &out); err != nil {
		return nil, trace.Wrap(err)
	}
	return out, nil
}

func (m *mongoUsers) Update(ctx context.Context, id string, u UserUpdate) error {
	res, err := m.coll.UpdateOne(ctx, bson.M{"_id": id}, userUpdateDoc(u, m.clock.Now().UTC()))
	if err != nil {
		return trace.Wrap(err)
	}
	if res.MatchedCount == 0 {
		return trace.NotFound("user %q not found", id)
	}
	return nil
}
