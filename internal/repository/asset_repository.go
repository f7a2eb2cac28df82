package repository

import (
	"context"
	"errors"
	"time"

	models "media-pipeline/internal/media"
	utils "media-pipeline/internal/utils"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

// AssetRepo persists asset records in a Mongo collection. Variant writes go
// through a version-guarded targeted update so concurrent pipeline runs never
// clobber each other's variant lists.
type AssetRepo struct {
	col *mongo.Collection
}

func NewAssetRepo(col *mongo.Collection) *AssetRepo {
	return &AssetRepo{col: col}
}

func (r *AssetRepo) Insert(ctx context.Context, a *models.Asset) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	_, err := r.col.InsertOne(ctx, a)
	return err
}

func (r *AssetRepo) FindByID(ctx context.Context, id string) (*models.Asset, error) {
	var a models.Asset
	err := r.col.FindOne(ctx, bson.M{"_id": id}).Decode(&a)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, utils.ErrAssetNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// FindByContentHash returns some other asset with the same content hash that
// already carries at least one ready variant, or nil when none exists. Used
// for the dedup short circuit: its variant list can be copied verbatim since
// storage keys are content-derived.
func (r *AssetRepo) FindByContentHash(ctx context.Context, hash, excludeID string) (*models.Asset, error) {
	filter := bson.M{
		"content_hash": hash,
		"_id":          bson.M{"$ne": excludeID},
		"variants": bson.M{"$elemMatch": bson.M{
			"ready_at": bson.M{"$ne": nil},
		}},
	}
	var a models.Asset
	err := r.col.FindOne(ctx, filter).Decode(&a)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// UpdateVariantsField replaces only the variants field, guarded by the
// version the caller read. A lost race surfaces as ErrVersionConflict; the
// committer re-reads, merges by type and retries.
func (r *AssetRepo) UpdateVariantsField(ctx context.Context, id string, version int64, variants []models.Variant) error {
	res, err := r.col.UpdateOne(ctx,
		bson.M{"_id": id, "version": version},
		bson.M{
			"$set": bson.M{"variants": variants, "updated_at": time.Now().UTC()},
			"$inc": bson.M{"version": int64(1)},
		},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		// distinguish a missing record from a stale version
		if err := r.col.FindOne(ctx, bson.M{"_id": id}).Err(); errors.Is(err, mongo.ErrNoDocuments) {
			return utils.ErrAssetNotFound
		}
		return utils.ErrVersionConflict
	}
	return nil
}

// UpdateMetadata merges probed technical metadata into the asset record.
// Best effort alongside variant generation; not version-guarded since only
// the pipeline writes these fields.
func (r *AssetRepo) UpdateMetadata(ctx context.Context, id string, metadata map[string]any) error {
	set := bson.M{"updated_at": time.Now().UTC()}
	for k, v := range metadata {
		set["metadata."+k] = v
	}
	_, err := r.col.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": set})
	return err
}
