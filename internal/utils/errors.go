package utils

import "errors"

var (
	// ErrAssetNotFound means the asset record does not exist; the run aborts.
	ErrAssetNotFound = errors.New("asset not found")
	// ErrTranscodeFailed marks a failure of a non-skippable step (image
	// ladder, poster frame).
	ErrTranscodeFailed = errors.New("transcode failed")
	// ErrVersionConflict is returned by the repository when a targeted update
	// lost an optimistic-concurrency race.
	ErrVersionConflict = errors.New("version conflict")
	// ErrStorageFailure wraps object store failures.
	ErrStorageFailure = errors.New("storage backend failure")
)
