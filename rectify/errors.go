package rectify

import "errors"

var (
	// ErrNotComputed is returned when a stage is requested before the stage it
	// depends on, e.g. the inverse index before the forward index.
	ErrNotComputed = errors.New("rectify: dependency not computed")
	// ErrGridFinalized is returned when the destination grid would change after
	// indices depending on it were built.
	ErrGridFinalized = errors.New("rectify: destination grid already finalized")
	// ErrNoCoverage is returned when no source pixel has valid coordinates.
	ErrNoCoverage = errors.New("rectify: source image has no valid pixel")
	// ErrShapeMismatch is returned for source arrays that do not share one tiling.
	ErrShapeMismatch = errors.New("rectify: arrays do not share the source tiling")
)
