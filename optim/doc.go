// Package optim provides the training optimizer and its per-parameter
// state store.
//
// The state store keeps Adam's first and second moment buffers in
// index-parallel arrays, one row per primitive and one group per parameter
// column (positions, SH features, opacity, scaling, rotation). The
// population controller drives Compact on the store with the same
// keep/newborn plan it applies to the primitive cloud, so optimizer state
// never drifts out of alignment with the live population. Cloned rows
// carry their parent's momentum into the newborn slot (warm start); split
// children start from zeroed moments.
package optim
