// Package gaussian stores the live population of anisotropic Gaussian
// primitives in columnar (SOA) layout.
//
// Each primitive occupies one logical row spread across parallel float32
// columns: world position (3), rotation quaternion (4, raw), log-scale (3),
// opacity logit (1), spherical-harmonic color coefficients (DC band plus
// higher bands), and a one-byte type tag. Rows are identified only by their
// current index; a compaction invalidates every outstanding index.
//
// The Cloud carries a monotonically increasing generation stamp that is
// bumped on every structural mutation. Derived structures (such as
// nearest-neighbor graphs) record the generation they were built against and
// must be considered stale once the stamps diverge.
//
// Parameters are stored pre-activation, matching the representation the
// optimizer updates: scales in log space, opacities as logits, rotations
// unnormalized. Accessors apply the activations on read.
package gaussian
