package spatial

// Mode selects how a projection pass computes coordinates.
type Mode string

const (
	// ModeLearning fits a fresh manifold layout over the whole graph and
	// stores the learned projection matrix.
	ModeLearning Mode = "LEARNING"
	// ModeTransforming re-projects only the event's entities through the
	// stored matrix, leaving existing positions untouched.
	ModeTransforming Mode = "TRANSFORMING"
)

// Projection methods reported in the completion notification.
const (
	MethodManifold = "manifold_learning"
	MethodLinear   = "linear_transform"
	MethodSpiral   = "golden_spiral_fallback"
)

// ModeConfig bounds when a full manifold re-fit is worth its cost.
type ModeConfig struct {
	// Interval triggers a re-fit whenever the node total crosses a
	// multiple of it.
	Interval int
	// MinNodes is the smallest graph worth fitting a manifold over.
	MinNodes int
	// MaxNodes caps re-fits on very large graphs where a full fit is too
	// expensive to run on every interval crossing.
	MaxNodes int
}

// DecideMode picks the projection mode from the would-be node total of the
// layout. A full manifold fit runs on exact interval multiples inside the
// configured band; everything else reuses the stored matrix. Callers must
// still fall back to learning when no matrix exists yet.
func DecideMode(totalNodes int, cfg ModeConfig) Mode {
	if cfg.Interval <= 0 {
		return ModeTransforming
	}
	if totalNodes%cfg.Interval != 0 {
		return ModeTransforming
	}
	if totalNodes < cfg.MinNodes || totalNodes > cfg.MaxNodes {
		return ModeTransforming
	}
	return ModeLearning
}
