// Package trust scores writing agents from behavioral evidence and gates
// mutations on that score.
//
// The score is the mean of a Beta posterior: positive evidence adds to alpha,
// negative evidence adds to beta. With only negative evidence the score can
// only fall.
package trust

import (
	"time"

	"github.com/normanking/cortexmem/pkg/types"
)

// Config holds the gate's policy.
type Config struct {
	PriorAlpha float64 // Pseudo-count of positive evidence
	PriorBeta  float64 // Pseudo-count of negative evidence
	DenyBelow  float64 // Writes and deletes are denied under this score

	WriteRate  float64 // Sustained writes per second per agent
	WriteBurst int     // Token bucket capacity

	BurstWindow       time.Duration // Sliding window for write_burst detection
	BurstThreshold    int           // Writes within BurstWindow before each further write counts as a burst
	QuickDeleteWindow time.Duration // Own memory deleted within this age counts as quick_delete

	Weights map[types.SignalKind]float64
}

// DefaultWeights are the evidence weights per signal kind.
func DefaultWeights() map[types.SignalKind]float64 {
	return map[types.SignalKind]float64{
		types.SignalWriteBurst:         0.5,
		types.SignalQuickDelete:        0.25,
		types.SignalThumbsDownReceived: 1,
		types.SignalRecalledByOther:    0.5,
		types.SignalRetainedImportant:  1,
		types.SignalThumbsUpReceived:   1,
		types.SignalAdminVouch:         5,
	}
}

// DefaultConfig returns the default policy.
func DefaultConfig() Config {
	return Config{
		PriorAlpha:        2,
		PriorBeta:         2,
		DenyBelow:         0.3,
		WriteRate:         2,
		WriteBurst:        60,
		BurstWindow:       time.Minute,
		BurstThreshold:    30,
		QuickDeleteWindow: 5 * time.Minute,
		Weights:           DefaultWeights(),
	}
}

func (c Config) weight(kind types.SignalKind) float64 {
	if w, ok := c.Weights[kind]; ok {
		return w
	}
	return DefaultWeights()[kind]
}

// Posterior returns the Beta posterior mean for the given evidence totals.
func Posterior(alpha, beta, positive, negative float64) float64 {
	den := alpha + beta + positive + negative
	if den <= 0 {
		return 0.5
	}
	s := (alpha + positive) / den
	switch {
	case s < 0:
		return 0
	case s > 1:
		return 1
	}
	return s
}

// score computes an agent's score under c.
func (c Config) score(positive, negative float64) float64 {
	return Posterior(c.PriorAlpha, c.PriorBeta, positive, negative)
}
