package ranking

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"
)

// ErrNoModel means the profile has never been trained.
var ErrNoModel = errors.New("no ranking model trained")

// TrainConfig tunes LambdaMART training.
type TrainConfig struct {
	Trees        int     // Boosting rounds
	LearningRate float64 // Shrinkage per tree
	MaxDepth     int     // Depth of each regression tree
	MinLeaf      int     // Fewest samples in a leaf
	MinPairs     int     // Labeled pairs needed to train at all
}

// DefaultTrainConfig returns the default training parameters.
func DefaultTrainConfig() TrainConfig {
	return TrainConfig{
		Trees:        50,
		LearningRate: 0.1,
		MaxDepth:     3,
		MinLeaf:      2,
		MinPairs:     10,
	}
}

// ============================================================================
// MODEL
// ============================================================================

// treeNode is either a split or a leaf. Children are indexes into the
// tree's node slice.
type treeNode struct {
	Leaf      bool    `json:"leaf,omitempty"`
	Value     float64 `json:"v,omitempty"`
	Feature   int     `json:"f,omitempty"`
	Threshold float64 `json:"t,omitempty"`
	Left      int     `json:"l,omitempty"`
	Right     int     `json:"r,omitempty"`
}

// Tree is one regression tree. Node 0 is the root.
type Tree struct {
	Nodes []treeNode `json:"nodes"`
}

func (t Tree) predict(x []float64) float64 {
	i := 0
	for !t.Nodes[i].Leaf {
		n := t.Nodes[i]
		if x[n.Feature] <= n.Threshold {
			i = n.Left
		} else {
			i = n.Right
		}
	}
	return t.Nodes[i].Value
}

// Model is a trained LambdaMART ensemble.
type Model struct {
	Version       int       `json:"version"`
	FeatureCount  int       `json:"feature_count"`
	LearningRate  float64   `json:"learning_rate"`
	Trees         []Tree    `json:"trees"`
	TrainingPairs int       `json:"training_pairs"`
	TrainedAt     time.Time `json:"trained_at"`
}

// Score returns the model's relevance score for one feature row.
func (m *Model) Score(x []float64) (float64, error) {
	if len(x) != m.FeatureCount {
		return 0, fmt.Errorf("model expects %d features, got %d", m.FeatureCount, len(x))
	}
	var score float64
	for _, t := range m.Trees {
		if len(t.Nodes) == 0 {
			return 0, errors.New("model has an empty tree")
		}
		score += m.LearningRate * t.predict(x)
	}
	if math.IsNaN(score) || math.IsInf(score, 0) {
		return 0, errors.New("model produced a non-finite score")
	}
	return score, nil
}

// ============================================================================
// TRAINING
// ============================================================================

// sample is one judged (query, memory) pair.
type sample struct {
	features []float64
	label    float64
}

// countPairs returns the number of ordered pairs with different labels
// within each query group.
func countPairs(groups [][]sample) int {
	var n int
	for _, g := range groups {
		for i := range g {
			for j := range g {
				if g[i].label > g[j].label {
					n++
				}
			}
		}
	}
	return n
}

// trainLambdaMART fits a gradient-boosted tree ensemble whose gradients are
// LambdaRank lambdas weighted by the NDCG change of swapping each pair.
// Training is deterministic for a given input order.
func trainLambdaMART(groups [][]sample, features int, cfg TrainConfig) *Model {
	var (
		flat   []sample
		offset []int
	)
	for _, g := range groups {
		offset = append(offset, len(flat))
		flat = append(flat, g...)
	}

	scores := make([]float64, len(flat))
	lambdas := make([]float64, len(flat))
	hessians := make([]float64, len(flat))
	model := &Model{FeatureCount: features, LearningRate: cfg.LearningRate}

	for round := 0; round < cfg.Trees; round++ {
		for i := range lambdas {
			lambdas[i], hessians[i] = 0, 0
		}
		for gi, g := range groups {
			computeLambdas(g, scores[offset[gi]:], lambdas[offset[gi]:], hessians[offset[gi]:])
		}

		idx := make([]int, len(flat))
		for i := range idx {
			idx[i] = i
		}
		b := &treeBuilder{samples: flat, lambdas: lambdas, hessians: hessians, cfg: cfg, features: features}
		b.build(idx, 0)
		tree := Tree{Nodes: b.nodes}

		for i, s := range flat {
			scores[i] += cfg.LearningRate * tree.predict(s.features)
		}
		model.Trees = append(model.Trees, tree)
	}
	return model
}

// computeLambdas accumulates the LambdaRank gradient and its second
// derivative for one query group. scores, lambdas and hessians are views
// aligned with g.
func computeLambdas(g []sample, scores, lambdas, hessians []float64) {
	ideal := idealDCG(g)
	if ideal == 0 {
		return
	}

	order := make([]int, len(g))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return scores[order[a]] > scores[order[b]] })
	rank := make([]int, len(g))
	for r, i := range order {
		rank[i] = r
	}

	for i := range g {
		for j := range g {
			if g[i].label <= g[j].label {
				continue
			}
			delta := math.Abs((gain(g[i].label) - gain(g[j].label)) *
				(discount(rank[i]) - discount(rank[j]))) / ideal
			rho := 1 / (1 + math.Exp(scores[i]-scores[j]))
			lambdas[i] += delta * rho
			lambdas[j] -= delta * rho
			h := delta * rho * (1 - rho)
			hessians[i] += h
			hessians[j] += h
		}
	}
}

func gain(label float64) float64 { return math.Pow(2, label) - 1 }

func discount(rank int) float64 { return 1 / math.Log2(float64(rank)+2) }

func idealDCG(g []sample) float64 {
	labels := make([]float64, len(g))
	for i, s := range g {
		labels[i] = s.label
	}
	sort.Sort(sort.Reverse(sort.Float64Slice(labels)))
	var dcg float64
	for r, l := range labels {
		dcg += gain(l) * discount(r)
	}
	return dcg
}

// treeBuilder grows one regression tree on the lambdas by variance
// reduction and sets leaves with a Newton step.
type treeBuilder struct {
	samples  []sample
	lambdas  []float64
	hessians []float64
	cfg      TrainConfig
	features int
	nodes    []treeNode
}

func (b *treeBuilder) build(idx []int, depth int) int {
	at := len(b.nodes)
	b.nodes = append(b.nodes, treeNode{})

	if depth < b.cfg.MaxDepth && len(idx) >= 2*b.cfg.MinLeaf {
		if f, thr, ok := b.bestSplit(idx); ok {
			var left, right []int
			for _, i := range idx {
				if b.samples[i].features[f] <= thr {
					left = append(left, i)
				} else {
					right = append(right, i)
				}
			}
			l := b.build(left, depth+1)
			r := b.build(right, depth+1)
			b.nodes[at] = treeNode{Feature: f, Threshold: thr, Left: l, Right: r}
			return at
		}
	}

	var sumL, sumH float64
	for _, i := range idx {
		sumL += b.lambdas[i]
		sumH += b.hessians[i]
	}
	leaf := treeNode{Leaf: true}
	if sumH > 1e-12 {
		leaf.Value = sumL / sumH
	}
	b.nodes[at] = leaf
	return at
}

// bestSplit scans every feature for the threshold with the largest
// reduction in squared error of the lambdas. Ties keep the lower feature
// and threshold.
func (b *treeBuilder) bestSplit(idx []int) (feature int, threshold float64, ok bool) {
	var total float64
	for _, i := range idx {
		total += b.lambdas[i]
	}
	n := float64(len(idx))
	parent := total * total / n

	bestGain := 1e-12
	sorted := append([]int(nil), idx...)
	for f := 0; f < b.features; f++ {
		sort.SliceStable(sorted, func(a, c int) bool {
			return b.samples[sorted[a]].features[f] < b.samples[sorted[c]].features[f]
		})

		var left float64
		for k := 0; k < len(sorted)-1; k++ {
			left += b.lambdas[sorted[k]]
			cur := b.samples[sorted[k]].features[f]
			next := b.samples[sorted[k+1]].features[f]
			if cur == next {
				continue
			}
			nl := float64(k + 1)
			nr := n - nl
			if int(nl) < b.cfg.MinLeaf || int(nr) < b.cfg.MinLeaf {
				continue
			}
			right := total - left
			g := left*left/nl + right*right/nr - parent
			if g > bestGain {
				bestGain, feature, threshold, ok = g, f, (cur+next)/2, true
			}
		}
	}
	return feature, threshold, ok
}
