// Package bow provides the bag-of-words descriptor representation used to
// accelerate feature matching between frames and keyframes.
package bow

import (
	"sort"

	"go.viam.com/slamtrack/features"
)

// Vector is a weighted bag-of-words vector: vocabulary node id to weight.
type Vector map[uint32]float64

// NodeFeatures lists the descriptor indices assigned to one vocabulary node.
type NodeFeatures struct {
	Node    uint32
	Indices []int
}

// FeatureVector groups descriptor indices by vocabulary node, sorted by node
// id so two vectors can be walked jointly.
type FeatureVector []NodeFeatures

// Vocabulary converts a set of descriptors into BoW form.
type Vocabulary interface {
	Transform(descs []features.Descriptor) (Vector, FeatureVector)
}

// NewFeatureVector groups indices by assigned node id.
func NewFeatureVector(assignments []uint32) FeatureVector {
	byNode := map[uint32][]int{}
	for i, node := range assignments {
		byNode[node] = append(byNode[node], i)
	}
	fv := make(FeatureVector, 0, len(byNode))
	for node, indices := range byNode {
		fv = append(fv, NodeFeatures{Node: node, Indices: indices})
	}
	sort.Slice(fv, func(i, j int) bool { return fv[i].Node < fv[j].Node })
	return fv
}
