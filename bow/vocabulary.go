package bow

import (
	"github.com/muesli/clusters"
	"github.com/muesli/kmeans"
	"github.com/pkg/errors"

	"go.viam.com/slamtrack/features"
)

// KMeansVocabulary is a flat visual vocabulary: descriptor space is
// partitioned by k-means, and each cluster is one vocabulary node.
type KMeansVocabulary struct {
	centers []clusters.Coordinates
}

// TrainVocabulary clusters a training corpus of descriptors into k nodes.
func TrainVocabulary(descs []features.Descriptor, k int) (*KMeansVocabulary, error) {
	if k < 2 {
		return nil, errors.New("vocabulary needs at least 2 nodes")
	}
	if len(descs) < k {
		return nil, errors.Errorf("need at least %d descriptors to train %d nodes, got %d", k, k, len(descs))
	}
	obs := make(clusters.Observations, len(descs))
	for i, d := range descs {
		obs[i] = descriptorCoords(d)
	}
	km := kmeans.New()
	cls, err := km.Partition(obs, k)
	if err != nil {
		return nil, errors.Wrap(err, "vocabulary clustering failed")
	}
	v := &KMeansVocabulary{centers: make([]clusters.Coordinates, len(cls))}
	for i, c := range cls {
		v.centers[i] = c.Center
	}
	return v, nil
}

// Size returns the number of vocabulary nodes.
func (v *KMeansVocabulary) Size() int { return len(v.centers) }

// Transform assigns each descriptor to its nearest node.
func (v *KMeansVocabulary) Transform(descs []features.Descriptor) (Vector, FeatureVector) {
	vec := Vector{}
	assignments := make([]uint32, len(descs))
	for i, d := range descs {
		node := v.nearest(descriptorCoords(d))
		assignments[i] = node
		vec[node]++
	}
	if len(descs) > 0 {
		inv := 1.0 / float64(len(descs))
		for node := range vec {
			vec[node] *= inv
		}
	}
	return vec, NewFeatureVector(assignments)
}

func (v *KMeansVocabulary) nearest(c clusters.Coordinates) uint32 {
	best := uint32(0)
	bestDist := c.Distance(v.centers[0])
	for i := 1; i < len(v.centers); i++ {
		if d := c.Distance(v.centers[i]); d < bestDist {
			bestDist = d
			best = uint32(i)
		}
	}
	return best
}

// descriptorCoords unpacks the 256 descriptor bits into clustering space.
func descriptorCoords(d features.Descriptor) clusters.Coordinates {
	c := make(clusters.Coordinates, 256)
	for i := 0; i < 256; i++ {
		if d[i/32]&(1<<(i%32)) != 0 {
			c[i] = 1
		}
	}
	return c
}
