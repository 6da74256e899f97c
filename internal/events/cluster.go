package events

import (
	"math"
	"sort"
	"strings"
)

const (
	maxFeatures      = 100
	maxFeaturesLarge = 50
	largeCorpus      = 200
	noise            = -1
)

// terms returns the unigrams and bigrams of a normalized text after stop
// words are removed.
func terms(text string) []string {
	var tokens []string
	for _, tok := range tokenRe.FindAllString(text, -1) {
		if !englishStopWords[tok] {
			tokens = append(tokens, tok)
		}
	}
	out := append([]string(nil), tokens...)
	for i := 0; i+1 < len(tokens); i++ {
		out = append(out, tokens[i]+" "+tokens[i+1])
	}
	return out
}

// vectorize builds L2-normalized TF-IDF vectors over a vocabulary limited to
// the most frequent terms in the corpus.
func vectorize(docs []string) [][]float64 {
	limit := maxFeatures
	if len(docs) > largeCorpus {
		limit = maxFeaturesLarge
	}

	counts := make([]map[string]int, len(docs))
	df := make(map[string]int)
	tf := make(map[string]int)
	for i, d := range docs {
		counts[i] = make(map[string]int)
		for _, t := range terms(d) {
			counts[i][t]++
			tf[t]++
		}
		for t := range counts[i] {
			df[t]++
		}
	}

	vocab := make([]string, 0, len(tf))
	for t := range tf {
		vocab = append(vocab, t)
	}
	sort.Slice(vocab, func(i, j int) bool {
		if tf[vocab[i]] != tf[vocab[j]] {
			return tf[vocab[i]] > tf[vocab[j]]
		}
		return vocab[i] < vocab[j]
	})
	if len(vocab) > limit {
		vocab = vocab[:limit]
	}
	sort.Strings(vocab)

	n := float64(len(docs))
	idf := make([]float64, len(vocab))
	for k, t := range vocab {
		idf[k] = math.Log((1+n)/(1+float64(df[t]))) + 1
	}

	vecs := make([][]float64, len(docs))
	for i := range docs {
		v := make([]float64, len(vocab))
		var norm float64
		for k, t := range vocab {
			if c := counts[i][t]; c > 0 {
				v[k] = float64(c) * idf[k]
				norm += v[k] * v[k]
			}
		}
		if norm > 0 {
			norm = math.Sqrt(norm)
			for k := range v {
				v[k] /= norm
			}
		}
		vecs[i] = v
	}
	return vecs
}

func isZero(v []float64) bool {
	for _, x := range v {
		if x != 0 {
			return false
		}
	}
	return true
}

// cosineDistance assumes both vectors are L2-normalized.
func cosineDistance(a, b []float64) float64 {
	var dot float64
	for k := range a {
		dot += a[k] * b[k]
	}
	return 1 - dot
}

// dbscan labels each vector with a cluster number or noise. A point's
// neighborhood includes itself; zero vectors are always noise.
func dbscan(vecs [][]float64, eps float64, minSamples int) []int {
	labels := make([]int, len(vecs))
	visited := make([]bool, len(vecs))
	for i := range labels {
		labels[i] = noise
	}

	neighbors := func(i int) []int {
		if isZero(vecs[i]) {
			return nil
		}
		var out []int
		for j := range vecs {
			if !isZero(vecs[j]) && cosineDistance(vecs[i], vecs[j]) <= eps+1e-12 {
				out = append(out, j)
			}
		}
		return out
	}

	cluster := 0
	for i := range vecs {
		if visited[i] {
			continue
		}
		visited[i] = true
		nb := neighbors(i)
		if len(nb) < minSamples {
			continue
		}

		labels[i] = cluster
		queue := append([]int(nil), nb...)
		for len(queue) > 0 {
			j := queue[0]
			queue = queue[1:]
			if labels[j] == noise {
				labels[j] = cluster
			}
			if visited[j] {
				continue
			}
			visited[j] = true
			if jn := neighbors(j); len(jn) >= minSamples {
				queue = append(queue, jn...)
			}
		}
		cluster++
	}
	return labels
}

// Cluster groups texts into candidate events. It returns index groups in
// order of first appearance; groups smaller than minItems are dropped.
func Cluster(texts []string, threshold float64, minItems int) [][]int {
	var idx []int
	var docs []string
	for i, t := range texts {
		if n := Normalize(t); n != "" {
			idx = append(idx, i)
			docs = append(docs, n)
		}
	}
	minSamples := max(2, minItems)
	if len(docs) < minSamples {
		return nil
	}

	labels := dbscan(vectorize(docs), 1-threshold, minSamples)

	byLabel := make(map[int][]int)
	var order []int
	for k, l := range labels {
		if l == noise {
			continue
		}
		if _, ok := byLabel[l]; !ok {
			order = append(order, l)
		}
		byLabel[l] = append(byLabel[l], idx[k])
	}

	var groups [][]int
	for _, l := range order {
		if g := byLabel[l]; len(g) >= minItems {
			groups = append(groups, g)
		}
	}
	return groups
}

func joinFirst(words []string, n int) string {
	if len(words) > n {
		words = words[:n]
	}
	return strings.Join(words, ", ")
}
