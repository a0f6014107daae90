package rpt

import (
	"bufio"
	"container/heap"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"os"
	"runtime"
	"sort"
	"sync"

	"github.com/patrikhermansson/pinmatch/core"
	"github.com/rs/zerolog/log"
)

var (
	// ErrAlreadyBuilt is returned when adding to a forest that has been built.
	ErrAlreadyBuilt = errors.New("forest already built")

	// ErrNotBuilt is returned when searching a forest before Build.
	ErrNotBuilt = errors.New("forest not built")
)

// NewForest creates a new forest of random projection trees over angular distance.
// It initializes parameters like dimension, leaf capacity, candidate projections, and parallel threshold.
func NewForest(
	dimension int,
	leafCapacity int,
	candidateProjections int,
	parallelThreshold int,
	seed int64,
) *Forest {
	return &Forest{
		dimension:            dimension,
		LeafCapacity:         leafCapacity,
		CandidateProjections: candidateProjections,
		ParallelThreshold:    parallelThreshold,
		Seed:                 seed,
	}
}

// treeNode represents a node in a random projection tree.
// It holds the projection, threshold, and pointers to left/right children.
// If isLeaf is true, the node holds a list of point ids.
type treeNode struct {
	isLeaf     bool      // true if this node is a leaf
	points     []int     // ids of points in the leaf
	projection []float32 // hyperplane normal used for splitting at this node
	threshold  float64   // split threshold (median value)
	left       *treeNode // left child node
	right      *treeNode // right child node
}

// Forest is an Annoy-style index: many random projection trees built over the
// same normalized vectors and searched together. Vectors are addressed by
// dense integer ids; the forest is immutable once built.
type Forest struct {
	mu                   sync.RWMutex // protects concurrent access
	dimension            int          // dimension of each vector
	vectors              []float32    // normalized vectors, id i at [i*dimension, (i+1)*dimension)
	present              []bool       // present[id] reports whether id was added
	count                int          // number of present ids
	trees                []*treeNode  // roots, one per tree
	LeafCapacity         int          // maximum number of points in a leaf
	CandidateProjections int          // number of random hyperplanes to try when splitting
	ParallelThreshold    int          // threshold to trigger parallel subtree building
	Seed                 int64        // base seed; equal seeds and inputs give equal forests
	SearchK              int          // candidates gathered per query, 0 means k*trees
}

func (f *Forest) vector(id int) []float32 {
	return f.vectors[id*f.dimension : (id+1)*f.dimension]
}

// Add inserts a vector with the given id. Ids need not be contiguous but
// should be dense, since storage grows to the largest id.
func (f *Forest) Add(id int, vector []float32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.trees != nil {
		return ErrAlreadyBuilt
	}
	if id < 0 {
		return fmt.Errorf("id %d must not be negative", id)
	}
	if len(vector) != f.dimension {
		return fmt.Errorf("vector dimension %d does not match index dimension %d",
			len(vector), f.dimension)
	}
	if id < len(f.present) && f.present[id] {
		return fmt.Errorf("id %d already exists", id)
	}
	if need := (id + 1) * f.dimension; need > len(f.vectors) {
		f.vectors = append(f.vectors, make([]float32, need-len(f.vectors))...)
		f.present = append(f.present, make([]bool, id+1-len(f.present))...)
	}
	dst := f.vector(id)
	copy(dst, vector)
	core.NormalizeVector(dst)
	f.present[id] = true
	f.count++
	return nil
}

// split describes one candidate hyperplane for a node.
type split struct {
	proj      []float32 // hyperplane normal
	threshold float64   // median threshold along projection
	leftIDs   []int     // point ids going to left child
	rightIDs  []int     // point ids going to right child
	imbalance int       // difference in count between left and right sets
	spread    float64   // range of projected values
}

// chooseSplit tries several hyperplanes through pairs of random points and
// keeps the best balanced one, preferring a wider spread on ties.
func chooseSplit(ids []int, f *Forest, rnd *rand.Rand) *split {
	type pair struct {
		id  int
		dot float64
	}
	var best *split
	pairs := make([]pair, len(ids))
	for c := 0; c < f.CandidateProjections; c++ {
		p := f.vector(ids[rnd.Intn(len(ids))])
		q := f.vector(ids[rnd.Intn(len(ids))])
		proj := make([]float32, f.dimension)
		var norm float64
		for i := range proj {
			proj[i] = p[i] - q[i]
			norm += float64(proj[i]) * float64(proj[i])
		}
		if norm < 1e-12 {
			// Identical points: fall back to a random direction.
			for i := range proj {
				proj[i] = rnd.Float32()*2 - 1
			}
		}
		core.NormalizeVector(proj)

		for i, id := range ids {
			vec := f.vector(id)
			var dot float64
			for j := range proj {
				dot += float64(vec[j]) * float64(proj[j])
			}
			pairs[i] = pair{id, dot}
		}
		sort.SliceStable(pairs, func(i, j int) bool {
			return pairs[i].dot < pairs[j].dot
		})
		mid := len(pairs) / 2
		threshold := pairs[mid].dot

		var leftIDs, rightIDs []int
		for _, pr := range pairs {
			if pr.dot < threshold {
				leftIDs = append(leftIDs, pr.id)
			} else {
				rightIDs = append(rightIDs, pr.id)
			}
		}
		// Fallback: many equal projections, split evenly in sorted order.
		if len(leftIDs) == 0 || len(rightIDs) == 0 {
			leftIDs = make([]int, 0, mid)
			rightIDs = make([]int, 0, len(pairs)-mid)
			for i, pr := range pairs {
				if i < mid {
					leftIDs = append(leftIDs, pr.id)
				} else {
					rightIDs = append(rightIDs, pr.id)
				}
			}
		}
		cand := &split{
			proj:      proj,
			threshold: threshold,
			leftIDs:   leftIDs,
			rightIDs:  rightIDs,
			imbalance: int(math.Abs(float64(len(leftIDs) - len(rightIDs)))),
			spread:    pairs[len(pairs)-1].dot - pairs[0].dot,
		}
		if best == nil || cand.imbalance < best.imbalance ||
			(cand.imbalance == best.imbalance && cand.spread > best.spread) {
			best = cand
		}
	}
	return best
}

// buildTreeRecursive builds one tree recursively using random hyperplanes.
func buildTreeRecursive(ids []int, f *Forest, rnd *rand.Rand) *treeNode {
	// If the number of points is small enough, create a leaf node.
	if len(ids) <= f.LeafCapacity {
		return &treeNode{
			isLeaf: true,
			points: ids,
		}
	}

	best := chooseSplit(ids, f, rnd)

	var leftChild, rightChild *treeNode
	// If many points, build subtrees in parallel with seeds drawn up front
	// so the result does not depend on scheduling.
	if len(ids) > f.ParallelThreshold {
		leftRnd := rand.New(rand.NewSource(rnd.Int63()))
		rightRnd := rand.New(rand.NewSource(rnd.Int63()))
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			leftChild = buildTreeRecursive(best.leftIDs, f, leftRnd)
		}()
		go func() {
			defer wg.Done()
			rightChild = buildTreeRecursive(best.rightIDs, f, rightRnd)
		}()
		wg.Wait()
	} else {
		leftChild = buildTreeRecursive(best.leftIDs, f, rnd)
		rightChild = buildTreeRecursive(best.rightIDs, f, rnd)
	}

	return &treeNode{
		projection: best.proj,
		threshold:  best.threshold,
		left:       leftChild,
		right:      rightChild,
	}
}

// Build constructs the given number of trees from all added points.
func (f *Forest) Build(trees int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.trees != nil {
		return ErrAlreadyBuilt
	}
	if trees < 1 {
		return fmt.Errorf("tree count %d must be positive", trees)
	}
	if f.count == 0 {
		return errors.New("index is empty")
	}
	if f.LeafCapacity < 1 {
		f.LeafCapacity = 1
	}
	if f.CandidateProjections < 1 {
		f.CandidateProjections = 1
	}

	ids := make([]int, 0, f.count)
	for id, ok := range f.present {
		if ok {
			ids = append(ids, id)
		}
	}

	master := rand.New(rand.NewSource(f.Seed))
	seeds := make([]int64, trees)
	for i := range seeds {
		seeds[i] = master.Int63()
	}

	roots := make([]*treeNode, trees)
	sem := make(chan struct{}, runtime.NumCPU())
	var wg sync.WaitGroup
	for i := range roots {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			rnd := rand.New(rand.NewSource(seeds[i]))
			// Each tree shuffles its own copy to avoid bias.
			own := make([]int, len(ids))
			copy(own, ids)
			rnd.Shuffle(len(own), func(a, b int) {
				own[a], own[b] = own[b], own[a]
			})
			roots[i] = buildTreeRecursive(own, f, rnd)
		}(i)
	}
	wg.Wait()
	f.trees = roots
	log.Debug().Msgf("Built forest with %d trees over %d vectors", trees, f.count)
	return nil
}

// queueItem is a node waiting to be expanded during search, keyed by how
// far the query sits on the wrong side of the hyperplanes leading to it.
type queueItem struct {
	node     *treeNode
	priority float64
}

// nodeQueue implements a max-heap of queue items on priority.
type nodeQueue []queueItem

func (q nodeQueue) Len() int            { return len(q) }
func (q nodeQueue) Less(i, j int) bool  { return q[i].priority > q[j].priority }
func (q nodeQueue) Swap(i, j int)       { q[i], q[j] = q[j], q[i] }
func (q *nodeQueue) Push(x interface{}) { *q = append(*q, x.(queueItem)) }
func (q *nodeQueue) Pop() interface{} {
	old := *q
	n := len(old)
	x := old[n-1]
	*q = old[:n-1]
	return x
}

// collectCandidates walks all trees best-first until searchK point ids have
// been gathered or every leaf has been visited.
func (f *Forest) collectCandidates(query []float32, searchK int) []int {
	q := make(nodeQueue, 0, len(f.trees)*2)
	for _, root := range f.trees {
		q = append(q, queueItem{node: root, priority: math.Inf(1)})
	}
	heap.Init(&q)

	seen := make(map[int]struct{}, searchK)
	ids := make([]int, 0, searchK)
	for q.Len() > 0 && len(ids) < searchK {
		item := heap.Pop(&q).(queueItem)
		node := item.node
		if node.isLeaf {
			for _, id := range node.points {
				if _, ok := seen[id]; !ok {
					seen[id] = struct{}{}
					ids = append(ids, id)
				}
			}
			continue
		}
		var dot float64
		for i := range query {
			dot += float64(query[i]) * float64(node.projection[i])
		}
		margin := dot - node.threshold
		heap.Push(&q, queueItem{node: node.right, priority: math.Min(item.priority, margin)})
		heap.Push(&q, queueItem{node: node.left, priority: math.Min(item.priority, -margin)})
	}
	return ids
}

// computeDistances calculates the distance from the query to each point id in the list.
// It does this in parallel across available CPUs.
func (f *Forest) computeDistances(query []float32, ids []int) []core.Neighbor {
	neighbors := make([]core.Neighbor, len(ids))
	numWorkers := runtime.NumCPU()
	chunkSize := (len(ids) + numWorkers - 1) / numWorkers

	var wg sync.WaitGroup
	for i := 0; i < numWorkers; i++ {
		start := i * chunkSize
		end := start + chunkSize
		if end > len(ids) {
			end = len(ids)
		}
		if start >= end {
			break
		}
		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()
			for j := start; j < end; j++ {
				id := ids[j]
				neighbors[j] = core.Neighbor{ID: id, Distance: core.AngularDistance(query, f.vector(id))}
			}
		}(start, end)
	}
	wg.Wait()
	return neighbors
}

// Search returns the k nearest neighbors to the query vector by angular distance.
// Ties are broken by ascending id so results are reproducible.
func (f *Forest) Search(query []float32, k int) ([]core.Neighbor, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if len(query) != f.dimension {
		return nil, fmt.Errorf("query dimension %d does not match index dimension %d",
			len(query), f.dimension)
	}
	if f.trees == nil {
		return nil, ErrNotBuilt
	}
	if k <= 0 {
		return nil, nil
	}
	// Copy the query to avoid modifying the original.
	q := make([]float32, len(query))
	copy(q, query)
	core.NormalizeVector(q)

	searchK := f.SearchK
	if searchK <= 0 {
		searchK = k * len(f.trees)
	}
	if searchK < k {
		searchK = k
	}
	candidateIDs := f.collectCandidates(q, searchK)
	neighbors := f.computeDistances(q, candidateIDs)
	sort.Slice(neighbors, func(i, j int) bool {
		if neighbors[i].Distance == neighbors[j].Distance {
			return neighbors[i].ID < neighbors[j].ID
		}
		return neighbors[i].Distance < neighbors[j].Distance
	})
	if k > len(neighbors) {
		k = len(neighbors)
	}
	return neighbors[:k], nil
}

// Stats returns some basic statistics about the index.
func (f *Forest) Stats() core.IndexStats {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return core.IndexStats{
		Count:     f.count,
		Dimension: f.dimension,
		Trees:     len(f.trees),
		Distance:  "angular",
	}
}

// serializedNode is a tree node flattened for gob encoding. Children refer
// to positions in the same tree's node slice, -1 for none.
type serializedNode struct {
	Leaf       bool
	Points     []int
	Projection []float32
	Threshold  float64
	Left       int
	Right      int
}

// forestSerialized is used to serialize the forest using gob.
type forestSerialized struct {
	Dimension            int
	Vectors              []float32
	Present              []bool
	Trees                [][]serializedNode
	LeafCapacity         int
	CandidateProjections int
	Seed                 int64
}

func flatten(root *treeNode) []serializedNode {
	var nodes []serializedNode
	var walk func(n *treeNode) int
	walk = func(n *treeNode) int {
		if n == nil {
			return -1
		}
		pos := len(nodes)
		nodes = append(nodes, serializedNode{
			Leaf:       n.isLeaf,
			Points:     n.points,
			Projection: n.projection,
			Threshold:  n.threshold,
		})
		left := walk(n.left)
		right := walk(n.right)
		nodes[pos].Left = left
		nodes[pos].Right = right
		return pos
	}
	walk(root)
	return nodes
}

// inflate rebuilds a tree from its flattened nodes. Leaf points must name
// ids present in the forest and split projections must match dim.
func inflate(nodes []serializedNode, present []bool, dim int) (*treeNode, error) {
	if len(nodes) == 0 {
		return nil, errors.New("empty tree")
	}
	built := make([]*treeNode, len(nodes))
	for i := range nodes {
		if nodes[i].Leaf {
			for _, id := range nodes[i].Points {
				if id < 0 || id >= len(present) || !present[id] {
					return nil, fmt.Errorf("leaf %d references unknown id %d", i, id)
				}
			}
		} else if len(nodes[i].Projection) != dim {
			return nil, fmt.Errorf("node %d has projection of dimension %d, want %d", i, len(nodes[i].Projection), dim)
		}
		built[i] = &treeNode{
			isLeaf:     nodes[i].Leaf,
			points:     nodes[i].Points,
			projection: nodes[i].Projection,
			threshold:  nodes[i].Threshold,
		}
	}
	for i, sn := range nodes {
		if sn.Leaf {
			continue
		}
		if sn.Left <= i || sn.Right <= i || sn.Left >= len(nodes) || sn.Right >= len(nodes) {
			return nil, fmt.Errorf("node %d has invalid children %d/%d", i, sn.Left, sn.Right)
		}
		built[i].left = built[sn.Left]
		built[i].right = built[sn.Right]
	}
	return built[0], nil
}

// Save writes the built forest to path using gob encoding.
func (f *Forest) Save(path string) error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.trees == nil {
		return ErrNotBuilt
	}
	ser := forestSerialized{
		Dimension:            f.dimension,
		Vectors:              f.vectors,
		Present:              f.present,
		Trees:                make([][]serializedNode, len(f.trees)),
		LeafCapacity:         f.LeafCapacity,
		CandidateProjections: f.CandidateProjections,
		Seed:                 f.Seed,
	}
	for i, root := range f.trees {
		ser.Trees[i] = flatten(root)
	}

	return core.WriteFileAtomic(path, func(w io.Writer) error {
		if err := gob.NewEncoder(w).Encode(ser); err != nil {
			log.Error().Err(err).Msg("Failed to encode forest")
			return err
		}
		return nil
	})
}

// Load replaces the forest with one previously written by Save.
func (f *Forest) Load(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	var ser forestSerialized
	if err := gob.NewDecoder(bufio.NewReader(file)).Decode(&ser); err != nil {
		log.Error().Err(err).Msg("Failed to decode forest")
		return err
	}
	if ser.Dimension <= 0 || len(ser.Vectors) != len(ser.Present)*ser.Dimension {
		return fmt.Errorf("corrupt forest: %d values for %d ids of dimension %d",
			len(ser.Vectors), len(ser.Present), ser.Dimension)
	}
	roots := make([]*treeNode, len(ser.Trees))
	for i, nodes := range ser.Trees {
		root, err := inflate(nodes, ser.Present, ser.Dimension)
		if err != nil {
			return fmt.Errorf("corrupt tree %d: %w", i, err)
		}
		roots[i] = root
	}
	if len(roots) == 0 {
		return ErrNotBuilt
	}
	count := 0
	for _, ok := range ser.Present {
		if ok {
			count++
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.dimension = ser.Dimension
	f.vectors = ser.Vectors
	f.present = ser.Present
	f.count = count
	f.trees = roots
	f.LeafCapacity = ser.LeafCapacity
	f.CandidateProjections = ser.CandidateProjections
	f.Seed = ser.Seed
	return nil
}

// Check that Forest implements the core.Index interface.
var _ core.Index = (*Forest)(nil)
