package core

// Index is the approximate nearest-neighbor index consumed by the descriptor
// matcher. Vectors are added under caller-chosen ids, the index is built once,
// then queried until the next rebuild.
type Index interface {

	// Add inserts a vector with a given id into the index.
	Add(id int, vector []float32) error

	// Build constructs the search structure using the given number of trees.
	Build(trees int) error

	// Search returns the ids and distances of the k nearest neighbors for a query vector.
	Search(query []float32, k int) ([]Neighbor, error)

	// Stats returns metadata about the index, such as count and dimensionality.
	Stats() IndexStats

	// Save persists the index state to the specified file.
	Save(path string) error

	// Load initializes the index from a previously saved state.
	Load(path string) error
}

// Neighbor holds a neighbor's id and its computed distance.
type Neighbor struct {
	ID       int
	Distance float64
}

// IndexStats contains metadata about the index.
type IndexStats struct {
	Count     int    // total number of indexed vectors
	Dimension int    // dimensionality of vectors
	Trees     int    // number of trees built, 0 when unbuilt
	Distance  string // name of the distance metric
}
