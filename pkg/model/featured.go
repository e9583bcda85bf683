package model

// FeaturedSimulation is a pre-generated manifest served as a fallback and seeded into the cache
type FeaturedSimulation struct {
	ID           string      `json:"id"`
	Title        string      `json:"title"`
	PhysicsType  PhysicsType `json:"physics_type"`
	Tags         []string    `json:"tags"`
	Manifest     *Manifest   `json:"manifest"`
	TagEmbedding Embedding   `json:"-"`
}
