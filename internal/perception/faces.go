package perception

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"
	"time"

	"aura/internal/model"
	"aura/internal/storage"
)

var ErrFaceNotFound = errors.New("face not found")

// FaceStore is the persistence used by the registry; nil keeps faces in memory.
type FaceStore interface {
	AddFace(ctx context.Context, face model.KnownFace) (int64, error)
	ListFaces(ctx context.Context) ([]model.KnownFace, error)
	DeleteFace(ctx context.Context, id int64) error
}

// FaceEmbedder locates faces in an image.
type FaceEmbedder interface {
	Faces(ctx context.Context, image []byte, width, height int) ([]RawFace, error)
}

// FaceRegistry holds known faces and matches sidecar embeddings against them.
type FaceRegistry struct {
	embedder   FaceEmbedder
	store      FaceStore
	tolerance  float64
	centerBand float64

	mu     sync.RWMutex
	faces  []model.KnownFace
	nextID int64
}

func NewFaceRegistry(embedder FaceEmbedder, store FaceStore, tolerance, centerBand float64) *FaceRegistry {
	if tolerance <= 0 {
		tolerance = 0.6
	}
	if centerBand <= 0 {
		centerBand = 0.15
	}
	return &FaceRegistry{embedder: embedder, store: store, tolerance: tolerance, centerBand: centerBand}
}

// Load replaces the in-memory set with the stored faces.
func (r *FaceRegistry) Load(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	faces, err := r.store.ListFaces(ctx)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.faces = faces
	for _, f := range faces {
		if f.ID > r.nextID {
			r.nextID = f.ID
		}
	}
	r.mu.Unlock()
	return nil
}

func (r *FaceRegistry) List() []model.KnownFace {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.KnownFace, len(r.faces))
	copy(out, r.faces)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Add embeds the single most prominent face in photo and registers it.
func (r *FaceRegistry) Add(ctx context.Context, name, relationship string, photo model.Frame, photoPath string) (model.KnownFace, error) {
	found, err := r.embedder.Faces(ctx, photo.Data, photo.Width, photo.Height)
	if err != nil {
		return model.KnownFace{}, err
	}
	if len(found) == 0 || len(found[0].Embedding) == 0 {
		return model.KnownFace{}, ErrNoFace
	}
	best := found[0]
	for _, f := range found[1:] {
		if boxArea(f.BBox) > boxArea(best.BBox) && len(f.Embedding) > 0 {
			best = f
		}
	}
	face := model.KnownFace{
		Name:         name,
		Relationship: relationship,
		Embedding:    best.Embedding,
		PhotoPath:    photoPath,
		CreatedAt:    time.Now().UTC(),
	}
	if r.store != nil {
		id, err := r.store.AddFace(ctx, face)
		if err != nil {
			return model.KnownFace{}, err
		}
		face.ID = id
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if face.ID == 0 {
		r.nextID++
		face.ID = r.nextID
	} else if face.ID > r.nextID {
		r.nextID = face.ID
	}
	r.faces = append(r.faces, face)
	return face, nil
}

func (r *FaceRegistry) Remove(ctx context.Context, id int64) error {
	if r.store != nil {
		if err := r.store.DeleteFace(ctx, id); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return ErrFaceNotFound
			}
			return err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, f := range r.faces {
		if f.ID == id {
			r.faces = append(r.faces[:i], r.faces[i+1:]...)
			return nil
		}
	}
	if r.store == nil {
		return ErrFaceNotFound
	}
	return nil
}

// Recognize matches every face in frame against the registry. Unknown faces
// are dropped.
func (r *FaceRegistry) Recognize(ctx context.Context, frame model.Frame, now time.Time) ([]model.FaceMatch, error) {
	r.mu.RLock()
	empty := len(r.faces) == 0
	r.mu.RUnlock()
	if empty {
		return nil, nil
	}
	found, err := r.embedder.Faces(ctx, frame.Data, frame.Width, frame.Height)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.FaceMatch, 0, len(found))
	for _, f := range found {
		known, dist, ok := r.nearest(f.Embedding)
		if !ok || dist >= r.tolerance {
			continue
		}
		box := model.BoundingBox{X1: f.BBox[0], Y1: f.BBox[1], X2: f.BBox[2], Y2: f.BBox[3]}
		out = append(out, model.FaceMatch{
			FaceID:       known.ID,
			Name:         known.Name,
			Relationship: known.Relationship,
			Confidence:   1 - dist,
			Box:          box,
			Direction:    r.direction(box, frame.Width),
			DistanceFeet: FaceDistanceFeet(box, frame.Height),
		})
	}
	return out, nil
}

// nearest must be called with r.mu held.
func (r *FaceRegistry) nearest(embedding []float64) (model.KnownFace, float64, bool) {
	var (
		best  model.KnownFace
		bestD = math.Inf(1)
		found bool
	)
	for _, k := range r.faces {
		d, ok := euclidean(k.Embedding, embedding)
		if ok && d < bestD {
			best, bestD, found = k, d, true
		}
	}
	return best, bestD, found
}

func (r *FaceRegistry) direction(box model.BoundingBox, width int) model.Direction {
	if width <= 0 {
		return model.DirectionFront
	}
	cx, _ := box.Center()
	offset := (cx - float64(width)/2) / float64(width)
	switch {
	case offset < -r.centerBand:
		return model.DirectionLeft
	case offset > r.centerBand:
		return model.DirectionRight
	}
	return model.DirectionFront
}

// FaceDistanceFeet estimates range from how much of the frame height the face fills.
func FaceDistanceFeet(box model.BoundingBox, frameHeight int) float64 {
	if frameHeight <= 0 {
		return 12
	}
	ratio := box.Height() / float64(frameHeight)
	switch {
	case ratio > 0.15:
		return 3
	case ratio > 0.08:
		return 5
	case ratio > 0.05:
		return 8
	}
	return 12
}

func euclidean(a, b []float64) (float64, bool) {
	if len(a) == 0 || len(a) != len(b) {
		return 0, false
	}
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum), true
}

func boxArea(b [4]int) int {
	return (b[2] - b[0]) * (b[3] - b[1])
}
