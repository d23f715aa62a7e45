package metadata

import (
	"fmt"
	"math"

	"github.com/hschendel/stl"
	"github.com/printernizer/printernizer/modules/storage"
)

// extractSTL computes geometric properties of a mesh. STL carries no slicer
// settings, so everything here is derived from the triangles themselves.
func extractSTL(path string) (*storage.Metadata, error) {
	solid, err := stl.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("parsing stl: %w", err)
	}
	if len(solid.Triangles) == 0 {
		return nil, fmt.Errorf("stl contains no triangles")
	}

	meta := &storage.Metadata{}
	measure := solid.Measure()
	meta.WidthMM = floatPtr(float64(measure.Len[0]))
	meta.DepthMM = floatPtr(float64(measure.Len[1]))
	meta.HeightMM = floatPtr(float64(measure.Len[2]))

	geom := analyzeMesh(solid)
	meta.TriangleCount = intPtr(len(solid.Triangles))
	meta.VertexCount = intPtr(geom.vertices)
	meta.VolumeCM3 = floatPtr(geom.volumeMM3 / 1000)
	meta.SurfaceCM2 = floatPtr(geom.surfaceMM2 / 100)
	meta.ObjectCount = intPtr(1)
	meta.Watertight = boolPtr(geom.watertight)

	score := complexityScore(geom)
	meta.ComplexityScore = intPtr(score)
	meta.DifficultyLevel = difficultyLevel(score)
	return meta, nil
}

type meshGeometry struct {
	vertices   int
	volumeMM3  float64
	surfaceMM2 float64
	watertight bool
	hasHoles   bool
}

// analyzeMesh walks the triangle soup once, deduplicating vertices and
// classifying edges. A closed manifold has every edge shared by exactly two
// triangles; edges seen once are hole boundaries.
func analyzeMesh(solid *stl.Solid) meshGeometry {
	vertexIndex := make(map[stl.Vec3]int, len(solid.Triangles))
	edgeCount := make(map[[2]int]int, len(solid.Triangles)*3)

	index := func(v stl.Vec3) int {
		if i, ok := vertexIndex[v]; ok {
			return i
		}
		i := len(vertexIndex)
		vertexIndex[v] = i
		return i
	}

	var volume, surface float64
	for _, t := range solid.Triangles {
		a := toF64(t.Vertices[0])
		b := toF64(t.Vertices[1])
		c := toF64(t.Vertices[2])

		// Signed tetrahedron volume against the origin.
		volume += dot(a, cross(b, c)) / 6

		cr := cross(sub(b, a), sub(c, a))
		surface += length(cr) / 2

		ia, ib, ic := index(t.Vertices[0]), index(t.Vertices[1]), index(t.Vertices[2])
		edgeCount[edgeKey(ia, ib)]++
		edgeCount[edgeKey(ib, ic)]++
		edgeCount[edgeKey(ic, ia)]++
	}

	geom := meshGeometry{
		vertices:   len(vertexIndex),
		volumeMM3:  abs(volume),
		surfaceMM2: surface,
		watertight: true,
	}
	for _, n := range edgeCount {
		if n == 1 {
			geom.hasHoles = true
		}
		if n != 2 {
			geom.watertight = false
		}
	}
	return geom
}

// complexityScore rates a mesh from 1 (trivial) to 10 (extreme). Vertex
// count dominates; thin, holey or leaky geometry adds difficulty.
func complexityScore(g meshGeometry) int {
	score := 5
	switch {
	case g.vertices > 100_000:
		score += 3
	case g.vertices > 50_000:
		score += 2
	case g.vertices > 10_000:
		score += 1
	}
	if g.vertices < 1_000 {
		score--
	}
	// High surface-to-volume means thin walls and fine detail.
	if g.volumeMM3 > 0 && g.surfaceMM2/g.volumeMM3 > 10 {
		score++
	}
	if !g.watertight {
		score++
	}
	if g.hasHoles {
		score++
	}
	if score < 1 {
		score = 1
	}
	if score > 10 {
		score = 10
	}
	return score
}

func difficultyLevel(score int) string {
	switch {
	case score <= 3:
		return "Beginner"
	case score <= 6:
		return "Intermediate"
	case score <= 8:
		return "Advanced"
	default:
		return "Expert"
	}
}

type vec3 [3]float64

func toF64(v stl.Vec3) vec3 { return vec3{float64(v[0]), float64(v[1]), float64(v[2])} }

func sub(a, b vec3) vec3 { return vec3{a[0] - b[0], a[1] - b[1], a[2] - b[2]} }

func cross(a, b vec3) vec3 {
	return vec3{
		a[1]*b[2] - a[2]*b[1],
		a[2]*b[0] - a[0]*b[2],
		a[0]*b[1] - a[1]*b[0],
	}
}

func dot(a, b vec3) float64 { return a[0]*b[0] + a[1]*b[1] + a[2]*b[2] }

func length(v vec3) float64 { return math.Sqrt(dot(v, v)) }

func abs(v float64) float64 { return math.Abs(v) }

func edgeKey(a, b int) [2]int {
	if a > b {
		a, b = b, a
	}
	return [2]int{a, b}
}
