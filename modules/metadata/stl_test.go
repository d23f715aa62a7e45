package metadata

import (
	"testing"

	"github.com/hschendel/stl"
	"github.com/stretchr/testify/assert"
)

func tri(a, b, c stl.Vec3) stl.Triangle {
	return stl.Triangle{Vertices: [3]stl.Vec3{a, b, c}}
}

// tetrahedron is the smallest closed mesh: 4 vertices, 4 faces, volume 1/6.
func tetrahedron() *stl.Solid {
	o := stl.Vec3{0, 0, 0}
	x := stl.Vec3{1, 0, 0}
	y := stl.Vec3{0, 1, 0}
	z := stl.Vec3{0, 0, 1}
	return &stl.Solid{Triangles: []stl.Triangle{
		tri(o, y, x),
		tri(o, x, z),
		tri(o, z, y),
		tri(x, y, z),
	}}
}

func TestAnalyzeMeshClosed(t *testing.T) {
	geom := analyzeMesh(tetrahedron())

	assert.Equal(t, 4, geom.vertices)
	assert.True(t, geom.watertight)
	assert.False(t, geom.hasHoles)
	assert.InDelta(t, 1.0/6, geom.volumeMM3, 1e-9)
	// Three unit right triangles plus the sqrt(3)/2 diagonal face.
	assert.InDelta(t, 1.5+0.8660254, geom.surfaceMM2, 1e-6)
}

func TestAnalyzeMeshOpen(t *testing.T) {
	solid := &stl.Solid{Triangles: []stl.Triangle{
		tri(stl.Vec3{0, 0, 0}, stl.Vec3{1, 0, 0}, stl.Vec3{0, 1, 0}),
	}}
	geom := analyzeMesh(solid)

	assert.Equal(t, 3, geom.vertices)
	assert.False(t, geom.watertight)
	assert.True(t, geom.hasHoles)
	assert.Zero(t, geom.volumeMM3)
	assert.InDelta(t, 0.5, geom.surfaceMM2, 1e-9)
}

func TestComplexityScore(t *testing.T) {
	// Tiny clean mesh: 5 base, -1 small, +1 thin walls.
	assert.Equal(t, 5, complexityScore(meshGeometry{
		vertices: 4, watertight: true, volumeMM3: 1.0 / 6, surfaceMM2: 2.366,
	}))

	// Bulky mid-size mesh.
	assert.Equal(t, 7, complexityScore(meshGeometry{
		vertices: 75_000, watertight: true, volumeMM3: 10_000, surfaceMM2: 5_000,
	}))

	// Huge leaky mesh with holes clamps at 10.
	assert.Equal(t, 10, complexityScore(meshGeometry{
		vertices: 150_000, hasHoles: true,
	}))

	// Small solid block: no modifiers beyond the size penalty.
	assert.Equal(t, 4, complexityScore(meshGeometry{
		vertices: 500, watertight: true, volumeMM3: 1000, surfaceMM2: 600,
	}))
}

func TestDifficultyLevel(t *testing.T) {
	assert.Equal(t, "Beginner", difficultyLevel(3))
	assert.Equal(t, "Intermediate", difficultyLevel(4))
	assert.Equal(t, "Intermediate", difficultyLevel(6))
	assert.Equal(t, "Advanced", difficultyLevel(7))
	assert.Equal(t, "Advanced", difficultyLevel(8))
	assert.Equal(t, "Expert", difficultyLevel(9))
}
