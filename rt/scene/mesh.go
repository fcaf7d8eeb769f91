package scene

import (
	"github.com/go-gl/mathgl/mgl32"

	"github.com/gekko3d/hybridrt/rt/bvh"
	"github.com/gekko3d/hybridrt/rt/core"
)

// MeshImporter loads a triangle mesh and returns its triangles with
// transform already applied.
type MeshImporter interface {
	Import(path string, transform mgl32.Mat4) ([]Triangle, error)
}

type Triangle [3]mgl32.Vec3

func (t Triangle) Bounds() [2]mgl32.Vec3 {
	lo, hi := t[0], t[0]
	for _, v := range t[1:] {
		for a := 0; a < 3; a++ {
			lo[a] = min(lo[a], v[a])
			hi[a] = max(hi[a], v[a])
		}
	}
	return [2]mgl32.Vec3{lo, hi}
}

// TriangleSize matches WGSL Triangle { v0, v1, v2 : vec4<f32> }.
const TriangleSize = 48

func (t Triangle) Put(buf []byte) {
	core.PutVec3(buf[0:16], t[0], 0)
	core.PutVec3(buf[16:32], t[1], 0)
	core.PutVec3(buf[32:48], t[2], 0)
}

const meshLeafSize = 4

// meshPool collects the triangles and BVH nodes of every mesh in the scene.
// Node indices and leaf ranges are global so the kernel can walk any mesh
// starting from its root node.
type meshPool struct {
	triangles []Triangle
	nodes     []bvh.Node
}

func (p *meshPool) add(name string, tris []Triangle) *core.Mesh {
	aabbs := make([][2]mgl32.Vec3, len(tris))
	for i, t := range tris {
		aabbs[i] = t.Bounds()
	}
	tree := (&bvh.Builder{MaxLeafSize: meshLeafSize}).Build(aabbs)

	triBase := int32(len(p.triangles))
	nodeBase := int32(len(p.nodes))
	for _, idx := range tree.Order {
		p.triangles = append(p.triangles, tris[idx])
	}
	for _, n := range tree.Nodes {
		if n.IsLeaf() {
			n.LeafFirst += triBase
		} else {
			n.Left += nodeBase
			n.Right += nodeBase
		}
		p.nodes = append(p.nodes, n)
	}

	return &core.Mesh{
		Name:          name,
		WorldBounds:   tree.Bounds(),
		FirstTriangle: uint32(triBase),
		TriangleCount: uint32(len(tris)),
		FirstNode:     uint32(nodeBase),
	}
}

func (p *meshPool) triangleBytes() []byte {
	if len(p.triangles) == 0 {
		return make([]byte, TriangleSize)
	}
	out := make([]byte, len(p.triangles)*TriangleSize)
	for i, t := range p.triangles {
		t.Put(out[i*TriangleSize:])
	}
	return out
}

func (p *meshPool) nodeBytes() []byte {
	return (&bvh.Tree{Nodes: p.nodes}).Bytes()
}
