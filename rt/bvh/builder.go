package bvh

import (
	"encoding/binary"
	"math"
	"sort"

	"github.com/go-gl/mathgl/mgl32"

	"github.com/gekko3d/hybridrt/rt/core"
)

// Matches WGSL BVHNode
//
//	struct BVHNode {
//	    aabb_min   : vec4<f32>,
//	    aabb_max   : vec4<f32>,
//	    left       : i32,
//	    right      : i32,
//	    leaf_first : i32,
//	    leaf_count : i32,
//	    padding    : vec4<i32>,
//	}; -> 64 bytes
const NodeSize = 64

type Node struct {
	Min       mgl32.Vec3
	Max       mgl32.Vec3
	Left      int32
	Right     int32
	LeafFirst int32
	LeafCount int32
}

func (n *Node) IsLeaf() bool { return n.Left < 0 && n.Right < 0 }

func (n *Node) Put(buf []byte) {
	core.PutVec3(buf[0:16], n.Min, 0)
	core.PutVec3(buf[16:32], n.Max, 0)
	binary.LittleEndian.PutUint32(buf[32:36], uint32(n.Left))
	binary.LittleEndian.PutUint32(buf[36:40], uint32(n.Right))
	binary.LittleEndian.PutUint32(buf[40:44], uint32(n.LeafFirst))
	binary.LittleEndian.PutUint32(buf[44:48], uint32(n.LeafCount))
	clear(buf[48:64])
}

func (n *Node) ToBytes() []byte {
	buf := make([]byte, NodeSize)
	n.Put(buf)
	return buf
}

// Tree is a flattened hierarchy. Leaves cover Order[LeafFirst:LeafFirst+LeafCount],
// where Order lists input item indices.
type Tree struct {
	Nodes []Node
	Order []int
}

// Bytes packs the nodes. An empty tree packs a single empty leaf so the
// buffer can still be bound.
func (t *Tree) Bytes() []byte {
	if len(t.Nodes) == 0 {
		empty := Node{Left: -1, Right: -1, LeafFirst: -1}
		return empty.ToBytes()
	}
	out := make([]byte, len(t.Nodes)*NodeSize)
	for i := range t.Nodes {
		t.Nodes[i].Put(out[i*NodeSize:])
	}
	return out
}

func (t *Tree) Bounds() [2]mgl32.Vec3 {
	if len(t.Nodes) == 0 {
		return [2]mgl32.Vec3{}
	}
	return [2]mgl32.Vec3{t.Nodes[0].Min, t.Nodes[0].Max}
}

type item struct {
	min, max mgl32.Vec3
	centroid mgl32.Vec3
	index    int
}

// Builder splits at the centroid median of the widest axis.
type Builder struct {
	// MaxLeafSize bounds how many items a leaf may hold. Zero means one.
	MaxLeafSize int
}

func (b *Builder) Build(aabbs [][2]mgl32.Vec3) *Tree {
	t := &Tree{}
	if len(aabbs) == 0 {
		return t
	}

	items := make([]item, len(aabbs))
	for i, bounds := range aabbs {
		items[i] = item{
			min:      bounds[0],
			max:      bounds[1],
			centroid: bounds[0].Add(bounds[1]).Mul(0.5),
			index:    i,
		}
	}
	t.Nodes = make([]Node, 0, 2*len(items)-1)
	t.Order = make([]int, 0, len(items))
	b.build(items, t)
	return t
}

func (b *Builder) leafSize() int {
	if b.MaxLeafSize < 1 {
		return 1
	}
	return b.MaxLeafSize
}

func (b *Builder) build(items []item, t *Tree) int32 {
	idx := int32(len(t.Nodes))
	t.Nodes = append(t.Nodes, Node{Left: -1, Right: -1, LeafFirst: -1})

	inf := float32(math.Inf(1))
	lo := mgl32.Vec3{inf, inf, inf}
	hi := mgl32.Vec3{-inf, -inf, -inf}
	for _, it := range items {
		for a := 0; a < 3; a++ {
			lo[a] = min(lo[a], it.min[a])
			hi[a] = max(hi[a], it.max[a])
		}
	}
	t.Nodes[idx].Min = lo
	t.Nodes[idx].Max = hi

	if len(items) <= b.leafSize() {
		t.Nodes[idx].LeafFirst = int32(len(t.Order))
		t.Nodes[idx].LeafCount = int32(len(items))
		for _, it := range items {
			t.Order = append(t.Order, it.index)
		}
		return idx
	}

	extent := hi.Sub(lo)
	axis := 0
	if extent[1] > extent[0] {
		axis = 1
	}
	if extent[2] > extent[axis] {
		axis = 2
	}
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].centroid[axis] < items[j].centroid[axis]
	})

	mid := len(items) / 2
	left := b.build(items[:mid], t)
	right := b.build(items[mid:], t)
	t.Nodes[idx].Left = left
	t.Nodes[idx].Right = right
	return idx
}
