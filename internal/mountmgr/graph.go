// Copyright 2025 ScanGate Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mountmgr

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"scangate/internal/common"
	"scangate/internal/config"
)

// Graph is the dependency graph of mount layers. An edge parent→child
// means the child's mountpoint lies beneath the parent's, so the child
// mounts after the parent and unmounts before it. Nodes are arena-stored
// and edges are indices, so there are no pointer cycles.
type Graph struct {
	nodes []*Node
	roots []int
	mgr   *Manager
}

// BuildGraph derives the dependency edges from mountpoint nesting. Each
// node's parent is the deepest other layer whose mountpoint is a strict
// ancestor of its own.
func BuildGraph(layers []config.LayerConfig, mgr *Manager) (*Graph, error) {
	nodes := make([]*Node, len(layers))
	for i, layer := range layers {
		nodes[i] = &Node{
			Name:       layer.Name,
			Image:      layer.Image,
			Source:     layer.Source,
			FSType:     layer.FSType,
			Mountpoint: layer.Mountpoint,
			Options:    layer.Options,
			ReadOnly:   layer.ReadOnly,
			parent:     -1,
		}
	}

	// Sorting by mountpoint depth makes "deepest strict ancestor" a scan
	// over earlier entries.
	order := make([]int, len(nodes))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool {
		return len(common.SplitPath(nodes[order[a]].Mountpoint)) < len(common.SplitPath(nodes[order[b]].Mountpoint))
	})

	g := &Graph{nodes: nodes, mgr: mgr}
	for _, i := range order {
		node := nodes[i]
		best := -1
		for _, j := range order {
			if i == j {
				continue
			}
			candidate := nodes[j]
			if candidate.Mountpoint == node.Mountpoint {
				return nil, fmt.Errorf("%w: layers %q and %q share mountpoint %s",
					common.ErrInvalidConfig, candidate.Name, node.Name, node.Mountpoint)
			}
			if !common.IsPathUnder(candidate.Mountpoint, node.Mountpoint) {
				continue
			}
			if best < 0 || common.IsPathUnder(nodes[best].Mountpoint, candidate.Mountpoint) {
				best = j
			}
		}
		node.parent = best
		if best >= 0 {
			nodes[best].children = append(nodes[best].children, i)
		} else {
			g.roots = append(g.roots, i)
		}
	}
	return g, nil
}

// Nodes returns the arena, in declaration order.
func (g *Graph) Nodes() []*Node { return g.nodes }

// MountedCount returns the number of nodes currently in Mounted state.
func (g *Graph) MountedCount() int {
	count := 0
	for _, n := range g.nodes {
		if n.State() == StateMounted {
			count++
		}
	}
	return count
}

// MountAll mounts every layer, parents strictly before children.
// Independent subtrees mount concurrently. If any mount fails, layers
// already mounted are unwound in reverse order and the first error is
// returned.
func (g *Graph) MountAll(ctx context.Context) error {
	var mu sync.Mutex
	var mounted []*Node
	record := func(n *Node) {
		mu.Lock()
		mounted = append(mounted, n)
		mu.Unlock()
	}

	eg, egCtx := errgroup.WithContext(ctx)
	for _, root := range g.roots {
		eg.Go(func() error {
			return g.mountSubtree(egCtx, root, record)
		})
	}
	err := eg.Wait()
	if err == nil {
		return nil
	}

	log.WithError(err).Error("mount failed partway, unwinding mounted layers")
	for i := len(mounted) - 1; i >= 0; i-- {
		node := mounted[i]
		if node.State() != StateMounted {
			continue
		}
		if uerr := g.mgr.Unmount(ctx, node); uerr != nil {
			log.WithError(uerr).WithField("layer", node.Name).Error("failed to unwind layer")
		}
	}
	return err
}

func (g *Graph) mountSubtree(ctx context.Context, idx int, record func(*Node)) error {
	node := g.nodes[idx]
	if node.parent >= 0 && g.nodes[node.parent].State() != StateMounted {
		panic(fmt.Sprintf("mount ordering violation: %s before its ancestor %s",
			node.Name, g.nodes[node.parent].Name))
	}
	if err := g.mgr.Mount(ctx, node); err != nil {
		return err
	}
	record(node)

	if len(node.children) == 0 {
		return nil
	}
	eg, egCtx := errgroup.WithContext(ctx)
	for _, child := range node.children {
		eg.Go(func() error {
			return g.mountSubtree(egCtx, child, record)
		})
	}
	return eg.Wait()
}

// UnmountAll unmounts every mounted layer, children strictly before
// parents. A layer that cannot be unmounted keeps its ancestors mounted;
// all failures are joined and returned.
func (g *Graph) UnmountAll(ctx context.Context) error {
	eg := &errgroup.Group{}
	errs := make([]error, len(g.roots))
	for i, root := range g.roots {
		eg.Go(func() error {
			errs[i] = g.unmountSubtree(ctx, root)
			return nil
		})
	}
	_ = eg.Wait()
	return errors.Join(errs...)
}

func (g *Graph) unmountSubtree(ctx context.Context, idx int) error {
	node := g.nodes[idx]

	childErrs := make([]error, len(node.children))
	eg := &errgroup.Group{}
	for i, child := range node.children {
		eg.Go(func() error {
			childErrs[i] = g.unmountSubtree(ctx, child)
			return nil
		})
	}
	_ = eg.Wait()
	if err := errors.Join(childErrs...); err != nil {
		// A stuck descendant pins this layer: unmounting it now would
		// violate the dependency order.
		if node.State() == StateMounted {
			return errors.Join(err, fmt.Errorf("layer %s left mounted: descendants busy", node.Name))
		}
		return err
	}

	if node.State() != StateMounted {
		return nil
	}
	return g.mgr.Unmount(ctx, node)
}
