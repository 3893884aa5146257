// Package tree reconstructs a hierarchical, status-annotated view of the
// mirrored files from the flat ledger event history.
//
// Trees are rebuilt fresh for every request and never persisted: a node's
// size, status and last-sync time are pure functions of its own latest
// event (files) or of its children's already-computed fields (folders).
package tree

import (
	"sort"
	"strings"
	"time"

	"github.com/cloudmirror/cloudmirror/internal/ledger"
)

// NodeType distinguishes files from folders.
type NodeType string

const (
	TypeFile   NodeType = "file"
	TypeFolder NodeType = "folder"
)

// Node statuses, ordered by severity (see statusPriority).
const (
	StatusSynced   = "synced"
	StatusPending  = "pending"
	StatusError    = "error"
	StatusConflict = "conflict"
	StatusUnknown  = "unknown"
)

// statusPriority orders statuses by severity; a folder takes the
// highest-severity status among its immediate children.
var statusPriority = map[string]int{
	StatusError:    4,
	StatusConflict: 3,
	StatusPending:  2,
	StatusSynced:   1,
	StatusUnknown:  0,
}

// Node is one file or folder in the reconstructed tree.
type Node struct {
	Name     string     `json:"name"`
	Path     string     `json:"path"`
	Type     NodeType   `json:"type"`
	Size     int64      `json:"size"`
	LastSync *time.Time `json:"last_sync,omitempty"`
	Status   string     `json:"status"`
	Children []*Node    `json:"children"`
}

// AddChild appends a child and restores the ordering invariant: folders
// before files, then case-insensitive alphabetical by name.
func (n *Node) AddChild(child *Node) {
	n.Children = append(n.Children, child)
	sort.SliceStable(n.Children, func(i, j int) bool {
		a, b := n.Children[i], n.Children[j]
		if a.Type != b.Type {
			return a.Type == TypeFolder
		}
		return strings.ToLower(a.Name) < strings.ToLower(b.Name)
	})
}

// FindChild returns the direct child with the given name, or nil.
func (n *Node) FindChild(name string) *Node {
	for _, child := range n.Children {
		if child.Name == name {
			return child
		}
	}
	return nil
}

// Statistics is the full-depth summary of a tree.
type Statistics struct {
	Files     int   `json:"files"`
	Folders   int   `json:"folders"`
	TotalSize int64 `json:"total_size"`
}

// Builder reconstructs trees from ledger file events.
type Builder struct{}

// NewBuilder creates a tree builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// Build reconstructs the tree from the given events. When basePath is
// non-empty, only events under that path contribute, and the prefix is
// stripped from node paths.
func (b *Builder) Build(events []*ledger.FileEvent, basePath string) *Node {
	rootName := "root"
	if basePath != "" {
		if base := lastSegment(basePath); base != "" {
			rootName = base
		}
	}

	root := &Node{
		Name:   rootName,
		Path:   basePath,
		Type:   TypeFolder,
		Status: StatusUnknown,
	}

	for path, evs := range b.groupByPath(events, basePath) {
		b.addPath(root, path, evs, basePath)
	}

	b.updateFolder(root)
	return root
}

// groupByPath buckets events by their (base-path-stripped) file path.
func (b *Builder) groupByPath(events []*ledger.FileEvent, basePath string) map[string][]*ledger.FileEvent {
	grouped := make(map[string][]*ledger.FileEvent)

	for _, ev := range events {
		path := ev.FilePath
		if basePath != "" {
			if !strings.HasPrefix(path, basePath) {
				continue
			}
			path = strings.TrimLeft(path[len(basePath):], "/")
			if path == "" {
				// The base path itself, not a file under it.
				continue
			}
		}
		grouped[path] = append(grouped[path], ev)
	}

	return grouped
}

// addPath walks the path segments from the root, creating intermediate
// folders on demand. The final segment is always a file node.
func (b *Builder) addPath(root *Node, path string, events []*ledger.FileEvent, basePath string) {
	if path == "" {
		return
	}

	parts := strings.Split(path, "/")
	current := root
	currentPath := basePath

	for i, part := range parts {
		if part == "" {
			continue
		}

		if currentPath == "" {
			currentPath = part
		} else {
			currentPath = currentPath + "/" + part
		}

		if existing := current.FindChild(part); existing != nil {
			current = existing
			continue
		}

		node := &Node{
			Name:   part,
			Path:   currentPath,
			Type:   TypeFolder,
			Status: StatusUnknown,
		}
		if i == len(parts)-1 {
			node.Type = TypeFile
			b.applyLatestEvent(node, events)
		}

		current.AddChild(node)
		current = node
	}
}

// applyLatestEvent derives a file node's displayed state from its
// most-recent event by timestamp.
func (b *Builder) applyLatestEvent(node *Node, events []*ledger.FileEvent) {
	if len(events) == 0 {
		return
	}

	latest := events[0]
	for _, ev := range events[1:] {
		if ev.Timestamp.After(latest.Timestamp) {
			latest = ev
		}
	}

	node.Size = latest.FileSize
	ts := latest.Timestamp
	node.LastSync = &ts

	switch strings.ToLower(latest.Action) {
	case "error":
		node.Status = StatusError
	case "conflict":
		node.Status = StatusConflict
	case "added", "updated":
		node.Status = StatusSynced
	case "skipped":
		node.Status = StatusPending
	default:
		node.Status = StatusUnknown
	}
}

// updateFolder recomputes folder status and metadata bottom-up. Folder
// size and last-sync aggregate over direct file children only; the
// full-depth numbers come from Stats instead.
func (b *Builder) updateFolder(node *Node) {
	if node.Type == TypeFile {
		return
	}

	for _, child := range node.Children {
		b.updateFolder(child)
	}

	if len(node.Children) == 0 {
		node.Status = StatusUnknown
		return
	}

	worst := StatusUnknown
	for _, child := range node.Children {
		if statusPriority[child.Status] > statusPriority[worst] {
			worst = child.Status
		}
	}
	node.Status = worst

	var size int64
	var lastSync *time.Time
	for _, child := range node.Children {
		if child.Type != TypeFile {
			continue
		}
		size += child.Size
		if child.LastSync != nil && (lastSync == nil || child.LastSync.After(*lastSync)) {
			lastSync = child.LastSync
		}
	}
	node.Size = size
	node.LastSync = lastSync
}

// Stats walks the whole tree and counts files, folders (root included)
// and cumulative file size.
func (b *Builder) Stats(root *Node) Statistics {
	var stats Statistics

	var walk func(*Node)
	walk = func(n *Node) {
		if n.Type == TypeFile {
			stats.Files++
			stats.TotalSize += n.Size
		} else {
			stats.Folders++
		}
		for _, child := range n.Children {
			walk(child)
		}
	}
	walk(root)

	return stats
}

// Search returns every node whose name contains term (case-insensitive),
// in document order.
func (b *Builder) Search(root *Node, term string) []*Node {
	term = strings.ToLower(term)
	var results []*Node

	var walk func(*Node)
	walk = func(n *Node) {
		if strings.Contains(strings.ToLower(n.Name), term) {
			results = append(results, n)
		}
		for _, child := range n.Children {
			walk(child)
		}
	}
	walk(root)

	return results
}

// FindPath returns the node with the exact given path, or nil.
func (b *Builder) FindPath(root *Node, path string) *Node {
	if root.Path == path {
		return root
	}
	for _, child := range root.Children {
		if found := b.FindPath(child, path); found != nil {
			return found
		}
	}
	return nil
}

func lastSegment(path string) string {
	path = strings.TrimRight(path, "/")
	if idx := strings.LastIndex(path, "/"); idx >= 0 {
		return path[idx+1:]
	}
	return path
}
