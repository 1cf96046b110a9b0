package query

import (
	"github.com/nextlevelbuilder/clawcast/internal/sessions"
	"github.com/nextlevelbuilder/clawcast/pkg/protocol"
)

// TreeNode is one session in a parent/child tree.
type TreeNode struct {
	SessionID    string              `json:"session_id"`
	InstanceName string              `json:"instance_name"`
	Metadata     sessions.Metadata   `json:"metadata"`
	Statistics   sessions.Statistics `json:"statistics"`
	Messages     []protocol.Envelope `json:"messages,omitempty"`
	Children     []*TreeNode         `json:"children,omitempty"`
	// Truncated marks a node cut off by max_depth or a missing child.
	Truncated bool `json:"truncated,omitempty"`
}

// BuildSessionTree descends from sessionID through each session's recorded
// subsession links. Children resolve through their own instance_name, so a
// tree may span instances. A visited set breaks cycles; maxDepth truncates
// regardless.
func (q *Query) BuildSessionTree(sessionID, instanceName string, includeMessages bool, maxDepth int) (*TreeNode, error) {
	visited := make(map[string]bool)
	node, err := q.buildNode(sessionID, instanceName, includeMessages, maxDepth, 0, visited)
	if err != nil {
		return nil, err
	}
	return node, nil
}

func (q *Query) buildNode(sessionID, instanceName string, includeMessages bool, maxDepth, depth int, visited map[string]bool) (*TreeNode, error) {
	var dir, inst string
	var err error
	if instanceName != "" {
		dir = sessions.SessionDir(q.root, instanceName, sessionID)
		inst = instanceName
		if _, err := sessions.ReadMetadata(dir); err != nil {
			// Fall back to a cross-instance search; links record the
			// instance the child was created in, but stores move.
			dir, inst, err = sessions.FindSessionDir(q.root, sessionID)
			if err != nil {
				return nil, err
			}
		}
	} else {
		dir, inst, err = q.resolve(sessionID)
		if err != nil {
			return nil, err
		}
	}

	meta, err := sessions.ReadMetadata(dir)
	if err != nil {
		return nil, err
	}
	stats, err := sessions.ReadStatistics(dir)
	if err != nil {
		return nil, err
	}

	node := &TreeNode{
		SessionID:    sessionID,
		InstanceName: inst,
		Metadata:     meta,
		Statistics:   stats,
	}
	if includeMessages {
		if msgs, err := q.GetSessionMessages(sessionID, nil, 0); err == nil {
			node.Messages = msgs
		}
	}

	visited[sessionID] = true
	if depth >= maxDepth {
		node.Truncated = len(stats.Subsessions) > 0
		return node, nil
	}

	for _, link := range stats.Subsessions {
		if visited[link.SessionID] {
			continue
		}
		child, err := q.buildNode(link.SessionID, link.InstanceName, includeMessages, maxDepth, depth+1, visited)
		if err != nil {
			// Pruned or unreadable child: tolerate the broken link.
			node.Truncated = true
			continue
		}
		node.Children = append(node.Children, child)
	}
	return node, nil
}

// FlatNode is one tree node with its depth annotated.
type FlatNode struct {
	*TreeNode
	Depth int `json:"depth"`
}

// FlattenTree emits the tree's nodes in pre-order.
func FlattenTree(root *TreeNode) []FlatNode {
	var out []FlatNode
	var walk func(n *TreeNode, depth int)
	walk = func(n *TreeNode, depth int) {
		out = append(out, FlatNode{TreeNode: n, Depth: depth})
		for _, child := range n.Children {
			walk(child, depth+1)
		}
	}
	if root != nil {
		walk(root, 0)
	}
	return out
}
