package broker

import (
	"strings"
	"sync"
	"sync/atomic"

	"github.com/zindgh/mqtt-broker/internal/metrics"
	"github.com/zindgh/mqtt-broker/internal/mqtt"
)

// SubscriberEntry is a (client-id, max-qos) pair stored at a trie's
// terminal node. Equality is by client-id alone, so re-subscribing to
// the same topic replaces rather than duplicates an entry.
type SubscriberEntry struct {
	ClientID ClientID
	MaxQoS   mqtt.QoS
}

// trieNode guards all of its mutable state (subscriber set, child
// creation, the dead flag) with one mutex. A node is marked dead by the
// cleaner in the instant before its parent drops the child pointer; any
// writer that observes the flag restarts from the root, so an insert
// racing a prune lands in a reachable node or not at all.
type trieNode struct {
	children sync.Map // string -> *trieNode
	mu       sync.Mutex
	subs     []SubscriberEntry
	dead     bool
}

func newTrieNode() *trieNode { return &trieNode{} }

// addSubscriber reports false when the node has been pruned out from
// under the caller; the caller must re-traverse.
func (n *trieNode) addSubscriber(e SubscriberEntry) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.dead {
		return false
	}
	for i, existing := range n.subs {
		if existing.ClientID.Equal(e.ClientID) {
			n.subs[i] = e
			return true
		}
	}
	n.subs = append(n.subs, e)
	metrics.SubscriptionsActive.Inc()
	return true
}

func (n *trieNode) removeSubscriber(id ClientID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i, existing := range n.subs {
		if existing.ClientID.Equal(id) {
			n.subs = append(n.subs[:i], n.subs[i+1:]...)
			metrics.SubscriptionsActive.Dec()
			return
		}
	}
}

func (n *trieNode) snapshot() []SubscriberEntry {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.subs) == 0 {
		return nil
	}
	out := make([]SubscriberEntry, len(n.subs))
	copy(out, n.subs)
	return out
}

// TopicTrie is an exact-match (no wildcards) topic index. Each level
// splits the topic on '/'; child nodes are created under the parent's
// lock so the cleaner's emptiness check and a racing insert are
// serialized per node.
type TopicTrie struct {
	root atomic.Pointer[trieNode]
}

// NewTopicTrie returns an empty trie.
func NewTopicTrie() *TopicTrie {
	t := &TopicTrie{}
	t.root.Store(newTrieNode())
	return t
}

// loadOrCreateChild returns parent's child for segment, creating it if
// missing. It returns nil when parent has been pruned; the caller must
// restart its descent from the root.
func loadOrCreateChild(parent *trieNode, segment string) *trieNode {
	parent.mu.Lock()
	defer parent.mu.Unlock()
	if parent.dead {
		return nil
	}
	if v, ok := parent.children.Load(segment); ok {
		return v.(*trieNode)
	}
	fresh := newTrieNode()
	actual, _ := parent.children.LoadOrStore(segment, fresh)
	return actual.(*trieNode)
}

func (t *TopicTrie) traverse(topic string, create bool) *trieNode {
	cur := t.root.Load()
	for _, part := range strings.Split(topic, "/") {
		if create {
			cur = loadOrCreateChild(cur, part)
			if cur == nil {
				return nil
			}
			continue
		}
		v, ok := cur.children.Load(part)
		if !ok {
			return nil
		}
		cur = v.(*trieNode)
	}
	return cur
}

// Insert adds entry as a subscriber of topic, creating any missing
// intermediate nodes. It retries when the cleaner pruned part of its
// path mid-descent, so a concurrent Prune never loses the entry.
func (t *TopicTrie) Insert(topic string, entry SubscriberEntry) {
	for {
		node := t.traverse(topic, true)
		if node != nil && node.addSubscriber(entry) {
			return
		}
	}
}

// Remove drops clientID's subscription to topic, if present.
func (t *TopicTrie) Remove(topic string, clientID ClientID) {
	node := t.traverse(topic, false)
	if node == nil {
		return
	}
	node.removeSubscriber(clientID)
}

// Get returns the current subscriber snapshot for topic, or nil if any
// intermediate node is missing or the terminal node has no subscribers.
func (t *TopicTrie) Get(topic string) []SubscriberEntry {
	node := t.traverse(topic, false)
	if node == nil {
		return nil
	}
	return node.snapshot()
}

// Prune performs a DFS over the trie and drops childless nodes with no
// subscribers left, bottom up. Each candidate is checked and marked
// dead under its own lock, the same lock every insert takes to touch
// that node, so a concurrent Insert either completes before the node
// is condemned or observes the dead flag and re-traverses.
func (t *TopicTrie) Prune() {
	pruneNode(t.root.Load())
}

func pruneNode(n *trieNode) {
	n.children.Range(func(key, value any) bool {
		child := value.(*trieNode)
		pruneNode(child)
		child.mu.Lock()
		if len(child.subs) == 0 && childHasNoDescendants(child) {
			child.dead = true
			n.children.CompareAndDelete(key, value)
		}
		child.mu.Unlock()
		return true
	})
}

func childHasNoDescendants(n *trieNode) bool {
	empty := true
	n.children.Range(func(_, _ any) bool {
		empty = false
		return false
	})
	return empty
}
