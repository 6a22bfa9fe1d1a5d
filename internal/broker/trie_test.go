package broker

import (
	"sync"
	"testing"

	"github.com/zindgh/mqtt-broker/internal/mqtt"
)

func TestTopicTrieInsertGet(t *testing.T) {
	trie := NewTopicTrie()
	a := NewClientID("a")
	b := NewClientID("b")

	trie.Insert("sensor/temp", SubscriberEntry{ClientID: a, MaxQoS: mqtt.QoS0})
	trie.Insert("sensor/temp", SubscriberEntry{ClientID: b, MaxQoS: mqtt.QoS1})

	subs := trie.Get("sensor/temp")
	if len(subs) != 2 {
		t.Fatalf("got %d subscribers, want 2", len(subs))
	}
}

func TestTopicTrieReSubscribeReplaces(t *testing.T) {
	trie := NewTopicTrie()
	a := NewClientID("a")

	trie.Insert("sensor/temp", SubscriberEntry{ClientID: a, MaxQoS: mqtt.QoS0})
	trie.Insert("sensor/temp", SubscriberEntry{ClientID: a, MaxQoS: mqtt.QoS2})

	subs := trie.Get("sensor/temp")
	if len(subs) != 1 {
		t.Fatalf("got %d subscribers, want 1 (re-subscribe should replace)", len(subs))
	}
	if subs[0].MaxQoS != mqtt.QoS2 {
		t.Errorf("MaxQoS = %v, want QoS2 (latest subscribe wins)", subs[0].MaxQoS)
	}
}

func TestTopicTrieGetMissingTopic(t *testing.T) {
	trie := NewTopicTrie()
	if subs := trie.Get("never/inserted"); subs != nil {
		t.Errorf("got %v, want nil for a topic with no intermediate nodes", subs)
	}
}

func TestTopicTrieRemoveRoundTrip(t *testing.T) {
	trie := NewTopicTrie()
	a := NewClientID("a")
	b := NewClientID("b")

	trie.Insert("home/a", SubscriberEntry{ClientID: a, MaxQoS: mqtt.QoS0})
	trie.Insert("home/a", SubscriberEntry{ClientID: b, MaxQoS: mqtt.QoS0})

	trie.Remove("home/a", a)

	subs := trie.Get("home/a")
	if len(subs) != 1 {
		t.Fatalf("got %d subscribers after Remove, want 1", len(subs))
	}
	if !subs[0].ClientID.Equal(b) {
		t.Errorf("remaining subscriber = %v, want %v", subs[0].ClientID, b)
	}
}

func TestTopicTrieRemoveLastSubscriberLeavesEmptySnapshot(t *testing.T) {
	trie := NewTopicTrie()
	a := NewClientID("a")

	trie.Insert("home/a", SubscriberEntry{ClientID: a, MaxQoS: mqtt.QoS0})
	trie.Remove("home/a", a)

	if subs := trie.Get("home/a"); len(subs) != 0 {
		t.Errorf("got %d subscribers, want 0 after removing the only one", len(subs))
	}
}

func TestTopicTrieRemoveUnknownTopicIsNoop(t *testing.T) {
	trie := NewTopicTrie()
	trie.Remove("nowhere", NewClientID("a")) // must not panic
}

func TestTopicTrieDoubleSlashSplitsIntoEmptySegments(t *testing.T) {
	trie := NewTopicTrie()
	a := NewClientID("a")
	trie.Insert("sensor//temp", SubscriberEntry{ClientID: a, MaxQoS: mqtt.QoS0})

	subs := trie.Get("sensor//temp")
	if len(subs) != 1 {
		t.Fatalf("got %d subscribers for sensor//temp, want 1", len(subs))
	}
	if subs := trie.Get("sensor/temp"); subs != nil {
		t.Errorf("sensor/temp should be a distinct edge from sensor//temp, got %v", subs)
	}
}

// TestTopicTrieInsertRacingPruneIsNeverLost drives the cleaner against
// concurrent inserts down the same freshly-emptied path: after both
// finish, the subscription must be reachable every round.
func TestTopicTrieInsertRacingPruneIsNeverLost(t *testing.T) {
	trie := NewTopicTrie()
	a := NewClientID("a")
	entry := SubscriberEntry{ClientID: a, MaxQoS: mqtt.QoS1}

	for round := 0; round < 200; round++ {
		trie.Insert("race/x/y", entry)
		trie.Remove("race/x/y", a)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			trie.Prune()
		}()
		go func() {
			defer wg.Done()
			trie.Insert("race/x/y", entry)
		}()
		wg.Wait()

		subs := trie.Get("race/x/y")
		if len(subs) != 1 || !subs[0].ClientID.Equal(a) {
			t.Fatalf("round %d: subscription lost to a concurrent prune, got %v", round, subs)
		}
		trie.Remove("race/x/y", a)
	}
}

func TestTopicTriePruneDropsEmptySubtrees(t *testing.T) {
	trie := NewTopicTrie()
	a := NewClientID("a")
	trie.Insert("home/a/b", SubscriberEntry{ClientID: a, MaxQoS: mqtt.QoS0})
	trie.Remove("home/a/b", a)

	trie.Prune()

	if subs := trie.Get("home/a/b"); subs != nil {
		t.Errorf("got %v, want nil after pruning an emptied subtree", subs)
	}
	if _, ok := trie.root.Load().children.Load("home"); ok {
		t.Error("the emptied home/ subtree is still attached to the root after Prune")
	}
}
