// Package list implements the singly linked, insertion-ordered container
// used pervasively by the request tracker, the target-device table, and
// the stall handler (spec component "I").
//
// It is a direct translation of the reference library's list.c: a plain
// singly linked list with a predicate-driven removal that can both delete
// matching nodes and stop the traversal early. Go has no generic
// container library in this corpus to reach for (none of the example
// repos imports one for a list of this shape), so this is implemented
// against the language itself, following list.c node-for-node rather than
// introducing a dependency with no home here.
package list

// CompareResult is the three-valued result a List's comparison/predicate
// functions return while walking the list.
type CompareResult int

const (
	// Match indicates the node is the one being searched for.
	Match CompareResult = 0
	// Continue indicates the node does not match; keep walking.
	Continue CompareResult = 1
	// Stop indicates the walk must end without matching this node.
	Stop CompareResult = -1
)

// Node is one element of the list.
type Node[T any] struct {
	Data T
	next *Node[T]
}

// Next returns the following node, or nil at the tail.
func (n *Node[T]) Next() *Node[T] {
	if n == nil {
		return nil
	}
	return n.next
}

// List is a singly linked, insertion-ordered sequence of nodes.
type List[T any] struct {
	head *Node[T]
}

// Head returns the first node, or nil if the list is empty.
func (l *List[T]) Head() *Node[T] {
	return l.head
}

// Tail returns the last node, or nil if the list is empty.
func (l *List[T]) Tail() *Node[T] {
	node := l.head
	for node != nil && node.next != nil {
		node = node.next
	}
	return node
}

// Prepend adds data at the front of the list. Prefer this over Append
// when insertion order doesn't matter — it's O(1) instead of O(n).
func (l *List[T]) Prepend(data T) *Node[T] {
	n := &Node[T]{Data: data, next: l.head}
	l.head = n
	return n
}

// Append adds data at the back of the list, preserving insertion order.
func (l *List[T]) Append(data T) *Node[T] {
	n := &Node[T]{Data: data}
	if l.head == nil {
		l.head = n
		return n
	}
	l.Tail().next = n
	return n
}

// Concat appends other's nodes after l's tail, in place, and empties other.
func (l *List[T]) Concat(other *List[T]) {
	if other == nil || other.head == nil {
		return
	}
	if l.head == nil {
		l.head = other.head
	} else {
		l.Tail().next = other.head
	}
	other.head = nil
}

// FreeNode removes a specific node from the list. O(n) since the list is
// singly linked and the previous node must be found.
func (l *List[T]) FreeNode(target *Node[T]) {
	if target == nil {
		return
	}
	if l.head == target {
		l.head = target.next
		return
	}
	for node := l.head; node != nil; node = node.next {
		if node.next == target {
			node.next = target.next
			return
		}
	}
}

// CompareFn compares a node's data against item, returning Match,
// Continue, or Stop. See FreeMatchingNodes.
type CompareFn[T any] func(data T, item any) CompareResult

// FreeMatchingNodes walks the list once, removing every node for which
// compare returns Match, continuing past nodes for which compare returns
// Continue, and stopping the walk (without removing anything further) at
// the first node for which compare returns Stop.
//
// This is the backbone of dependent-request cancellation (spec §4.B,
// §4.I): removing a stalled request and every later request chained to
// it via dependent_on_previous in a single forward pass, stopping at the
// first record that breaks the chain.
func (l *List[T]) FreeMatchingNodes(item any, compare CompareFn[T]) {
	var previous *Node[T]
	node := l.head
	for node != nil {
		next := node.next
		switch compare(node.Data, item) {
		case Match:
			if previous != nil {
				previous.next = next
			}
			if node == l.head {
				l.head = next
			}
		case Continue:
			previous = node
		case Stop:
			return
		}
		node = next
	}
}

// SearchNode returns the first node for which compare returns Match,
// walking until Match or the end of the list (Stop/Continue both keep
// scanning the list linearly from the caller's perspective; this search
// does not understand chain-breaking — use FreeMatchingNodes for that).
func (l *List[T]) SearchNode(item any, matches func(data T, item any) bool) *Node[T] {
	for node := l.head; node != nil; node = node.next {
		if matches(node.Data, item) {
			return node
		}
	}
	return nil
}

// Len returns the number of nodes in the list.
func (l *List[T]) Len() int {
	n := 0
	for node := l.head; node != nil; node = node.next {
		n++
	}
	return n
}

// Each calls fn for every node's data, in order.
func (l *List[T]) Each(fn func(data T)) {
	for node := l.head; node != nil; node = node.next {
		fn(node.Data)
	}
}
