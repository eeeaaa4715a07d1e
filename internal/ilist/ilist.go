// Package ilist implements the intrusive circular doubly-linked list
// used for every task list in the kernel core (global task list,
// per-core run-queues, sibling lists, zombie lists), grounded on
// original_source/kernel/include/ds/lists.h's list_node plus its
// container_of-based ownership recovery.
//
// Go has no offsetof operator over a generic type parameter's field,
// but unsafe.Offsetof on a concrete field selector IS a compile-time
// constant, so each owning package computes its Node field's offset
// once (a package-level var) and passes it to ContainerOf — the
// direct Go equivalent of the C macro
// container_of(ptr, type, member) used throughout original_source.
package ilist

import "unsafe"

// Node is an embeddable link. A struct that wants to live in one of
// these lists embeds one Node per list it participates in (a Task
// embeds four: global, runnable, sibling, zombie).
type Node struct {
	next *Node
	prev *Node
}

// List is a sentinel (head) node; an empty list points to itself in
// both directions, mirroring list_init.
type List struct {
	sentinel Node
}

// Init prepares an empty list. The zero value of List is NOT ready to
// use (next/prev would be nil); callers must call Init, matching
// list_init's explicit initialization requirement.
func (l *List) Init() {
	l.sentinel.next = &l.sentinel
	l.sentinel.prev = &l.sentinel
}

// Empty reports whether the list holds no nodes.
func (l *List) Empty() bool {
	return l.sentinel.next == &l.sentinel
}

// PushBack links n at the tail, mirroring list_add_tail.
func (l *List) PushBack(n *Node) {
	prev := l.sentinel.prev
	n.next = &l.sentinel
	n.prev = prev
	prev.next = n
	l.sentinel.prev = n
}

// PushFront links n at the head.
func (l *List) PushFront(n *Node) {
	next := l.sentinel.next
	n.prev = &l.sentinel
	n.next = next
	next.prev = n
	l.sentinel.next = n
}

// Remove unlinks n from whatever list it is currently in, mirroring
// list_del. Safe to call on a node already unlinked from this list
// only if the caller has not also reused next/prev elsewhere; callers
// are expected to re-Init a node before reusing it across lists.
func (n *Node) Remove() {
	if n.next == nil || n.prev == nil {
		return
	}
	n.prev.next = n.next
	n.next.prev = n.prev
	n.next = nil
	n.prev = nil
}

// Linked reports whether n currently sits in some list.
func (n *Node) Linked() bool {
	return n.next != nil
}

// Front returns the first node, or nil if the list is empty.
func (l *List) Front() *Node {
	if l.Empty() {
		return nil
	}
	return l.sentinel.next
}

// Next returns the node following n within its list, or nil if n is
// the last real node (the next link is the sentinel). head must be
// the same *List n was pushed into; ilist does not store a back-
// pointer to the owning list per node, matching list_node's shape in
// original_source, which also has no link-to-head pointer.
func (l *List) Next(n *Node) *Node {
	if n.next == &l.sentinel {
		return nil
	}
	return n.next
}

// WrappingNext returns the node after n, wrapping to the front when n
// is the last node — the traversal shape schedule() needs for
// round-robin rotation (spec §4.8 step 3).
func (l *List) WrappingNext(n *Node) *Node {
	next := n.next
	if next == &l.sentinel {
		next = l.sentinel.next
	}
	if next == &l.sentinel {
		return nil
	}
	return next
}

// ContainerOf recovers the owning struct of an embedded Node given the
// compile-time constant byte offset of that Node field within T,
// exactly mirroring container_of(ptr, type, member).
func ContainerOf[T any](n *Node, fieldOffset uintptr) *T {
	return (*T)(unsafe.Pointer(uintptr(unsafe.Pointer(n)) - fieldOffset))
}
