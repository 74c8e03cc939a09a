// Package bstarplustree
// Append only semi B*+Tree variant used as TimeLoop's ordered KV index
// BSD 3-Clause License
//
// Copyright (c) 2024, Alex Gaetano Padula
// All rights reserved.
//
// Redistribution and use in source and binary forms, with or without
// modification, are permitted provided that the following conditions are met:
//
//  1. Redistributions of source code must retain the above copyright notice, this
//     list of conditions and the following disclaimer.
//
//  2. Redistributions in binary form must reproduce the above copyright notice,
//     this list of conditions and the following disclaimer in the documentation
//     and/or other materials provided with the distribution.
//
//  3. Neither the name of the copyright holder nor the names of its
//     contributors may be used to endorse or promote products derived from
//     this software without specific prior written permission.
//
// THIS SOFTWARE IS PROVIDED BY THE COPYRIGHT HOLDERS AND CONTRIBUTORS "AS IS"
// AND ANY EXPRESS OR IMPLIED WARRANTIES, INCLUDING, BUT NOT LIMITED TO, THE
// IMPLIED WARRANTIES OF MERCHANTABILITY AND FITNESS FOR A PARTICULAR PURPOSE ARE
// DISCLAIMED. IN NO EVENT SHALL THE COPYRIGHT HOLDER OR CONTRIBUTORS BE LIABLE
// FOR ANY DIRECT, INDIRECT, INCIDENTAL, SPECIAL, EXEMPLARY, OR CONSEQUENTIAL
// DAMAGES (INCLUDING, BUT NOT LIMITED TO, PROCUREMENT OF SUBSTITUTE GOODS OR
// SERVICES; LOSS OF USE, DATA, OR PROFITS; OR BUSINESS INTERRUPTION) HOWEVER
// CAUSED AND ON ANY THEORY OF LIABILITY, WHETHER IN CONTRACT, STRICT LIABILITY,
// OR TORT (INCLUDING NEGLIGENCE OR OTHERWISE) ARISING IN ANY WAY OUT OF THE USE
// OF THIS SOFTWARE, EVEN IF ADVISED OF THE POSSIBILITY OF SUCH DAMAGE.

package bstarplustree

import (
	"bytes"
	"encoding/gob"
	"errors"
	"os"
	"time"

	"github.com/guycipher/timeloop/pager"
)

// BStarPlusTree is an ordered, page-backed index. Every Put of an
// existing key appends a new version page rather than overwriting one
// in place; callers that want "latest value wins" semantics use
// GetLatest instead of walking every version with Get.
type BStarPlusTree struct {
	Pager *pager.Pager // The pager for the bstarplustree
	T     int          // The order of the tree
}

// Key is the key struct for the a BStarPlusTree node
type Key struct {
	K   []byte     // The key
	V   []int64    // The values, oldest first; the last entry is the current version
	TTL *time.Time // Time to live
}

// Node is the node struct for the BStarPlusTree
type Node struct {
	Page     int64   // The page number of the node
	Keys     []*Key  // The keys in node
	Children []int64 // The children of the node
	Leaf     bool    // If the node is a leaf node
	Next     int64   // The next leaf node (for leaf nodes only)
}

// KeyIterator is an iterator over every version written for a key
type KeyIterator struct {
	index int            // current index
	key   *Key           // the key
	bspt  *BStarPlusTree // the bstarplustree
}

// Iterator is an iterator for the keys of the BStarPlusTree
type Iterator interface {
	HasNext() bool
	Next() (*Key, error)
	Prev() (*Key, error)
	GetBSPT() *BStarPlusTree
}

// inOrderFrame is one level of an in-progress in-order descent: node
// is the node at this level and idx is the index of the next key in
// it that Next() should emit once the walk returns to this level.
type inOrderFrame struct {
	node *Node
	idx  int
}

// InOrderIterator walks every key in the tree in ascending order,
// optionally starting mid-tree (see NewSeekIterator).
type InOrderIterator struct {
	stack []inOrderFrame
	bspt  *BStarPlusTree
}

// Open opens a new or existing BStarPlusTree
func Open(name string, flag int, perm os.FileMode, t int) (*BStarPlusTree, error) {
	if t < 2 {
		return nil, errors.New("t must be greater than 1")
	}

	p, err := pager.OpenPager(name, flag, perm)
	if err != nil {
		return nil, err
	}

	return &BStarPlusTree{
		T:     t,
		Pager: p,
	}, nil
}

// Close closes the BStarPlusTree
func (bspt *BStarPlusTree) Close() error {
	return bspt.Pager.Close()
}

// encodeNode encodes a node into a byte slice
func encodeNode(n *Node) ([]byte, error) {
	buff := new(bytes.Buffer)
	enc := gob.NewEncoder(buff)
	if err := enc.Encode(n); err != nil {
		return nil, err
	}
	return buff.Bytes(), nil
}

// newNode creates a new BStarPlusTree node
func (bspt *BStarPlusTree) newNode(leaf bool) (*Node, error) {
	newNode := &Node{
		Leaf: leaf,
		Keys: make([]*Key, 0),
	}

	encodedNode, err := encodeNode(newNode)
	if err != nil {
		return nil, err
	}

	newNode.Page, err = bspt.Pager.Write(encodedNode)
	if err != nil {
		return nil, err
	}

	encodedNode, err = encodeNode(newNode)
	if err != nil {
		return nil, err
	}

	if err := bspt.Pager.WriteTo(newNode.Page, encodedNode); err != nil {
		return nil, err
	}

	return newNode, nil
}

// encodeValue encodes a value into a byte slice
func encodeValue(value []byte) ([]byte, error) {
	buff := new(bytes.Buffer)
	enc := gob.NewEncoder(buff)
	if err := enc.Encode(value); err != nil {
		return nil, err
	}
	return buff.Bytes(), nil
}

// decodeValue decodes a byte slice into a value
func decodeValue(data []byte) ([]byte, error) {
	var value []byte
	dec := gob.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&value); err != nil {
		return nil, err
	}
	return value, nil
}

// decodeNode decodes a byte slice into a node
func decodeNode(data []byte) (*Node, error) {
	node := &Node{}
	dec := gob.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(node); err != nil {
		return nil, err
	}
	return node, nil
}

// getRoot returns the root of the BStarPlusTree
func (bspt *BStarPlusTree) getRoot() (*Node, error) {
	root, err := bspt.Pager.GetPage(0)
	if err != nil {
		if err.Error() == "EOF" {
			rootNode := &Node{
				Leaf:     true,
				Page:     0,
				Children: make([]int64, 0),
				Keys:     make([]*Key, 0),
			}

			encodedRoot, err := encodeNode(rootNode)
			if err != nil {
				return nil, err
			}

			if err := bspt.Pager.WriteTo(0, encodedRoot); err != nil {
				return nil, err
			}

			return rootNode, nil
		}
		return nil, err
	}

	rootNode, err := decodeNode(root)
	if err != nil {
		return nil, err
	}

	return rootNode, nil
}

// splitRoot splits the root node
func (bspt *BStarPlusTree) splitRoot() error {
	oldRoot, err := bspt.getRoot()
	if err != nil {
		return err
	}

	newOldRoot, err := bspt.newNode(oldRoot.Leaf)
	if err != nil {
		return err
	}

	newOldRoot.Keys = oldRoot.Keys
	newOldRoot.Children = oldRoot.Children

	newRoot := &Node{
		Page:     0,
		Children: []int64{newOldRoot.Page},
	}

	if err := bspt.splitChild(newRoot, 0, newOldRoot); err != nil {
		return err
	}

	encodedNewRoot, err := encodeNode(newRoot)
	if err != nil {
		return err
	}

	if err := bspt.Pager.WriteTo(newRoot.Page, encodedNewRoot); err != nil {
		return err
	}

	encodedNewOldRoot, err := encodeNode(newOldRoot)
	if err != nil {
		return err
	}

	return bspt.Pager.WriteTo(newOldRoot.Page, encodedNewOldRoot)
}

// splitChild splits a full child node into two nodes and updates the parent node.
// It creates a new node, redistributes keys and children between the full node and the new node,
// and updates the parent node with the new key and child
func (bspt *BStarPlusTree) splitChild(parent *Node, index int, fullNode *Node) error {
	newNode, err := bspt.newNode(fullNode.Leaf)
	if err != nil {
		return err
	}

	t := bspt.T
	newNode.Keys = append(newNode.Keys, fullNode.Keys[t:]...)
	fullNode.Keys = fullNode.Keys[:t]

	if !fullNode.Leaf {
		newNode.Children = append(newNode.Children, fullNode.Children[t:]...)
		fullNode.Children = fullNode.Children[:t]
	} else {
		newNode.Next = fullNode.Next
		fullNode.Next = newNode.Page
	}

	parent.Keys = append(parent.Keys, nil)
	parent.Children = append(parent.Children, 0)

	for j := len(parent.Keys) - 1; j > index; j-- {
		parent.Keys[j] = parent.Keys[j-1]
	}
	parent.Keys[index] = fullNode.Keys[t-1]

	fullNode.Keys = fullNode.Keys[:t-1]

	for j := len(parent.Children) - 1; j > index+1; j-- {
		parent.Children[j] = parent.Children[j-1]
	}
	parent.Children[index+1] = newNode.Page

	if err := bspt.writeNode(fullNode); err != nil {
		return err
	}
	if err := bspt.writeNode(newNode); err != nil {
		return err
	}
	return bspt.writeNode(parent)
}

// Put inserts a key into the BStarPlusTree. If the key already exists
// this appends a new version rather than overwriting the prior one;
// see GetLatest.
func (bspt *BStarPlusTree) Put(key, value []byte, ttl *time.Time) error {
	root, err := bspt.getRoot()
	if err != nil {
		return err
	}

	if len(root.Keys) == (2*bspt.T)-1 {
		if err := bspt.splitRoot(); err != nil {
			return err
		}

		rootBytes, err := bspt.Pager.GetPage(0)
		if err != nil {
			return err
		}

		root, err = decodeNode(rootBytes)
		if err != nil {
			return err
		}
	}

	encodedValue, err := encodeValue(value)
	if err != nil {
		return err
	}

	valuePage, err := bspt.Pager.Write(encodedValue)
	if err != nil {
		return err
	}

	return bspt.insertNonFull(root, key, valuePage, ttl)
}

// insertNonFull inserts a key into a node that is not full.
// If the node is a leaf, it inserts the key in the correct position.
// If the node is not a leaf, it finds the correct child to insert the key.
// If the child is full, it handles the split or redistribution before inserting.
// The function ensures that the tree maintains its properties after the insertion
func (bspt *BStarPlusTree) insertNonFull(node *Node, key []byte, valuePage int64, ttl *time.Time) error {
	i := len(node.Keys) - 1

	if node.Leaf {
		for j := 0; j <= i; j++ {
			if bytes.Equal(node.Keys[j].K, key) {
				node.Keys[j].V = append(node.Keys[j].V, valuePage)
				return bspt.writeNode(node)
			}
		}

		node.Keys = append(node.Keys, nil)
		for i >= 0 && lessThan(key, node.Keys[i].K) {
			node.Keys[i+1] = node.Keys[i]
			i--
		}
		node.Keys[i+1] = &Key{K: key, V: []int64{valuePage}, TTL: ttl}
		return bspt.writeNode(node)
	}

	for j := 0; j <= i; j++ {
		if bytes.Equal(node.Keys[j].K, key) {
			node.Keys[j].V = append(node.Keys[j].V, valuePage)
			return bspt.writeNode(node)
		}
	}

	for i >= 0 && lessThan(key, node.Keys[i].K) {
		i--
	}
	i++

	childBytes, err := bspt.Pager.GetPage(node.Children[i])
	if err != nil {
		return err
	}
	child, err := decodeNode(childBytes)
	if err != nil {
		return err
	}

	if len(child.Keys) == 2*bspt.T-1 {
		if i+1 < len(node.Children) {
			rightSiblingBytes, err := bspt.Pager.GetPage(node.Children[i+1])
			if err != nil {
				return err
			}
			rightSibling, err := decodeNode(rightSiblingBytes)
			if err != nil {
				return err
			}

			if len(rightSibling.Keys) < 2*bspt.T-1 {
				if err := bspt.redistributeKeys(node, child, rightSibling, i); err != nil {
					return err
				}
			} else if err := bspt.splitChild(node, i, child); err != nil {
				return err
			}
		} else if err := bspt.splitChild(node, i, child); err != nil {
			return err
		}

		if greaterThan(key, node.Keys[i].K) {
			i++
		}
	}

	childBytes, err = bspt.Pager.GetPage(node.Children[i])
	if err != nil {
		return err
	}
	child, err = decodeNode(childBytes)
	if err != nil {
		return err
	}

	return bspt.insertNonFull(child, key, valuePage, ttl)
}

// lessThan compares two values and returns true if a is less than b
func lessThan(a, b []byte) bool {
	return bytes.Compare(a, b) < 0
}

// greaterThan compares two values and returns true if a is greater than b
func greaterThan(a, b []byte) bool {
	return bytes.Compare(a, b) > 0
}

// equal compares two values and returns true if a is equal to b
func equal(a, b []byte) bool {
	return bytes.Equal(a, b)
}

// HasNext returns true if there are more values in the key
func (it *KeyIterator) HasNext() bool {
	return it.index < len(it.key.V)
}

// Next returns the next value in the key, oldest version first
func (it *KeyIterator) Next() ([]byte, error) {
	if !it.HasNext() {
		return nil, errors.New("no more values")
	}

	valuePage := it.key.V[it.index]

	valueBytes, err := it.bspt.Pager.GetPage(valuePage)
	if err != nil {
		return nil, err
	}

	value, err := decodeValue(valueBytes)
	if err != nil {
		return nil, nil
	}

	it.index++

	return value, nil
}

// Get retrieves every version ever written for a key, oldest first
func (bspt *BStarPlusTree) Get(key []byte) (*KeyIterator, error) {
	root, err := bspt.getRoot()
	if err != nil {
		return nil, err
	}

	return bspt.get(root, key)
}

// GetLatest returns the most recently written version of a key, which
// is how TimeLoop's kv package implements overwrite/delete on top of
// an append-only tree: the newest page wins.
func (bspt *BStarPlusTree) GetLatest(key []byte) ([]byte, bool, error) {
	root, err := bspt.getRoot()
	if err != nil {
		return nil, false, err
	}

	k, err := bspt.findKey(root, key)
	if err != nil {
		return nil, false, nil
	}
	if k == nil || len(k.V) == 0 {
		return nil, false, nil
	}

	valueBytes, err := bspt.Pager.GetPage(k.V[len(k.V)-1])
	if err != nil {
		return nil, false, err
	}

	value, err := decodeValue(valueBytes)
	if err != nil {
		return nil, false, err
	}

	return value, true, nil
}

// ReadValuePage decodes the value stored at a page number previously
// obtained from a Key.V entry, for callers (such as an iterator) that
// hold a *Key directly rather than going through Get/GetLatest.
func (bspt *BStarPlusTree) ReadValuePage(pageID int64) ([]byte, error) {
	valueBytes, err := bspt.Pager.GetPage(pageID)
	if err != nil {
		return nil, err
	}
	return decodeValue(valueBytes)
}

// findKey descends the tree returning the *Key struct (not a copy) for
// an exact match, or nil if absent.
func (bspt *BStarPlusTree) findKey(x *Node, key []byte) (*Key, error) {
	i := 0
	for i < len(x.Keys) && lessThan(x.Keys[i].K, key) {
		i++
	}

	if i < len(x.Keys) && equal(x.Keys[i].K, key) {
		return x.Keys[i], nil
	} else if x.Leaf {
		return nil, nil
	}

	childBytes, err := bspt.Pager.GetPage(x.Children[i])
	if err != nil {
		return nil, err
	}

	child, err := decodeNode(childBytes)
	if err != nil {
		return nil, err
	}

	return bspt.findKey(child, key)
}

// get retrieves a key from the BStarPlusTree
func (bspt *BStarPlusTree) get(x *Node, key []byte) (*KeyIterator, error) {
	i := 0
	for i < len(x.Keys) && lessThan(x.Keys[i].K, key) {
		i++
	}

	if i < len(x.Keys) && equal(x.Keys[i].K, key) {
		return NewKeyIterator(x.Keys[i], bspt), nil
	} else if x.Leaf {
		return nil, errors.New("key not found")
	}

	childBytes, err := bspt.Pager.GetPage(x.Children[i])
	if err != nil {
		return nil, err
	}

	child, err := decodeNode(childBytes)
	if err != nil {
		return nil, err
	}

	return bspt.get(child, key)
}

// writeNode encodes and writes a node to the pager
func (bspt *BStarPlusTree) writeNode(n *Node) error {
	encodedNode, err := encodeNode(n)
	if err != nil {
		return err
	}
	return bspt.Pager.WriteTo(n.Page, encodedNode)
}

// NewKeyIterator creates a new KeyIterator
func NewKeyIterator(key *Key, bspt *BStarPlusTree) *KeyIterator {
	return &KeyIterator{
		index: 0,
		key:   key,
		bspt:  bspt,
	}
}

// NewInOrderIterator creates a new InOrderIterator starting at the
// leftmost key in the tree.
func NewInOrderIterator(bspt *BStarPlusTree) (*InOrderIterator, error) {
	root, err := bspt.getRoot()
	if err != nil {
		return nil, err
	}
	it := &InOrderIterator{bspt: bspt}
	it.pushLeft(root)
	return it, nil
}

// NewSeekIterator creates an InOrderIterator positioned at the first
// key greater than or equal to from. Unlike NewInOrderIterator it
// descends guided by the comparison instead of always taking the
// leftmost child, so range/prefix scans don't have to walk past every
// key that precedes the requested range.
func NewSeekIterator(bspt *BStarPlusTree, from []byte) (*InOrderIterator, error) {
	root, err := bspt.getRoot()
	if err != nil {
		return nil, err
	}
	it := &InOrderIterator{bspt: bspt}
	if err := it.pushSeek(root, from); err != nil {
		return nil, err
	}
	return it, nil
}

// pushLeft pushes node and the leftmost descendant path below it onto
// the stack, each frame starting at key index 0.
func (it *InOrderIterator) pushLeft(node *Node) {
	for node != nil {
		it.stack = append(it.stack, inOrderFrame{node: node, idx: 0})
		if len(node.Children) == 0 {
			return
		}
		childBytes, err := it.bspt.Pager.GetPage(node.Children[0])
		if err != nil {
			return
		}
		child, err := decodeNode(childBytes)
		if err != nil {
			return
		}
		node = child
	}
}

// pushSeek descends towards the first key >= from, pushing a frame per
// level so that Next() resumes an in-order walk from that point.
func (it *InOrderIterator) pushSeek(node *Node, from []byte) error {
	for node != nil {
		i := 0
		for i < len(node.Keys) && lessThan(node.Keys[i].K, from) {
			i++
		}

		it.stack = append(it.stack, inOrderFrame{node: node, idx: i})

		if node.Leaf {
			return nil
		}

		childBytes, err := it.bspt.Pager.GetPage(node.Children[i])
		if err != nil {
			return err
		}
		child, err := decodeNode(childBytes)
		if err != nil {
			return err
		}
		node = child
	}
	return nil
}

// pruneExhausted drops stack frames whose keys have all been emitted.
func (it *InOrderIterator) pruneExhausted() {
	for len(it.stack) > 0 {
		top := it.stack[len(it.stack)-1]
		if top.idx < len(top.node.Keys) {
			return
		}
		it.stack = it.stack[:len(it.stack)-1]
	}
}

// HasNext returns true if there are more keys in the BStarPlusTree
func (it *InOrderIterator) HasNext() bool {
	it.pruneExhausted()
	return len(it.stack) > 0
}

// GetBSPT returns iterators BSPT instance
func (it *InOrderIterator) GetBSPT() *BStarPlusTree {
	return it.bspt
}

// Next returns the next key in the BStarPlusTree
func (it *InOrderIterator) Next() (*Key, error) {
	it.pruneExhausted()
	if len(it.stack) == 0 {
		return nil, errors.New("no more keys")
	}

	top := &it.stack[len(it.stack)-1]
	key := top.node.Keys[top.idx]
	top.idx++

	if !top.node.Leaf {
		childBytes, err := it.bspt.Pager.GetPage(top.node.Children[top.idx])
		if err != nil {
			return nil, err
		}
		child, err := decodeNode(childBytes)
		if err != nil {
			return nil, err
		}
		it.pushLeft(child)
	}

	return key, nil
}

// redistributeKeys redistributes keys between a node and its sibling
func (bspt *BStarPlusTree) redistributeKeys(parent *Node, node *Node, sibling *Node, index int) error {
	isRightSibling := index < len(parent.Keys) && lessThan(parent.Keys[index].K, sibling.Keys[0].K)

	combinedKeys := append(node.Keys, parent.Keys[index])
	combinedKeys = append(combinedKeys, sibling.Keys...)
	var combinedChildren []int64
	if !node.Leaf {
		combinedChildren = append(node.Children, sibling.Children...)
	}

	splitPoint := (len(combinedKeys) + 1) / 2

	if isRightSibling {
		node.Keys = combinedKeys[:splitPoint]
		parent.Keys[index] = combinedKeys[splitPoint]
		sibling.Keys = combinedKeys[splitPoint+1:]
		if !node.Leaf {
			node.Children = combinedChildren[:splitPoint+1]
			sibling.Children = combinedChildren[splitPoint+1:]
		}
	} else {
		sibling.Keys = combinedKeys[:splitPoint]
		parent.Keys[index] = combinedKeys[splitPoint]
		node.Keys = combinedKeys[splitPoint+1:]
		if !node.Leaf {
			sibling.Children = combinedChildren[:splitPoint+1]
			node.Children = combinedChildren[splitPoint+1:]
		}
	}

	if err := bspt.writeNode(node); err != nil {
		return err
	}
	if err := bspt.writeNode(sibling); err != nil {
		return err
	}
	return bspt.writeNode(parent)
}
