// Copyright 2024 The pstack Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package breader

import (
	"container/list"
	"encoding/binary"
	"io"
	"sync"
)

// cachingReader partitions its backing reader into fixed-size pages held
// in a bounded LRU keyed by page index (spec.md §4.A). Hits are served
// without touching the backing reader; misses evict the least-recently
// used page. Safe for concurrent use: per spec.md §5 the cache is
// single-writer when the VTable sweep is parallelized, but nothing stops
// two unrelated goroutines (e.g. one unwinding, one symbolicating) from
// sharing a cache, so we guard it with a mutex regardless.
type cachingReader struct {
	backing  Reader
	pageSize int64
	maxPages int

	mu    sync.Mutex
	pages map[int64]*list.Element // page index -> lru element
	lru   *list.List              // front = most recently used
}

type cachePage struct {
	index int64
	data  []byte
	valid int // bytes actually backed (may be < pageSize at EOF)
}

// NewCaching wraps backing with an LRU page cache. A non-positive
// pageSize falls back to 4096 bytes and a non-positive maxPages to 256.
func NewCaching(backing Reader, pageSize, maxPages int) Reader {
	if pageSize <= 0 {
		pageSize = 4096
	}
	if maxPages <= 0 {
		maxPages = 256
	}
	return &cachingReader{
		backing:  backing,
		pageSize: int64(pageSize),
		maxPages: maxPages,
		pages:    make(map[int64]*list.Element),
		lru:      list.New(),
	}
}

func (c *cachingReader) String() string {
	return c.backing.String()
}

func (c *cachingReader) ReadObj(off int64, order binary.ByteOrder, v interface{}) error {
	return readObj(c, off, order, v)
}

func (c *cachingReader) ReadString(off int64) (string, error) {
	return readString(c, off)
}

func (c *cachingReader) ReadAt(off int64, buf []byte) (int, error) {
	total := 0
	for len(buf) > 0 {
		pageIdx := off / c.pageSize
		pageOff := off % c.pageSize

		page, err := c.getPage(pageIdx)
		if page == nil {
			return total, err
		}

		avail := page.valid - int(pageOff)
		if avail <= 0 {
			return total, io.EOF
		}
		n := copy(buf, page.data[pageOff:page.valid])
		total += n
		off += int64(n)
		buf = buf[n:]

		if len(buf) > 0 && page.valid < int(c.pageSize) && int(pageOff)+n >= page.valid {
			// Page was short (backing reader hit EOF within this
			// page): there is nothing beyond it to serve.
			return total, io.EOF
		}
	}
	return total, nil
}

func (c *cachingReader) getPage(idx int64) (*cachePage, error) {
	c.mu.Lock()
	if elem, ok := c.pages[idx]; ok {
		c.lru.MoveToFront(elem)
		page := elem.Value.(*cachePage)
		c.mu.Unlock()
		return page, nil
	}
	c.mu.Unlock()

	// Miss: fetch outside the lock so a slow backing read doesn't
	// block other cache hits.
	data := make([]byte, c.pageSize)
	n, err := c.backing.ReadAt(idx*c.pageSize, data)
	if n == 0 {
		return nil, err
	}
	page := &cachePage{index: idx, data: data, valid: n}

	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.pages[idx]; ok {
		// Lost a race with another goroutine that filled it first.
		c.lru.MoveToFront(elem)
		return elem.Value.(*cachePage), nil
	}
	elem := c.lru.PushFront(page)
	c.pages[idx] = elem
	for len(c.pages) > c.maxPages {
		back := c.lru.Back()
		if back == nil {
			break
		}
		c.lru.Remove(back)
		delete(c.pages, back.Value.(*cachePage).index)
	}
	return page, nil
}
