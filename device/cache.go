package device

// lastIOCache is the read-through buffer described in spec.md §3
// invariant 7 and §4.5's read path: it coalesces repeated small reads
// at the same offset and is never used to defer writes. A successful
// write-through replaces it with the range just written; a failed write,
// a format or a grow invalidates it.
type lastIOCache struct {
	valid  bool
	offset int64
	length int64
	buf    []byte
}

// covers reports whether [off, off+length) lies wholly inside the
// cached range.
func (c *lastIOCache) covers(off, length int64) bool {
	if !c.valid {
		return false
	}
	return off >= c.offset && off+length <= c.offset+c.length
}

// serve copies the cached bytes for [off, off+length) into dst,
// assuming covers(off, length) already returned true.
func (c *lastIOCache) serve(dst []byte, off, length int64) int {
	start := off - c.offset
	return copy(dst[:length], c.buf[start:start+length])
}

// publish installs a freshly read or written range as the new cache
// contents.
func (c *lastIOCache) publish(off int64, buf []byte) {
	c.valid = true
	c.offset = off
	c.length = int64(len(buf))
	c.buf = buf
}

// invalidate drops the cache; called on the idle timeout, on a failed
// write, and after format and grow touch the backing store (spec.md §5
// "Ordering guarantees": a write followed by a read from the same
// offset must observe the write).
func (c *lastIOCache) invalidate() {
	c.valid = false
	c.buf = nil
}

// smallerThan reports whether the cache's length is smaller than
// needed, per spec.md §4.5 "if cache exists and is smaller than the
// request, free it".
func (c *lastIOCache) smallerThan(length int64) bool {
	return c.valid && c.length < length
}
