package netstack

// Pbuf is a chain of buffer segments holding one packet, the form in which
// packet data crosses the stack boundary. Total length is the sum over the
// chain.
type Pbuf struct {
	payload []byte
	next    *Pbuf
	totLen  int
}

// NewPbuf allocates a single-segment pbuf of n bytes.
func NewPbuf(n int) *Pbuf {
	return &Pbuf{payload: make([]byte, n), totLen: n}
}

// NewPbufChain builds a chained pbuf over the given segments, referencing
// them without copying.
func NewPbufChain(segs ...[]byte) *Pbuf {
	var head, tail *Pbuf
	total := 0
	for _, s := range segs {
		total += len(s)
	}
	for _, s := range segs {
		p := &Pbuf{payload: s}
		if head == nil {
			head = p
		} else {
			tail.next = p
		}
		tail = p
	}
	if head == nil {
		head = &Pbuf{}
	}
	for p := head; p != nil; p = p.next {
		p.totLen = total
		total -= len(p.payload)
	}
	return head
}

// Payload is this segment's bytes.
func (p *Pbuf) Payload() []byte {
	return p.payload
}

// Next is the following segment, or nil.
func (p *Pbuf) Next() *Pbuf {
	return p.next
}

// TotLen is the total packet length from this segment onward.
func (p *Pbuf) TotLen() int {
	return p.totLen
}

// Take copies src into the chain starting at the front. src must fit.
func (p *Pbuf) Take(src []byte) Err {
	if len(src) > p.totLen {
		return ErrVal
	}
	for seg := p; seg != nil && len(src) > 0; seg = seg.next {
		n := copy(seg.payload, src)
		src = src[n:]
	}
	return ErrOK
}

// CopyPartial copies up to len(dst) bytes starting at offset off into dst,
// returning the number copied.
func (p *Pbuf) CopyPartial(dst []byte, off int) int {
	copied := 0
	for seg := p; seg != nil && copied < len(dst); seg = seg.next {
		if off >= len(seg.payload) {
			off -= len(seg.payload)
			continue
		}
		n := copy(dst[copied:], seg.payload[off:])
		copied += n
		off = 0
	}
	return copied
}

// Free releases the chain. The payloads must not be used afterwards.
func (p *Pbuf) Free() {
	for seg := p; seg != nil; {
		next := seg.next
		seg.payload = nil
		seg.next = nil
		seg = next
	}
}
