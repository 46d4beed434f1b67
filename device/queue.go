package device

// transferQueue is a FIFO of requests for one endpoint. Only the head may be
// owned by hardware.
type transferQueue struct {
	items []*Request
	head  int
}

func (q *transferQueue) len() int {
	return len(q.items) - q.head
}

func (q *transferQueue) push(r *Request) {
	if q.head > 0 && q.head == len(q.items) {
		clear(q.items)
		q.items = q.items[:0]
		q.head = 0
	}
	q.items = append(q.items, r)
}

func (q *transferQueue) peek() *Request {
	if q.head == len(q.items) {
		return nil
	}
	return q.items[q.head]
}

func (q *transferQueue) pop() *Request {
	r := q.peek()
	if r == nil {
		return nil
	}
	q.items[q.head] = nil
	q.head++
	return r
}

// drain removes and returns all requests in order.
func (q *transferQueue) drain() []*Request {
	if q.len() == 0 {
		return nil
	}
	out := make([]*Request, q.len())
	copy(out, q.items[q.head:])
	clear(q.items)
	q.items = q.items[:0]
	q.head = 0
	return out
}
