package att

import (
	"fmt"
)

// DefaultPrepareQueueLimit bounds the number of queued prepare writes per bearer
const DefaultPrepareQueueLimit = 64

// Fragmenter holds the prepare-write queue of one bearer.
// Clients use it to check echoed PrepareWriteResponses; servers use it to
// hold PrepareWriteRequests until the ExecuteWriteRequest arrives.
type Fragmenter struct {
	// Key: handle, Value: ordered list of prepared chunks
	prepareQueue map[uint16][]*PrepareWriteResponse
	order        []uint16
	count        int
	limit        int
}

// PreparedWrite is the reassembled result for one handle
type PreparedWrite struct {
	Handle uint16
	Offset uint16
	Value  []byte
}

// NewFragmenter creates a new Fragmenter
func NewFragmenter() *Fragmenter {
	return &Fragmenter{
		prepareQueue: make(map[uint16][]*PrepareWriteResponse),
		limit:        DefaultPrepareQueueLimit,
	}
}

// SetLimit changes the maximum number of queued chunks (0 means unlimited)
func (f *Fragmenter) SetLimit(n int) {
	f.limit = n
}

// ShouldFragment returns true if the value exceeds MTU and needs fragmentation
// ATT Write Request format: [Opcode:1][Handle:2][Value:N]
// So max value size = MTU - 3
func ShouldFragment(mtu int, value []byte) bool {
	if mtu <= 0 {
		mtu = DefaultMTU
	}
	return len(value) > MaxValueLen(mtu, 3)
}

// FragmentWrite splits a large write into multiple Prepare Write requests
func FragmentWrite(handle uint16, value []byte, mtu int) ([]*PrepareWriteRequest, error) {
	if !ShouldFragment(mtu, value) {
		return nil, fmt.Errorf("att: value does not need fragmentation (len=%d, mtu=%d)", len(value), mtu)
	}
	if len(value) > 0xFFFF {
		return nil, fmt.Errorf("att: value too long for prepared write (len=%d)", len(value))
	}

	// PrepareWriteRequest format: [Opcode:1][Handle:2][Offset:2][Value:N]
	maxChunkSize := MaxValueLen(mtu, 5)
	if maxChunkSize <= 0 {
		return nil, fmt.Errorf("att: MTU too small for fragmentation (mtu=%d)", mtu)
	}

	var requests []*PrepareWriteRequest
	for offset := 0; offset < len(value); offset += maxChunkSize {
		end := offset + maxChunkSize
		if end > len(value) {
			end = len(value)
		}
		chunk := make([]byte, end-offset)
		copy(chunk, value[offset:end])

		requests = append(requests, &PrepareWriteRequest{
			Handle: handle,
			Offset: uint16(offset),
			Value:  chunk,
		})
	}

	return requests, nil
}

// AddPrepareWriteResponse adds a prepare write response to the queue for reassembly.
// Chunks for a handle must be contiguous: each offset continues where the previous ended.
func (f *Fragmenter) AddPrepareWriteResponse(resp *PrepareWriteResponse) error {
	if resp == nil {
		return fmt.Errorf("att: nil prepare write response")
	}
	if f.limit > 0 && f.count >= f.limit {
		return NewError(ErrPrepareQueueFull, OpPrepareWriteRequest, resp.Handle)
	}

	queue, exists := f.prepareQueue[resp.Handle]
	if exists && len(queue) > 0 {
		last := queue[len(queue)-1]
		expectedOffset := last.Offset + uint16(len(last.Value))
		if resp.Offset != expectedOffset {
			return NewError(ErrInvalidOffset, OpPrepareWriteRequest, resp.Handle)
		}
	} else {
		f.order = append(f.order, resp.Handle)
	}

	f.prepareQueue[resp.Handle] = append(queue, resp)
	f.count++
	return nil
}

// AddPrepareWriteRequest queues an inbound request on the server side
func (f *Fragmenter) AddPrepareWriteRequest(req *PrepareWriteRequest) error {
	if req == nil {
		return fmt.Errorf("att: nil prepare write request")
	}
	return f.AddPrepareWriteResponse(&PrepareWriteResponse{
		Handle: req.Handle,
		Offset: req.Offset,
		Value:  append([]byte{}, req.Value...),
	})
}

// GetReassembledValue returns the fully reassembled value for a handle
// Returns nil if no data is queued for this handle
func (f *Fragmenter) GetReassembledValue(handle uint16) []byte {
	queue, exists := f.prepareQueue[handle]
	if !exists || len(queue) == 0 {
		return nil
	}

	totalSize := 0
	for _, resp := range queue {
		totalSize += len(resp.Value)
	}

	result := make([]byte, 0, totalSize)
	for _, resp := range queue {
		result = append(result, resp.Value...)
	}
	return result
}

// Drain returns every queued write, in the order handles were first prepared,
// and empties the queue.
func (f *Fragmenter) Drain() []PreparedWrite {
	writes := make([]PreparedWrite, 0, len(f.order))
	for _, h := range f.order {
		queue := f.prepareQueue[h]
		if len(queue) == 0 {
			continue
		}
		writes = append(writes, PreparedWrite{
			Handle: h,
			Offset: queue[0].Offset,
			Value:  f.GetReassembledValue(h),
		})
	}
	f.ClearAllQueues()
	return writes
}

// ClearQueue clears the prepare write queue for a handle
func (f *Fragmenter) ClearQueue(handle uint16) {
	f.count -= len(f.prepareQueue[handle])
	delete(f.prepareQueue, handle)
	for i, h := range f.order {
		if h == handle {
			f.order = append(f.order[:i], f.order[i+1:]...)
			break
		}
	}
}

// ClearAllQueues clears all prepare write queues
// This should be called on disconnection or error
func (f *Fragmenter) ClearAllQueues() {
	f.prepareQueue = make(map[uint16][]*PrepareWriteResponse)
	f.order = nil
	f.count = 0
}

// GetQueueLength returns the number of prepare write responses queued for a handle
func (f *Fragmenter) GetQueueLength(handle uint16) int {
	return len(f.prepareQueue[handle])
}

// GetQueuedHandles returns a list of all handles that have queued prepare writes
func (f *Fragmenter) GetQueuedHandles() []uint16 {
	return append([]uint16(nil), f.order...)
}
