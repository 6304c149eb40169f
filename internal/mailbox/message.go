// Package mailbox implements the per-block lock-free MPSC message queue
// (spec §3 "Mailbox", §4.2), the sole channel between blocks.
package mailbox

import (
	"sync/atomic"

	"github.com/kelpline/blockrt/internal/block"
)

// Message is one queued item (spec §3 "Message"). next links it into the
// mailbox's internal singly-linked list; producers and the single consumer
// touch it with the ordering discipline documented on Mailbox.Push/Pop.
type Message struct {
	Sender block.Pid
	Value  block.Value
	next   atomic.Pointer[Message]
}

// estimatedSize approximates the message's footprint for the mailbox's byte
// accounting (spec §4.2 Push step 1). We charge a fixed header cost plus,
// for values that report their own size, their reported payload length.
func estimatedSize(v block.Value) int64 {
	const header = 64 // message header + value header, approximated
	if sized, ok := v.(interface{ ByteSize() int64 }); ok {
		return header + sized.ByteSize()
	}
	return header
}
