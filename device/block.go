package device

import (
	"encoding/binary"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/kuvisor/kuvisor/ratelimit"
)

// virtio-blk request types and status codes.
const (
	blkTypeIn    = 0
	blkTypeOut   = 1
	blkTypeFlush = 4

	blkStatusOK     = 0
	blkStatusIOErr  = 1
	blkStatusUnsupp = 2

	blkSectorSize = 512
	blkDeviceID   = 2

	blkHeaderSize = 16
)

var errBlkRequestShort = errors.New("virtio-blk request chain too short")

// BlockFile is the storage a Block backend sits on. os.File satisfies it.
type BlockFile interface {
	io.ReaderAt
	io.WriterAt
	Sync() error
}

// Block is a single-queue virtio-blk backend. Requests are handled on a
// dedicated goroutine so slow storage never blocks the vCPU that kicked
// the queue.
type Block struct {
	file     BlockFile
	capacity uint64 // in 512-byte sectors
	limiter  ratelimit.Limiter

	transport *MMIO

	kicks  chan struct{}
	closed chan struct{}
	once   sync.Once
	wg     sync.WaitGroup

	// gate is held by the worker around each drain cycle; Pause takes it
	// to keep the worker off guest memory. paused is only touched by the
	// controller's serialized Pause/Resume/Close calls.
	gate   sync.Mutex
	paused bool
}

// NewBlock builds a backend over file which exposes sizeBytes of storage,
// throttled by lim. Bind it to a transport with Attach before use.
func NewBlock(file BlockFile, sizeBytes uint64, lim ratelimit.Limiter) *Block {
	b := &Block{
		file:     file,
		capacity: sizeBytes / blkSectorSize,
		limiter:  lim,
		kicks:    make(chan struct{}, 1),
		closed:   make(chan struct{}),
	}

	b.wg.Add(1)
	go b.run()

	return b
}

// Attach binds the transport the backend signals completions through.
func (b *Block) Attach(t *MMIO) { b.transport = t }

func (b *Block) DeviceID() uint32 { return blkDeviceID }
func (b *Block) Features() uint64 { return 0 }
func (b *Block) NumQueues() int   { return 1 }

// ReadConfig serves the virtio-blk config space, which for us is just the
// 8-byte capacity field.
func (b *Block) ReadConfig(off uint64, data []byte) {
	var cfg [8]byte

	binary.LittleEndian.PutUint64(cfg[:], b.capacity)

	for i := range data {
		if off+uint64(i) < uint64(len(cfg)) {
			data[i] = cfg[off+uint64(i)]
		} else {
			data[i] = 0
		}
	}
}

// Notify wakes the worker. The channel holds one pending kick; the worker
// drains the whole queue per wakeup, so collapsing kicks is fine.
func (b *Block) Notify(queue int) {
	select {
	case b.kicks <- struct{}{}:
	default:
	}
}

func (b *Block) run() {
	defer b.wg.Done()

	for {
		select {
		case <-b.closed:
			return
		case <-b.kicks:
			b.gate.Lock()
			b.drain()
			b.gate.Unlock()
		}
	}
}

// Pause waits for any in-flight request to finish and blocks the worker
// until Resume. Requests kicked while paused stay queued.
func (b *Block) Pause() {
	b.gate.Lock()
	b.paused = true
}

// Resume unblocks the worker and replays any kick that arrived while
// paused.
func (b *Block) Resume() {
	if !b.paused {
		return
	}

	b.paused = false
	b.gate.Unlock()
	b.Notify(0)
}

func (b *Block) drain() {
	q, ok := b.transport.Queue(0)
	if !ok {
		return
	}

	signalled := false

	for {
		chain, head, ok, err := q.Pop()
		if err != nil || !ok {
			break
		}

		written, throttled := b.handle(chain)
		if throttled {
			// Requeue the descriptor by rolling back our consumed
			// index, then retry once the bucket refills.
			q.LastAvail--
			b.transport.CommitQueue(0, q)

			if signalled {
				_ = b.transport.SignalUsed()
			}

			return
		}

		if err := q.PushUsed(head, written); err != nil {
			break
		}

		signalled = true
	}

	b.transport.CommitQueue(0, q)

	if signalled {
		_ = b.transport.SignalUsed()
	}
}

// handle executes one request chain. It returns the number of bytes the
// device wrote into the chain, or throttled=true when the rate limiter
// deferred the request.
func (b *Block) handle(chain []DescBuf) (written uint32, throttled bool) {
	if len(chain) < 2 || len(chain[0].Data) < blkHeaderSize {
		return 0, false
	}

	hdr := chain[0].Data
	reqType := binary.LittleEndian.Uint32(hdr[0:4])
	sector := binary.LittleEndian.Uint64(hdr[8:16])

	status := chain[len(chain)-1]
	data := chain[1 : len(chain)-1]

	var size uint64
	for _, d := range data {
		size += uint64(len(d.Data))
	}

	if reqType == blkTypeIn || reqType == blkTypeOut {
		// The config space promised capacity sectors; a request past it
		// fails without touching storage or limiter budget.
		sectors := (size + blkSectorSize - 1) / blkSectorSize
		if sector > b.capacity || sectors > b.capacity-sector {
			if len(status.Data) > 0 {
				status.Data[0] = blkStatusIOErr
				written++
			}

			return written, false
		}

		if ok, retry := b.limiter.TryConsume(size); !ok {
			time.AfterFunc(retry, func() { b.Notify(0) })

			return 0, true
		}
	}

	result := byte(blkStatusOK)
	off := int64(sector) * blkSectorSize

	switch reqType {
	case blkTypeIn:
		for _, d := range data {
			if _, err := b.file.ReadAt(d.Data, off); err != nil {
				result = blkStatusIOErr

				break
			}

			off += int64(len(d.Data))
			written += uint32(len(d.Data))
		}
	case blkTypeOut:
		for _, d := range data {
			if _, err := b.file.WriteAt(d.Data, off); err != nil {
				result = blkStatusIOErr

				break
			}

			off += int64(len(d.Data))
		}
	case blkTypeFlush:
		if err := b.file.Sync(); err != nil {
			result = blkStatusIOErr
		}
	default:
		result = blkStatusUnsupp
	}

	if len(status.Data) > 0 {
		status.Data[0] = result
		written++
	}

	return written, false
}

// Close stops the worker and waits for any in-flight request. A paused
// backend is released first so the worker can observe the close.
func (b *Block) Close() error {
	b.once.Do(func() {
		b.Resume()
		close(b.closed)
	})
	b.wg.Wait()

	return nil
}
