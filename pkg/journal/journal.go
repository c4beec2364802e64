// Copyright 2026 The vmsim Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package journal implements a redo log over the swap device, so that the
// block writes made by one transaction reach the device all or nothing.
//
// On-device layout, starting at block 0:
//
//	[header blocks][log blocks][data blocks ...]
//
// The header holds the number of committed log blocks followed by the
// target block number of each. A transaction stages its writes in the log
// area; writing a non-zero header is the commit point, after which the
// blocks are installed at their targets and the header is cleared. Open
// replays a committed header left behind by a crash.
//
// Transactions are carried in a context.Context. Beginning a transaction on
// a context that already carries one is a fatal error: transactions do not
// nest.
package journal

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/vmsim/vmsim/pkg/blockdev"
	"github.com/vmsim/vmsim/pkg/hostarch"
	"github.com/vmsim/vmsim/pkg/log"
	"github.com/vmsim/vmsim/pkg/metric"
)

var (
	commitCount  = metric.MustCreateNewUint64Metric("/journal/commits", "Number of journal commits that wrote at least one block.")
	blocksLogged = metric.MustCreateNewUint64Metric("/journal/blocks_logged", "Number of blocks written through the journal.")
)

// HeaderBlocks returns the number of header blocks needed for a log of
// logBlocks blocks.
func HeaderBlocks(logBlocks uint32) uint32 {
	return (4*(logBlocks+1) + blockdev.BlockSize - 1) / blockdev.BlockSize
}

// ReservedBlocks returns the number of leading device blocks a log of
// logBlocks blocks occupies.
func ReservedBlocks(logBlocks uint32) uint32 {
	return HeaderBlocks(logBlocks) + logBlocks
}

// Log is a redo log. Transactions are serialised: Begin blocks while another
// transaction is open.
type Log struct {
	dev          *blockdev.Device
	headerBlocks uint32
	logBlocks    uint32

	// mu is held from Begin to End.
	mu sync.Mutex
}

// Open attaches a log of logBlocks blocks to the start of dev and replays
// any committed transaction found there. dev must reserve at least
// ReservedBlocks(logBlocks) blocks.
func Open(dev *blockdev.Device, logBlocks uint32) (*Log, error) {
	if logBlocks < blockdev.PageBlocks {
		return nil, fmt.Errorf("log of %d blocks cannot hold a page (%d blocks)", logBlocks, blockdev.PageBlocks)
	}
	if need := ReservedBlocks(logBlocks); dev.Reserved() < need {
		return nil, fmt.Errorf("device reserves %d blocks, log needs %d", dev.Reserved(), need)
	}
	l := &Log{
		dev:          dev,
		headerBlocks: HeaderBlocks(logBlocks),
		logBlocks:    logBlocks,
	}
	if err := l.recover(); err != nil {
		return nil, fmt.Errorf("journal recovery: %w", err)
	}
	return l, nil
}

func (l *Log) readHeader() ([]uint32, error) {
	buf := make([]byte, l.headerBlocks*blockdev.BlockSize)
	if err := l.dev.ReadBlocks(0, buf); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(buf)
	if n > l.logBlocks {
		return nil, fmt.Errorf("corrupt header: %d blocks in a log of %d", n, l.logBlocks)
	}
	targets := make([]uint32, n)
	for i := range targets {
		targets[i] = binary.LittleEndian.Uint32(buf[4*(i+1):])
	}
	return targets, nil
}

func (l *Log) writeHeader(targets []uint32) error {
	buf := make([]byte, l.headerBlocks*blockdev.BlockSize)
	binary.LittleEndian.PutUint32(buf, uint32(len(targets)))
	for i, t := range targets {
		binary.LittleEndian.PutUint32(buf[4*(i+1):], t)
	}
	if err := l.dev.WriteBlocks(0, buf); err != nil {
		return err
	}
	return l.dev.Sync()
}

func (l *Log) recover() error {
	targets, err := l.readHeader()
	if err != nil {
		return err
	}
	if len(targets) == 0 {
		return nil
	}
	buf := make([]byte, blockdev.BlockSize)
	for i, t := range targets {
		if err := l.dev.ReadBlocks(l.headerBlocks+uint32(i), buf); err != nil {
			return err
		}
		if err := l.dev.WriteBlocks(t, buf); err != nil {
			return err
		}
	}
	if err := l.writeHeader(nil); err != nil {
		return err
	}
	log.Infof("Journal: replayed %d committed blocks", len(targets))
	return nil
}

type contextID int

// txKey is the context key for the open transaction.
const txKey contextID = iota

// FromContext returns the transaction carried by ctx, or nil.
func FromContext(ctx context.Context) *Tx {
	if v := ctx.Value(txKey); v != nil {
		return v.(*Tx)
	}
	return nil
}

// Begin opens a transaction, blocking while another one is open, and returns
// a context carrying it. It panics if ctx already carries a transaction.
func (l *Log) Begin(ctx context.Context) (context.Context, *Tx) {
	if FromContext(ctx) != nil {
		panic("journal: nested transaction")
	}
	l.mu.Lock()
	tx := &Tx{
		l:     l,
		index: make(map[uint32]int),
	}
	return context.WithValue(ctx, txKey, tx), tx
}

type pendingBlock struct {
	target uint32
	data   []byte
}

// Tx is an open transaction. It is not safe for concurrent use.
type Tx struct {
	l *Log

	// pending holds staged blocks in log order; index maps a target block
	// to its position in pending.
	pending []pendingBlock
	index   map[uint32]int

	// frees are applied once the transaction has committed.
	frees []blockdev.Run

	done bool
}

func (tx *Tx) checkOpen() {
	if tx.done {
		panic("journal: use of a finished transaction")
	}
}

// WritePage stages the page p for run r. The page reaches the device
// atomically: if the log cannot hold it alongside the transaction's earlier
// writes, those are committed first. Device failures are returned as EIO and
// leave r's previous contents in place.
func (tx *Tx) WritePage(r blockdev.Run, p []byte) error {
	tx.checkOpen()
	if len(p) != hostarch.PageSize {
		panic(fmt.Sprintf("journal: page write of %d bytes", len(p)))
	}
	fresh := 0
	for i := uint32(0); i < blockdev.PageBlocks; i++ {
		if _, ok := tx.index[uint32(r)+i]; !ok {
			fresh++
		}
	}
	if len(tx.pending)+fresh > int(tx.l.logBlocks) {
		tx.commit()
	}
	// Stage the page in the log area first so that a failing device is
	// reported before the transaction depends on the write.
	next := len(tx.pending)
	positions := make([]int, blockdev.PageBlocks)
	for i := range positions {
		if pos, ok := tx.index[uint32(r)+uint32(i)]; ok {
			positions[i] = pos
		} else {
			positions[i] = next
			next++
		}
		data := p[i*blockdev.BlockSize : (i+1)*blockdev.BlockSize]
		if err := tx.l.dev.WriteBlocks(tx.l.headerBlocks+uint32(positions[i]), data); err != nil {
			return err
		}
	}
	for i, pos := range positions {
		data := p[i*blockdev.BlockSize : (i+1)*blockdev.BlockSize]
		if pos < len(tx.pending) {
			copy(tx.pending[pos].data, data)
			continue
		}
		target := uint32(r) + uint32(i)
		tx.index[target] = pos
		tx.pending = append(tx.pending, pendingBlock{
			target: target,
			data:   append([]byte(nil), data...),
		})
	}
	return nil
}

// ReadPage reads the page stored in run r into p, observing the
// transaction's own staged writes. Device failures are returned as EIO.
func (tx *Tx) ReadPage(r blockdev.Run, p []byte) error {
	tx.checkOpen()
	if len(p) != hostarch.PageSize {
		panic(fmt.Sprintf("journal: page read of %d bytes", len(p)))
	}
	if err := tx.l.dev.ReadRun(r, p); err != nil {
		return err
	}
	for i := uint32(0); i < blockdev.PageBlocks; i++ {
		if pos, ok := tx.index[uint32(r)+i]; ok {
			copy(p[i*blockdev.BlockSize:(i+1)*blockdev.BlockSize], tx.pending[pos].data)
		}
	}
	return nil
}

// FreeRun schedules r to be returned to the device once the transaction
// commits.
func (tx *Tx) FreeRun(r blockdev.Run) {
	tx.checkOpen()
	tx.frees = append(tx.frees, r)
}

// commit makes the staged blocks durable. The log area is rewritten from
// memory so that it matches exactly what the header commits. Device failures
// here are fatal: the transaction's callers have already acted on its
// writes.
func (tx *Tx) commit() {
	if len(tx.pending) == 0 {
		return
	}
	l := tx.l
	targets := make([]uint32, len(tx.pending))
	for i, b := range tx.pending {
		targets[i] = b.target
		if err := l.dev.WriteBlocks(l.headerBlocks+uint32(i), b.data); err != nil {
			panic(fmt.Sprintf("journal: writing log block %d: %v", i, err))
		}
	}
	if err := l.dev.Sync(); err != nil {
		panic(fmt.Sprintf("journal: syncing log blocks: %v", err))
	}
	if err := l.writeHeader(targets); err != nil {
		panic(fmt.Sprintf("journal: writing commit header: %v", err))
	}
	for _, b := range tx.pending {
		if err := l.dev.WriteBlocks(b.target, b.data); err != nil {
			panic(fmt.Sprintf("journal: installing block %d: %v", b.target, err))
		}
	}
	if err := l.writeHeader(nil); err != nil {
		panic(fmt.Sprintf("journal: clearing commit header: %v", err))
	}
	commitCount.Increment()
	blocksLogged.IncrementBy(uint64(len(tx.pending)))
	tx.pending = tx.pending[:0]
	clear(tx.index)
}

// End commits the transaction, applies its scheduled frees and lets the next
// transaction begin.
func (tx *Tx) End() {
	tx.checkOpen()
	tx.commit()
	for _, r := range tx.frees {
		tx.l.dev.FreeRun(r)
	}
	tx.frees = nil
	tx.done = true
	tx.l.mu.Unlock()
}
