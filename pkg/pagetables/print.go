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

package pagetables

import (
	"bufio"
	"fmt"
	"io"

	"github.com/vmsim/vmsim/pkg/hostarch"
)

// Print writes a tree dump of every present entry:
//
//	page table 0x0000000080000000
//	+-- 0: pte=0x0000000080000000 va=0x0000000000000000 pa=0x0000000080001000 V
//	|   +-- 0: pte=0x0000000080001000 va=0x0000000000000000 pa=0x0000000080002000 V
//	...
//
// Swapped entries show blockno= instead of pa=, and never show D.
func (p *PageTables) Print(w io.Writer) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "page table 0x%016x\n", uint64(p.Root()))
	p.print(bw, p.root, 0, 0, "")
	return bw.Flush()
}

func (p *PageTables) print(w *bufio.Writer, table *PTEs, level int, base hostarch.Addr, prefix string) {
	last := -1
	for i := range table.entries {
		if s := table.entries[i].State(); s != StateUnmapped {
			last = i
		}
	}
	for i := 0; i <= last; i++ {
		pte := &table.entries[i]
		state := pte.State()
		if state == StateUnmapped {
			continue
		}
		va := base + hostarch.Addr(uint64(i)<<p.shift(level))
		fmt.Fprintf(w, "%s+-- %d: pte=0x%016x va=0x%016x", prefix, i, pte.addr, uint64(va))
		if state == StateSwapped {
			fmt.Fprintf(w, " blockno=0x%016x", uint64(pte.run))
		} else {
			fmt.Fprintf(w, " pa=0x%016x", uint64(pte.frame))
		}
		for _, fn := range flagNames {
			if pte.flags&fn.flag == 0 {
				continue
			}
			if fn.flag == FlagDirty && state == StateSwapped {
				continue
			}
			w.WriteString(" " + fn.name)
		}
		w.WriteByte('\n')

		if state == StateTable && level < p.levels-1 {
			childPrefix := prefix + "|   "
			if i == last {
				childPrefix = prefix + "    "
			}
			p.print(w, p.allocator.LookupPTEs(pte.frame), level+1, va, childPrefix)
		}
	}
}
