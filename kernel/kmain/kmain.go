package kmain

import (
	"gophermm/kernel/cpu"
	"gophermm/kernel/hal/multiboot"
	"gophermm/kernel/kfmt"
	"gophermm/kernel/mm/heap"
)

// doubleFaultStackPages is the size of the stack requested for the double
// fault handler.
const doubleFaultStackPages = 1

// heapInitFn is overridden by tests as the kernel heap can only be
// initialized once.
var heapInitFn = heap.Init

// Kmain brings up the memory subsystem of c: it remaps the kernel, maps and
// registers the kernel heap and reserves the stack used by the double fault
// handler. It returns the MemoryController that owns the remaining kernel
// memory.
//
// info carries the boot loader's description of the machine. Any failure
// is fatal and causes a panic.
func Kmain(c *cpu.CPU, info *multiboot.Info) *MemoryController {
	mc := InitMemory(c, info)
	heapInitFn(c, HeapStart, HeapSize)

	stack, err := mc.AllocStack(doubleFaultStackPages)
	if err != nil {
		panic(err)
	}
	kfmt.Printf("[kmain] double fault stack: [0x%x, 0x%x)\n", stack.Bottom(), stack.Top())

	kfmt.Printf("It did not crash!\n")
	return mc
}

