package console

const (
	clearColor = Black
	clearChar  = byte(' ')

	// FramebufferAddr is the physical address of the VGA text buffer.
	FramebufferAddr = uintptr(0xb8000)

	vgaWidth  = 80
	vgaHeight = 25

	cellsPerWord = 4
)

// Vga implements an 80x25 VGA text console. Each character cell is a 16-bit
// value holding the attribute in the high byte and the char in the low
// byte. Cells are packed four to a word and updated with read-modify-write
// cycles since the memory interface only moves whole words.
type Vga struct {
	mem    Memory
	fbAddr uintptr

	width  uint16
	height uint16
}

// Init sets up the console to render into the text buffer at fbAddr, which
// must be 8-byte aligned and mapped writable in mem.
func (cons *Vga) Init(mem Memory, fbAddr uintptr) {
	cons.mem = mem
	cons.fbAddr = fbAddr
	cons.width = vgaWidth
	cons.height = vgaHeight
}

// Clear clears the specified rectangular region
func (cons *Vga) Clear(x, y, width, height uint16) {
	var (
		attr                 = uint16((clearColor << 4) | clearColor)
		clr                  = (attr << 8) | uint16(clearChar)
		rowOffset, colOffset uint16
	)

	// clip rectangle
	if x >= cons.width {
		x = cons.width
	}
	if y >= cons.height {
		y = cons.height
	}

	if x+width > cons.width {
		width = cons.width - x
	}
	if y+height > cons.height {
		height = cons.height - y
	}

	rowOffset = (y * cons.width) + x
	for ; height > 0; height, rowOffset = height-1, rowOffset+cons.width {
		for colOffset = rowOffset; colOffset < rowOffset+width; colOffset++ {
			cons.setCell(colOffset, clr)
		}
	}
}

// Dimensions returns the console width and height in characters.
func (cons *Vga) Dimensions() (uint16, uint16) {
	return cons.width, cons.height
}

// Scroll a particular number of lines to the specified direction.
func (cons *Vga) Scroll(dir ScrollDir, lines uint16) {
	if lines == 0 || lines > cons.height {
		return
	}

	var i uint16
	offset := lines * cons.width

	switch dir {
	case Up:
		for ; i < (cons.height-lines)*cons.width; i++ {
			cons.setCell(i, cons.cell(i+offset))
		}
	case Down:
		for i = cons.height*cons.width - 1; i >= lines*cons.width; i-- {
			cons.setCell(i, cons.cell(i-offset))
		}
	}
}

// Write a char to the specified location.
func (cons *Vga) Write(ch byte, attr Attr, x, y uint16) {
	if x >= cons.width || y >= cons.height {
		return
	}

	cons.setCell((y*cons.width)+x, (uint16(attr)<<8)|uint16(ch))
}

// Read returns the char and attribute at the specified location. Locations
// outside the console read as a cleared cell.
func (cons *Vga) Read(x, y uint16) (byte, Attr) {
	if x >= cons.width || y >= cons.height {
		return clearChar, clearColor
	}

	v := cons.cell((y * cons.width) + x)
	return byte(v), Attr(v >> 8)
}

func (cons *Vga) cell(index uint16) uint16 {
	addr, shift := cons.cellLocation(index)
	return uint16(cons.mem.Read64(addr) >> shift)
}

func (cons *Vga) setCell(index, v uint16) {
	addr, shift := cons.cellLocation(index)
	word := cons.mem.Read64(addr)
	word &^= uint64(0xffff) << shift
	word |= uint64(v) << shift
	cons.mem.Write64(addr, word)
}

func (cons *Vga) cellLocation(index uint16) (uintptr, uint) {
	return cons.fbAddr + uintptr(index/cellsPerWord)*8, uint(index%cellsPerWord) * 16
}
