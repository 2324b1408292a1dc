// Package fifo is a circular byte buffer used to reassemble segmented
// mailbox transfers (CoE SDO segmented upload, §4.6.1) one frame's worth
// of payload at a time, without knowing up front how many segments the
// transfer will take.
//
// Adapted from the teacher's internal/fifo.Fifo: the CRC16 hook threaded
// through Write/AltFinish there exists for CANopen SDO block transfer,
// which this core does not implement (spec.md §4.6.1 only requires
// expedited, segmented and complete-access transfers), so it is dropped
// here rather than carried as dead parameters.
package fifo

// Fifo is a circular byte buffer: one writer appends received segment
// bytes, one reader drains reassembled data out in order.
type Fifo struct {
	buffer     []byte
	writePos   int
	readPos    int
	altReadPos int
}

func NewFifo(size int) *Fifo {
	return &Fifo{buffer: make([]byte, size)}
}

func (f *Fifo) Reset() {
	f.readPos = 0
	f.writePos = 0
}

func (f *Fifo) GetSpace() int {
	sizeLeft := f.readPos - f.writePos - 1
	if sizeLeft < 0 {
		sizeLeft += len(f.buffer)
	}
	return sizeLeft
}

func (f *Fifo) GetOccupied() int {
	sizeOccupied := f.writePos - f.readPos
	if sizeOccupied < 0 {
		sizeOccupied += len(f.buffer)
	}
	return sizeOccupied
}

// Write appends buffer to the fifo, stopping early if it fills; it
// returns the number of bytes actually written.
func (f *Fifo) Write(buffer []byte) int {
	if buffer == nil {
		return 0
	}
	writeCounter := 0
	for _, element := range buffer {
		writePosNext := f.writePos + 1
		if writePosNext == f.readPos || (writePosNext == len(f.buffer) && f.readPos == 0) {
			break
		}
		f.buffer[f.writePos] = element
		writeCounter++
		if writePosNext == len(f.buffer) {
			f.writePos = 0
		} else {
			f.writePos++
		}
	}
	return writeCounter
}

// Read drains up to len(buffer) reassembled bytes out in FIFO order,
// returning the number of bytes actually read.
func (f *Fifo) Read(buffer []byte) int {
	var readCounter int
	if buffer == nil {
		return 0
	}
	if f.readPos == f.writePos {
		return 0
	}
	for index := range buffer {
		if f.readPos == f.writePos {
			break
		}
		buffer[index] = f.buffer[f.readPos]
		readCounter++
		f.readPos++
		if f.readPos == len(f.buffer) {
			f.readPos = 0
		}
	}
	return readCounter
}

// AltBegin starts a lookahead read offset bytes past the current read
// cursor without consuming anything yet; it returns how far it actually
// advanced (less than offset if the fifo doesn't hold that much).
func (f *Fifo) AltBegin(offset int) int {
	var i int
	f.altReadPos = f.readPos
	for i = offset; i > 0; i-- {
		if f.altReadPos == f.writePos {
			break
		}
		f.altReadPos++
		if f.altReadPos == len(f.buffer) {
			f.altReadPos = 0
		}
	}
	return offset - i
}

// AltFinish commits the lookahead cursor as the new read cursor,
// consuming everything between them.
func (f *Fifo) AltFinish() {
	f.readPos = f.altReadPos
}
