package util

// 位图工具：堆元组的NULL位图按列序号从低位往高位排
// Bitmap helpers for the heap tuple null bitmap: one bit per column,
// bit i lives in byte i/8 at position i%8.

func BitmapLen(bits int) int {
	return (bits + 7) / 8
}

func SetBit(bitmap []byte, index int) {
	bitmap[index>>3] |= 1 << uint(index&7)
}

func ClearBit(bitmap []byte, index int) {
	bitmap[index>>3] &^= 1 << uint(index&7)
}

func TestBit(bitmap []byte, index int) bool {
	return bitmap[index>>3]&(1<<uint(index&7)) != 0
}
