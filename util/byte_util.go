package util

// MaxAlign 是磁盘格式的最大对齐粒度，页内元组起始偏移均按此对齐
const MaxAlign = 8

// MaxAlignUp rounds n up to the next MaxAlign boundary.
func MaxAlignUp(n int) int {
	return (n + MaxAlign - 1) &^ (MaxAlign - 1)
}

// MaxAlignDown rounds n down to a MaxAlign boundary.
func MaxAlignDown(n int) int {
	return n &^ (MaxAlign - 1)
}

// AlignUp rounds n up to a multiple of align, which must be a power of two.
func AlignUp(n, align int) int {
	return (n + align - 1) &^ (align - 1)
}

func AppendByte(size int) []byte {
	return make([]byte, size)
}

// IsAllZero reports whether every byte of buff is zero.
// An all-zero page reads back as "valid empty" throughout the loader.
func IsAllZero(buff []byte) bool {
	for _, b := range buff {
		if b != 0 {
			return false
		}
	}
	return true
}

func CopyBytes(src []byte) []byte {
	dst := make([]byte, len(src))
	copy(dst, src)
	return dst
}
