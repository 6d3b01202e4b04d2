package kernel

// Memset sets every byte of buf to the supplied value. Instead of using a
// for loop, this function uses log2(len(buf)) copy calls which should give us
// a speed boost as frame buffers are always page-sized.
func Memset(buf []byte, value byte) {
	if len(buf) == 0 {
		return
	}

	// Set first element and make log2(size) optimized copies
	buf[0] = value
	for index := 1; index < len(buf); index *= 2 {
		copy(buf[index:], buf[:index])
	}
}

// Memcopy copies min(len(src), len(dst)) bytes from src to dst and returns the
// number of copied bytes.
func Memcopy(src, dst []byte) int {
	return copy(dst, src)
}
