package kernel

// lowestBitTable maps a nibble to the index of its lowest set bit. The zero
// nibble maps to -32 so that an empty bitmap (which reaches the table after
// 28 bits of shifting) lands on a negative result.
var lowestBitTable = [16]int8{-32, 0, 1, 0, 2, 0, 1, 0, 3, 0, 1, 0, 2, 0, 1, 0}

// lowestSet returns the index of the lowest set bit in bm, or -1 if bm is 0.
func lowestSet(bm uint32) int {
	p := 0
	if bm&0xffff == 0 {
		bm >>= 16
		p += 16
	}
	if bm&0xff == 0 {
		bm >>= 8
		p += 8
	}
	if bm&0xf == 0 {
		bm >>= 4
		p += 4
	}
	p += int(lowestBitTable[bm&0xf])
	if p < 0 {
		return -1
	}
	return p
}
