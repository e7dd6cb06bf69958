package chunker

// gearTable maps each possible byte value to a 64-bit constant used by the
// rolling hash in Chunk. The values only need to be fixed and
// well-distributed, not secret or standardized, since they only affect
// where boundaries fall for a given repository's own previously-chosen
// parameters, not cross-repository compatibility. Generated once via
// splitmix64 from a fixed seed so the table is reproducible from source
// rather than checked in as 256 opaque literals.
var gearTable = func() [256]uint64 {
	var t [256]uint64
	state := uint64(0x9e3779b97f4a7c15)
	for i := range t {
		state += 0x9e3779b97f4a7c15
		z := state
		z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
		z = (z ^ (z >> 27)) * 0x94d049bb133111eb
		z = z ^ (z >> 31)
		t[i] = z
	}
	return t
}()
