package wire

// SplitChunks divides bytes into chunkSize-sized pieces, the last one
// possibly shorter.
func SplitChunks(data []byte, chunkSize int) [][]byte {
	if chunkSize <= 0 {
		return nil
	}
	var chunks [][]byte
	for off := 0; off < len(data); off += chunkSize {
		end := off + chunkSize
		if end > len(data) {
			end = len(data)
		}
		chunks = append(chunks, data[off:end])
	}
	if len(data) == 0 {
		chunks = [][]byte{}
	}
	return chunks
}

// AppendChunks concatenates chunks back into the original byte slice.
// Round-trips with SplitChunks for any chunkSize.
func AppendChunks(chunks [][]byte) []byte {
	var total int
	for _, c := range chunks {
		total += len(c)
	}
	out := make([]byte, 0, total)
	for _, c := range chunks {
		out = append(out, c...)
	}
	return out
}
