package wsboot

// cipher applies the websocket masking key to p in place. The offset
// is the number of payload bytes of the current frame that were
// processed by previous calls.
// See https://tools.ietf.org/html/rfc6455#section-5.3
func cipher(p []byte, mask [4]byte, offset int) {
	for i := range p {
		p[i] ^= mask[(offset+i)&3]
	}
}
