package transport

// Prefixed replays bytes that were already read from a transport, for
// example while sniffing the protocol, ahead of the rest of the stream.
type Prefixed struct {
	Transport
	prefix []byte
}

// WithPrefix returns t with prefix delivered by the next reads. An empty
// prefix returns t unchanged.
func WithPrefix(t Transport, prefix []byte) Transport {
	if len(prefix) == 0 {
		return t
	}
	return &Prefixed{Transport: t, prefix: prefix}
}

// Read drains the prefix before reading from the wrapped transport.
func (p *Prefixed) Read(b []byte) (int, error) {
	if len(p.prefix) > 0 {
		n := copy(b, p.prefix)
		p.prefix = p.prefix[n:]
		if len(p.prefix) == 0 {
			p.prefix = nil
		}
		return n, nil
	}
	return p.Transport.Read(b)
}
