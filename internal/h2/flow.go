package h2

// outflow is the peer's receive window: how much DATA we may still send.
// SETTINGS_INITIAL_WINDOW_SIZE changes may drive it negative.
type outflow struct {
	n int64
}

func (f *outflow) available() int64 { return f.n }

// take consumes n bytes already checked against available.
func (f *outflow) take(n int64) { f.n -= n }

// add applies a WINDOW_UPDATE or settings delta. It reports false when the
// result would exceed 2^31-1, which is a flow-control error.
func (f *outflow) add(n int64) bool {
	if f.n+n > maxWindow {
		return false
	}
	f.n += n
	return true
}

// inflow is our receive window as the peer sees it. Credit is returned in
// batches once half of the initial window has been consumed.
type inflow struct {
	avail   int64
	unacked int64
	initial int64
}

func (f *inflow) init(n int64) {
	f.avail = n
	f.initial = n
	f.unacked = 0
}

// take accounts for n received bytes. It reports false when the peer sent
// more than it was allowed to.
func (f *inflow) take(n uint32) bool {
	if int64(n) > f.avail {
		return false
	}
	f.avail -= int64(n)
	return true
}

// credit records n bytes consumed and returns the increment to announce,
// or zero while the batch is still small.
func (f *inflow) credit(n int) uint32 {
	if n <= 0 {
		return 0
	}
	f.unacked += int64(n)
	if f.unacked < f.initial/2 {
		return 0
	}
	inc := f.unacked
	f.unacked = 0
	f.avail += inc
	return uint32(inc)
}
