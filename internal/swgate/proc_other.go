//go:build !linux

package swgate

func processRSSBytes() (uint64, bool) { return 0, false }
