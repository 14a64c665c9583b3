//go:build !linux

package staticd

func processRSSBytes() (uint64, bool) { return 0, false }
