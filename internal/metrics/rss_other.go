//go:build !unix

package metrics

func PeakRSS() int64 { return 0 }
