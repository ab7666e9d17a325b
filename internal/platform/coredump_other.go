//go:build !linux

package platform

func DisableCoreDumps() error { return nil }
