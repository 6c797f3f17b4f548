//go:build !linux || !cgo

package main

import "errors"

func applyLockdown(cfg SecurityConfig) error {
	if !cfg.Lockdown {
		return nil
	}
	return errors.New("lockdown requires linux with cgo")
}
