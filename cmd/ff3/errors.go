package main

import "errors"

var (
	ErrInputRequired   = errors.New("--input required")
	ErrStoredRequired  = errors.New("--stored required")
	ErrWindowsRequired = errors.New("--windows required")
	ErrNotManifest     = errors.New("cat needs a .ff3job manifest")
)
