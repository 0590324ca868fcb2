package models

// Artifact is a file produced by a step, relative to the checkout.
type Artifact struct {
	Name     string
	Path     string
	Producer string
	Uploaded bool
}
