package ptr

// To returns a pointer to a copy of v, handy for optional fields.
func To[T any](v T) *T {
	return &v
}
