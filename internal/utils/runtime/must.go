package runtime

// Must panics if err is non-nil. Used for setup steps that cannot fail in a healthy process.
func Must(err error) {
	if err != nil {
		panic(err)
	}
}
