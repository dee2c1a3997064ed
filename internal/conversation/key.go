package conversation

// PairKey derives the conversation id for a direct conversation between two
// users: the two ids sorted and joined with a colon, so both participants
// compute the same key regardless of who initiates.
func PairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + ":" + b
}
