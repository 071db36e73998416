package questforge

// EstimateTokens provides a rough token count for a system and user message.
// Uses the approximation: ~4 chars per token + overhead per message.
func EstimateTokens(system, prompt string) int64 {
	var total int64
	for _, content := range []string{system, prompt} {
		if content == "" {
			continue
		}
		total += int64(len(content)) / 4
		// role and formatting
		total += 4
	}
	// base overhead for the request
	total += 3
	return total
}
