package campaign

// Batch is a bounded slice of a campaign's recipients, processed as one
// queue job
type Batch struct {
	Number     int // 1-based sequence number
	Total      int
	Recipients []Recipient
}

// Split partitions recipients into batches of at most batchSize, in input
// order. Every batch carries its sequence number and the total batch
// count. The partitioning is deterministic so a re-run of the same
// campaign job produces identical batches.
func Split(recipients []Recipient, batchSize int) []Batch {
	if len(recipients) == 0 || batchSize <= 0 {
		return nil
	}

	total := (len(recipients) + batchSize - 1) / batchSize
	batches := make([]Batch, 0, total)

	for i := 0; i < total; i++ {
		start := i * batchSize
		end := start + batchSize
		if end > len(recipients) {
			end = len(recipients)
		}
		batches = append(batches, Batch{
			Number:     i + 1,
			Total:      total,
			Recipients: recipients[start:end],
		})
	}

	return batches
}
