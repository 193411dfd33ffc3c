package infer

// Scoring turns co-occurrence evidence into relationship strength. Increment
// returns the strength after one document contributed sentences co-occurring
// sentences to an edge whose strength is current. Implementations must never
// return less than current.
type Scoring interface {
	Increment(current float64, sentences int) float64
}

// CappedIncrement adds Unit per co-occurring sentence, counting at most
// MaxPerDocument sentences of one document, and never exceeds Cap.
type CappedIncrement struct {
	Unit           float64 `yaml:"unit" validate:"gt=0"`
	Cap            float64 `yaml:"cap" validate:"gt=0,lte=1"`
	MaxPerDocument int     `yaml:"max_per_document" validate:"min=0"`
}

// DefaultScoring is the scoring policy used when nothing else is configured.
func DefaultScoring() CappedIncrement {
	return CappedIncrement{Unit: 0.1, Cap: 1.0, MaxPerDocument: 3}
}

func (c CappedIncrement) Increment(current float64, sentences int) float64 {
	n := max(sentences, 1)
	if c.MaxPerDocument > 0 {
		n = min(n, c.MaxPerDocument)
	}
	next := min(current+float64(n)*c.Unit, c.Cap)
	return max(next, current)
}
