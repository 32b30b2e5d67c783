package engine

// Config holds engine limits.
type Config struct {
	// FactLimit bounds the asserted (EDB) facts held across all namespaces.
	// Zero disables the limit.
	FactLimit int `json:"fact_limit" yaml:"fact_limit"`

	// DerivedFactLimit caps the facts a single fixpoint evaluation may
	// create, guarding against runaway recursive rules. Zero disables it.
	DerivedFactLimit int `json:"derived_fact_limit" yaml:"derived_fact_limit"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		FactLimit:        100000,
		DerivedFactLimit: 500000,
	}
}
