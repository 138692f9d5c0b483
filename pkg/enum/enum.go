package enum

import "fmt"

type Durability int

const (
	Durable Durability = iota
	BestEffort
)

func (d Durability) String() string {
	return [...]string{"durable", "best_effort"}[d]
}

func ParseDurability(value string) (Durability, error) {
	switch value {
	case "", "durable":
		return Durable, nil
	case "best_effort":
		return BestEffort, nil
	default:
		return Durable, fmt.Errorf("unknown durability %q", value)
	}
}

// WriteStatus is what a caller learns about a write: it reached the remote
// store, it waits in the local spool, or it was dropped on purpose.
type WriteStatus int

const (
	Stored WriteStatus = iota
	Queued
	Discarded
)

func (s WriteStatus) String() string {
	return [...]string{"stored", "queued", "discarded"}[s]
}

func (s WriteStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
