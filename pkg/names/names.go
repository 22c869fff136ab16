// Package names generates memorable default cluster identifiers of the
// form <adjective>-<scientist>-<4 digits>. Collisions are rare and no
// uniqueness is enforced at this layer.
package names

import (
	"fmt"
	"math/rand"
)

var adjectives = []string{
	"amusing", "brave", "calm", "daring", "eager",
	"fearless", "gentle", "happy", "inspired", "jolly",
	"keen", "lively", "mindful", "noble", "optimistic",
	"patient", "quirky", "resolute", "spirited", "tenacious",
	"upbeat", "vivid", "wise", "youthful", "zealous",
}

var scientists = []string{
	"archimedes", "bohr", "curie", "darwin", "euclid",
	"franklin", "galileo", "hopper", "hypatia", "kepler",
	"lovelace", "maxwell", "meitner", "newton", "noether",
	"pasteur", "ramanujan", "sagan", "tesla", "turing",
}

// RandomScientist returns a fresh identifier using the given separator.
func RandomScientist(separator string) string {
	adjective := adjectives[rand.Intn(len(adjectives))]
	scientist := scientists[rand.Intn(len(scientists))]
	return fmt.Sprintf("%s%s%s%s%04d", adjective, separator, scientist, separator, rand.Intn(10000))
}

// Default returns a dash-separated identifier.
func Default() string {
	return RandomScientist("-")
}
