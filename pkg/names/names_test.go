package names

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefault(t *testing.T) {
	pattern := regexp.MustCompile(`^[a-z]+-[a-z]+-\d{4}$`)
	for i := 0; i < 100; i++ {
		assert.Regexp(t, pattern, Default())
	}
}

func TestRandomScientistSeparator(t *testing.T) {
	pattern := regexp.MustCompile(`^[a-z]+_[a-z]+_\d{4}$`)
	for i := 0; i < 100; i++ {
		assert.Regexp(t, pattern, RandomScientist("_"))
	}
}
