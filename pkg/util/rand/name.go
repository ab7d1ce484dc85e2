package rand

import (
	"fmt"
	mrand "math/rand/v2"
)

var adjectives = []string{
	"amber", "brisk", "clever", "dusty", "early", "frosty", "gentle", "hidden",
	"icy", "jolly", "keen", "lucky", "mellow", "nimble", "odd", "proud",
	"quiet", "rapid", "silent", "tidy", "urban", "vivid", "witty", "young",
}

var nouns = []string{
	"badger", "comet", "delta", "ember", "falcon", "glacier", "harbor", "island",
	"juniper", "kettle", "lantern", "meadow", "nebula", "otter", "pebble", "quartz",
	"river", "summit", "thistle", "valley", "willow", "yarrow", "zephyr",
}

// NewName returns a readable random login name such as "brisk_otter".
func NewName() string {
	return adjectives[mrand.IntN(len(adjectives))] + "_" + nouns[mrand.IntN(len(nouns))]
}

// NewNames returns n distinct names. Once the word pairs run out a numeric
// suffix keeps them unique.
func NewNames(n int) []string {
	seen := make(map[string]bool, n)
	names := make([]string, 0, n)
	for len(names) < n {
		name := NewName()
		if seen[name] {
			name = fmt.Sprintf("%s_%d", name, len(names))
		}
		if seen[name] {
			continue
		}
		seen[name] = true
		names = append(names, name)
	}
	return names
}
