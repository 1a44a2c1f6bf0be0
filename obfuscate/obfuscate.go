// Package obfuscate implements the discovery-time obfuscator: deterministic,
// memoized pseudonyms for service names and protocol muxes.
package obfuscate

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strconv"
	"sync"
)

// adjectives/nouns back a small codename-slug generator. No third-party
// slug-generator library fits this narrow a need, so this package builds
// its own word lists; see DESIGN.md for the stdlib-fallback
// justification.
var adjectives = []string{
	"quiet", "amber", "brisk", "cryptic", "dusky", "eager", "faint", "golden",
	"hushed", "icy", "jovial", "keen", "lush", "misty", "noble", "opal",
	"placid", "quick", "rustic", "sable", "tidal", "umber", "vivid", "wry",
}

var nouns = []string{
	"falcon", "harbor", "lantern", "meadow", "otter", "pebble", "quartz",
	"river", "summit", "thicket", "unicorn", "valley", "willow", "yonder",
	"zephyr", "canyon", "delta", "ember", "fjord", "grove", "hollow", "isle",
}

// Obfuscator memoizes service-name and protocol-mux pseudonyms for the
// lifetime of one discovery run. Held as a value (not package globals) so
// tests and concurrent discovery engines don't share memoization state.
type Obfuscator struct {
	mu            sync.Mutex
	serviceNames  map[string]string
	protocolMuxes map[string]string
}

// New builds an empty Obfuscator.
func New() *Obfuscator {
	return &Obfuscator{
		serviceNames:  map[string]string{},
		protocolMuxes: map[string]string{},
	}
}

// ServiceName returns a memoized pseudonym for serviceName.
func (o *Obfuscator) ServiceName(serviceName string) string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if existing, ok := o.serviceNames[serviceName]; ok {
		return existing
	}
	slug := generateSlug(2)
	o.serviceNames[serviceName] = slug
	return slug
}

// ProtocolMux returns a memoized pseudonym for protocolMux: a random
// ephemeral port if the input is itself numeric, a slug otherwise.
func (o *Obfuscator) ProtocolMux(protocolMux string) string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if existing, ok := o.protocolMuxes[protocolMux]; ok {
		return existing
	}

	var obfuscated string
	if isDigits(protocolMux) {
		obfuscated = strconv.Itoa(randomPort())
	} else {
		obfuscated = generateSlugJoined(2, "#")
	}
	o.protocolMuxes[protocolMux] = obfuscated
	return obfuscated
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func generateSlug(n int) string {
	return generateSlugJoined(n, "-")
}

func generateSlugJoined(n int, sep string) string {
	words := randomWords(n)
	out := ""
	for i, w := range words {
		if i > 0 {
			out += sep
		}
		out += w
	}
	return out
}

func randomWords(n int) []string {
	words := make([]string, 0, n)
	if n > 1 {
		words = append(words, adjectives[randIntn(len(adjectives))])
		n--
	}
	for i := 0; i < n; i++ {
		words = append(words, nouns[randIntn(len(nouns))])
	}
	return words
}

// randomPort returns a random ephemeral TCP port.
func randomPort() int {
	return 1024 + randIntn(64511)
}

func randIntn(n int) int {
	if n <= 0 {
		return 0
	}
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		// crypto/rand failing indicates a broken system entropy source;
		// there's no meaningful fallback for a pseudonym generator, so
		// panic rather than silently return a fixed, collidable value.
		panic(fmt.Sprintf("obfuscate: crypto/rand failure: %v", err))
	}
	return int(v.Int64())
}
