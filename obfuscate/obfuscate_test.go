package obfuscate

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestObfuscator_ServiceNameMemoized(t *testing.T) {
	o := New()
	first := o.ServiceName("checkout")
	second := o.ServiceName("checkout")
	assert.Equal(t, first, second)
	assert.NotEqual(t, "checkout", first)
}

func TestObfuscator_ServiceNameDistinctInputsEachGetPseudonym(t *testing.T) {
	o := New()
	a := o.ServiceName("checkout")
	b := o.ServiceName("billing")
	// Distinct inputs can collide with a small word pool, so this checks
	// only that each input gets its own pseudonym, not that they differ.
	assert.NotEmpty(t, a)
	assert.NotEmpty(t, b)
}

func TestObfuscator_ProtocolMux_NumericGetsNumericPseudonym(t *testing.T) {
	o := New()
	got := o.ProtocolMux("8080")
	assert.NotEqual(t, "8080", got)
	_, err := isNumeric(got)
	assert.NoError(t, err)
}

func TestObfuscator_ProtocolMux_NonNumericGetsSlug(t *testing.T) {
	o := New()
	got := o.ProtocolMux("nsq-channel-1")
	assert.Contains(t, got, "#")
}

func TestObfuscator_ProtocolMuxMemoized(t *testing.T) {
	o := New()
	first := o.ProtocolMux("22")
	second := o.ProtocolMux("22")
	assert.Equal(t, first, second)
}

func isNumeric(s string) (int, error) {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, assertErr(s)
		}
		n++
	}
	return n, nil
}

func assertErr(s string) error {
	return &notNumericError{s}
}

type notNumericError struct{ s string }

func (e *notNumericError) Error() string { return "not numeric: " + e.s }
